package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/messages", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var request SendMessageRequest
		err := json.NewDecoder(r.Body).Decode(&request)
		require.NoError(t, err)
		assert.Equal(t, "ch-general", request.ChannelID)
		assert.Equal(t, "hello there", request.Body)
		assert.Equal(t, "mut-123", request.ClientMutationID)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(SendMessageResponse{MessageID: "srv-msg-1"})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	resp, err := client.SendMessage(context.Background(), &SendMessageRequest{
		ChannelID:        "ch-general",
		Body:             "hello there",
		AuthorName:       "alice",
		ClientMutationID: "mut-123",
	}, "test-token")
	require.NoError(t, err)
	assert.Equal(t, "srv-msg-1", resp.MessageID)
	assert.False(t, resp.Duplicate)
}

func TestSendMessageDuplicate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(SendMessageResponse{MessageID: "srv-msg-1", Duplicate: true})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	resp, err := client.SendMessage(context.Background(), &SendMessageRequest{
		ChannelID:        "ch-general",
		Body:             "hello there",
		ClientMutationID: "mut-123",
	}, "")
	require.NoError(t, err)
	assert.True(t, resp.Duplicate)
	assert.Equal(t, "srv-msg-1", resp.MessageID)
}

func TestSendMessageServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("database down"))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	resp, err := client.SendMessage(context.Background(), &SendMessageRequest{
		ChannelID:        "ch-general",
		Body:             "hello",
		ClientMutationID: "mut-123",
	}, "test-token")
	assert.Nil(t, resp)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "database down")
}

func TestSendMessageMissingMessageID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("{}"))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.SendMessage(context.Background(), &SendMessageRequest{
		ChannelID:        "ch-general",
		Body:             "hello",
		ClientMutationID: "mut-123",
	}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing messageId")
}

func TestSendMessageTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.SendMessage(context.Background(), &SendMessageRequest{
		ChannelID:        "ch-general",
		Body:             "hello",
		ClientMutationID: "mut-123",
	}, "")
	require.Error(t, err)

	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}

func TestSendMessageNoAuthHeaderWhenAnonymous(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(SendMessageResponse{MessageID: "srv-msg-1"})
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	_, err := client.SendMessage(context.Background(), &SendMessageRequest{
		ChannelID:        "ch-general",
		Body:             "hello",
		ClientMutationID: "mut-123",
	}, "")
	require.NoError(t, err)
}

func TestHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GET", r.Method)
		assert.Equal(t, "/api/health", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	assert.NoError(t, client.Health(context.Background(), "test-token"))
}

func TestHealthUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("maintenance"))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil, nil)
	err := client.Health(context.Background(), "")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
}

func TestNewClientTrimsTrailingSlash(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(server.URL+"/", nil, nil)
	assert.NoError(t, client.Health(context.Background(), ""))
}
