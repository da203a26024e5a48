package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// SendMessageRequest is the payload for posting a chat message.
type SendMessageRequest struct {
	ChannelID        string `json:"channelId"`
	Body             string `json:"body"`
	AuthorName       string `json:"authorName,omitempty"`
	ClientMutationID string `json:"clientMutationId"`
}

// SendMessageResponse is the backend's acknowledgement. Duplicate is set when
// the backend already holds a message with the same clientMutationId.
type SendMessageResponse struct {
	MessageID string `json:"messageId"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

// APIError is a non-2xx response from the backend API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend API error: status %d, body: %s", e.StatusCode, e.Body)
}

// Client talks to the chat backend's message API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *logrus.Logger
}

func NewClient(baseURL string, httpClient *http.Client, logger *logrus.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  httpClient,
		logger:  logger,
	}
}

// SendMessage posts the message to the backend. The backend deduplicates on
// clientMutationId, so resending the same request is safe. An empty authToken
// sends the request anonymously.
func (c *Client) SendMessage(ctx context.Context, msg *SendMessageRequest, authToken string) (*SendMessageResponse, error) {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/messages", c.baseURL)
	c.logger.WithField("endpoint", endpoint).Debug("Sending message request")

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		bodyBytes, _ := io.ReadAll(resp.Body)
		c.logger.WithFields(logrus.Fields{
			"status":   resp.StatusCode,
			"endpoint": endpoint,
		}).Warn("Backend rejected message")
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	var result SendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if result.MessageID == "" {
		return nil, fmt.Errorf("backend response missing messageId")
	}

	return &result, nil
}

// Health checks whether the backend API is reachable and serving.
func (c *Client) Health(ctx context.Context, authToken string) error {
	endpoint := fmt.Sprintf("%s/api/health", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	return nil
}
