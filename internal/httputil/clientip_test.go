package httputil

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		setupReq   func() *http.Request
		expectedIP string
	}{
		{
			name: "X-Forwarded-For multiple IPs (take first)",
			setupReq: func() *http.Request {
				r, _ := http.NewRequest(http.MethodGet, "http://localhost", nil)
				r.Header.Set("X-Forwarded-For", "198.51.100.7, 203.0.113.9, 192.0.2.1")
				return r
			},
			expectedIP: "198.51.100.7",
		},
		{
			name: "X-Real-IP takes effect when no XFF",
			setupReq: func() *http.Request {
				r, _ := http.NewRequest(http.MethodGet, "http://localhost", nil)
				r.Header.Set("X-Real-IP", "203.0.113.12")
				return r
			},
			expectedIP: "203.0.113.12",
		},
		{
			name: "Fallback to RemoteAddr IPv4",
			setupReq: func() *http.Request {
				r, _ := http.NewRequest(http.MethodGet, "http://localhost", nil)
				r.RemoteAddr = "192.0.2.55:54321"
				return r
			},
			expectedIP: "192.0.2.55",
		},
		{
			name: "Fallback to RemoteAddr IPv6 (bracketed)",
			setupReq: func() *http.Request {
				r, _ := http.NewRequest(http.MethodGet, "http://localhost", nil)
				r.RemoteAddr = "[2001:db8::5]:8443"
				return r
			},
			expectedIP: "2001:db8::5",
		},
		{
			name: "Malformed RemoteAddr returns raw",
			setupReq: func() *http.Request {
				r, _ := http.NewRequest(http.MethodGet, "http://localhost", nil)
				r.RemoteAddr = "not_an_ip_port"
				return r
			},
			expectedIP: "not_an_ip_port",
		},
		{
			name: "XFF takes precedence over X-Real-IP",
			setupReq: func() *http.Request {
				r, _ := http.NewRequest(http.MethodGet, "http://localhost", nil)
				r.Header.Set("X-Forwarded-For", "198.51.100.77, 203.0.113.1")
				r.Header.Set("X-Real-IP", "203.0.113.200")
				return r
			},
			expectedIP: "198.51.100.77",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.setupReq()
			got := GetClientIP(req)
			assert.Equal(t, tt.expectedIP, got)
		})
	}
}

func TestIsLoopbackRequest(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		headers    map[string]string
		expected   bool
	}{
		{
			name:       "IPv4 loopback",
			remoteAddr: "127.0.0.1:52300",
			expected:   true,
		},
		{
			name:       "IPv6 loopback",
			remoteAddr: "[::1]:52300",
			expected:   true,
		},
		{
			name:       "LAN address",
			remoteAddr: "192.168.1.20:52300",
			expected:   false,
		},
		{
			name:       "public address",
			remoteAddr: "203.0.113.9:443",
			expected:   false,
		},
		{
			name:       "spoofed XFF is ignored",
			remoteAddr: "203.0.113.9:443",
			headers:    map[string]string{"X-Forwarded-For": "127.0.0.1"},
			expected:   false,
		},
		{
			name:       "garbage remote addr",
			remoteAddr: "garbage",
			expected:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := http.NewRequest(http.MethodGet, "http://localhost/api/queue", nil)
			r.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.expected, IsLoopbackRequest(r))
		})
	}
}
