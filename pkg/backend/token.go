package backend

import (
	"fmt"
	"os"
	"strings"
)

// TokenSource supplies the bearer token for backend requests. It is called on
// every request so rotated credentials take effect without a restart.
type TokenSource func() (string, error)

// StaticToken returns a TokenSource that always yields the given token.
// An empty token disables the Authorization header.
func StaticToken(token string) TokenSource {
	return func() (string, error) {
		return token, nil
	}
}

// FileToken returns a TokenSource that reads the token from path, trimming
// surrounding whitespace and the trailing newline most secret files carry.
func FileToken(path string) TokenSource {
	return func() (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read token file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
}
