package validation

import (
	"fmt"
	"net/http"
	"strings"
	"unicode"

	"flack/internal/constants"
	"flack/internal/errors"
)

// ValidateMutationID validates client mutation id format and length
func ValidateMutationID(id string) error {
	if id == "" {
		return errors.New(errors.ErrCodeInvalidInput, "client mutation id cannot be empty")
	}

	if len(id) > constants.MaxMutationIDLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("client mutation id too long (max %d characters)", constants.MaxMutationIDLength))
	}

	// Check for control characters that could cause issues
	for _, char := range id {
		if char < 0x20 || char == 0x7f {
			return errors.New(errors.ErrCodeInvalidInput, "client mutation id contains invalid characters")
		}
	}

	return nil
}

// ValidateChannelID validates channel id format and length
func ValidateChannelID(channelID string) error {
	if channelID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "channel id cannot be empty")
	}

	if len(channelID) > constants.MaxChannelIDLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("channel id too long (max %d characters)", constants.MaxChannelIDLength))
	}

	// Channel ids are alphanumeric with underscores, dashes and dots
	for _, char := range channelID {
		if !unicode.IsLetter(char) && !unicode.IsDigit(char) && char != '_' && char != '-' && char != '.' {
			return errors.New(errors.ErrCodeInvalidInput,
				"channel id must contain only letters, numbers, underscores, dashes, and dots")
		}
	}

	return nil
}

// ValidateBody validates message body content and length
func ValidateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return errors.New(errors.ErrCodeInvalidInput, "message body cannot be empty")
	}

	if len(body) > constants.MaxBodyLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("message body too long (max %d characters)", constants.MaxBodyLength))
	}

	return nil
}

// ValidateAuthorName validates author display name length. An empty name is
// allowed, the backend substitutes the session account name.
func ValidateAuthorName(name string) error {
	if len(name) > constants.MaxAuthorNameLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("author name too long (max %d characters)", constants.MaxAuthorNameLength))
	}

	for _, char := range name {
		if char < 0x20 || char == 0x7f {
			return errors.New(errors.ErrCodeInvalidInput, "author name contains invalid characters")
		}
	}

	return nil
}

// ValidateHTTPRequestSize validates incoming HTTP request size
func ValidateHTTPRequestSize(r *http.Request, maxSizeBytes int64) error {
	if r.ContentLength < 0 {
		return errors.New(errors.ErrCodeInvalidInput, "invalid content length")
	}

	if r.ContentLength > maxSizeBytes {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("request too large: %d bytes (max %d bytes)", r.ContentLength, maxSizeBytes))
	}

	return nil
}

// ValidateStringLength validates string length against bounds
func ValidateStringLength(value, fieldName string, minLength, maxLength int) error {
	if len(value) < minLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too short (min %d characters)", fieldName, minLength))
	}

	if len(value) > maxLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too long (max %d characters)", fieldName, maxLength))
	}

	return nil
}

// ValidateNumericRange validates numeric values against bounds
func ValidateNumericRange(value int, fieldName string, min, max int) error {
	if value < min {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too small (min %d)", fieldName, min))
	}

	if value > max {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too large (max %d)", fieldName, max))
	}

	return nil
}

// ValidateTimeout validates timeout values
func ValidateTimeout(timeoutSec int, fieldName string) error {
	if timeoutSec < 1 {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s must be at least 1 second", fieldName))
	}

	if timeoutSec > 3600 { // Max 1 hour
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too large (max 3600 seconds)", fieldName))
	}

	return nil
}
