package errors

import (
	"fmt"
)

// Common error creators for frequent use cases

// NewValidationError creates a validation error with field context
func NewValidationError(field, message string) *AppError {
	return New(ErrCodeValidationFailed, message).
		WithContext("field", field).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewStorageError creates a local store error with operation context
func NewStorageError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeStorageQuery, fmt.Sprintf("storage %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Local storage operation failed")
}

// NewQueueFullError creates a capacity rejection error
func NewQueueFullError(capacity int) *AppError {
	return New(ErrCodeQueueFull, "queue capacity reached").
		WithContext("capacity", capacity).
		WithUserMessage("Too many unsent messages, please wait for the queue to drain")
}

// NewSendError creates a backend send error. Server errors, rate limiting
// and timeouts are marked retryable.
func NewSendError(statusCode int, err error) *AppError {
	appErr := Wrap(err, ErrCodeSendFailed, "message send failed").
		WithContext("status_code", statusCode).
		WithUserMessage("Message could not be delivered")

	if statusCode >= 500 || statusCode == 429 || statusCode == 408 || statusCode == 0 {
		appErr.Retryable = true
	}

	return appErr
}

// NewBackendError creates an API error for backend calls
func NewBackendError(endpoint string, statusCode int, err error) *AppError {
	appErr := Wrap(err, ErrCodeBackendAPI, "backend API call failed").
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode)

	if statusCode >= 500 || statusCode == 429 || statusCode == 408 {
		appErr.Retryable = true
	}

	return appErr
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration).
		WithUserMessage("Operation timed out, please try again")
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// HTTP helpers

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	code := GetCode(err)

	switch code {
	case ErrCodeValidationFailed, ErrCodeInvalidInput, ErrCodeInvalidConfig:
		return 400 // Bad Request
	case ErrCodeNotFound:
		return 404 // Not Found
	case ErrCodeQueueFull:
		return 409 // Conflict
	case ErrCodeTimeout:
		return 408 // Request Timeout
	case ErrCodeSendFailed, ErrCodeBackendAPI:
		if IsRetryable(err) {
			return 502 // Bad Gateway
		}
		return 500 // Internal Server Error
	case ErrCodeStorageUnavailable, ErrCodeStorageQuota, ErrCodeStorageQuery:
		return 503 // Service Unavailable
	default:
		return 500 // Internal Server Error
	}
}

// HTTPErrorResponse is a standardized HTTP error response
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Context interface{} `json:"context,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	response := HTTPErrorResponse{
		RequestID: requestID,
	}

	if appErr, ok := err.(*AppError); ok {
		response.Error.Code = appErr.Code
		response.Error.Message = GetUserMessage(err)
		if len(appErr.Context) > 0 {
			// Only include non-sensitive context in HTTP responses
			publicContext := make(map[string]interface{})
			for k, v := range appErr.Context {
				if k != "password" && k != "token" && k != "secret" {
					publicContext[k] = v
				}
			}
			if len(publicContext) > 0 {
				response.Error.Context = publicContext
			}
		}
	} else {
		response.Error.Code = ErrCodeInternalError
		response.Error.Message = GetUserMessage(err)
	}

	return response
}
