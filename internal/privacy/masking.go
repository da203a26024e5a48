package privacy

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaskMutationID masks a client mutation id while preserving enough of the
// tail to correlate log lines with queue entries.
// Example: "9f2c4d6e1a2b4c3d" -> "********1a2b4c3d"
func MaskMutationID(id string) string {
	return maskString(id, 8)
}

// MaskChannelID masks a channel id showing only the last 4 characters
// Example: "team-platform-alerts" -> "****erts"
func MaskChannelID(channelID string) string {
	return maskString(channelID, 4)
}

// MaskAuthorName keeps the first character of a display name
// Example: "Kim Yoon" -> "K*******"
func MaskAuthorName(name string) string {
	if name == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(name)
	rest := utf8.RuneCountInString(name[size:])
	return string(r) + strings.Repeat("*", rest)
}

// MaskToken masks an auth token showing only the last 4 characters
func MaskToken(token string) string {
	return maskString(token, 4)
}

// MaskBody replaces message content with its length. Chat content never
// reaches log output.
func MaskBody(body string) string {
	if body == "" {
		return ""
	}
	return fmt.Sprintf("[%d chars]", utf8.RuneCountInString(body))
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}

	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{})
	for k, v := range fields {
		switch k {
		case "client_mutation_id", "clientMutationId", "mutation_id":
			if s, ok := v.(string); ok {
				masked[k] = MaskMutationID(s)
			} else {
				masked[k] = v
			}
		case "channel_id", "channelId", "channel":
			if s, ok := v.(string); ok {
				masked[k] = MaskChannelID(s)
			} else {
				masked[k] = v
			}
		case "author", "author_name", "authorName":
			if s, ok := v.(string); ok {
				masked[k] = MaskAuthorName(s)
			} else {
				masked[k] = v
			}
		case "body", "message", "content":
			if s, ok := v.(string); ok {
				masked[k] = MaskBody(s)
			} else {
				masked[k] = v
			}
		case "token", "auth_token", "authorization":
			if s, ok := v.(string); ok {
				masked[k] = MaskToken(s)
			} else {
				masked[k] = v
			}
		default:
			masked[k] = v
		}
	}

	return masked
}
