package pipeline

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// MaxBodyBytes is the maximum message body size after trimming.
	MaxBodyBytes = 10000

	// MaxDedupKeyBytes bounds the client-supplied dedup key. Clients are
	// expected to send something UUID-sized.
	MaxDedupKeyBytes = 128
)

// ValidationError is a permanent input failure. It is reported to the
// caller immediately and must never be retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("pipeline: invalid %s: %s", e.Field, e.Reason)
}

// validateSubmit checks all submit inputs and returns the trimmed body.
func validateSubmit(roomID, senderID, dedupKey, body string) (string, error) {
	if roomID == "" {
		return "", &ValidationError{Field: "room_id", Reason: "required"}
	}
	if senderID == "" {
		return "", &ValidationError{Field: "sender_id", Reason: "required"}
	}
	if dedupKey == "" {
		return "", &ValidationError{Field: "dedup_key", Reason: "required"}
	}
	if len(dedupKey) > MaxDedupKeyBytes {
		return "", &ValidationError{Field: "dedup_key", Reason: fmt.Sprintf("exceeds %d byte limit", MaxDedupKeyBytes)}
	}

	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return "", &ValidationError{Field: "body", Reason: "empty after trim"}
	}
	if len(trimmed) > MaxBodyBytes {
		return "", &ValidationError{Field: "body", Reason: fmt.Sprintf("exceeds %d byte limit", MaxBodyBytes)}
	}
	if !utf8.ValidString(trimmed) {
		return "", &ValidationError{Field: "body", Reason: "invalid UTF-8"}
	}
	return trimmed, nil
}
