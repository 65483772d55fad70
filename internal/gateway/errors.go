package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// RequestError is a failed Bot API call with whatever structure the API
// returned. Description carries the human-readable error text callers
// classify on.
type RequestError struct {
	StatusCode  int
	ErrorCode   int
	Description string
	Body        string
}

func (e *RequestError) Error() string {
	if e == nil {
		return "telegram request failed"
	}
	desc := strings.TrimSpace(e.Description)
	if desc != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("telegram http %d: %s", e.StatusCode, desc)
		}
		return "telegram: " + desc
	}
	body := strings.TrimSpace(e.Body)
	if e.StatusCode > 0 {
		if body != "" {
			return fmt.Sprintf("telegram http %d: %s", e.StatusCode, body)
		}
		return fmt.Sprintf("telegram http %d", e.StatusCode)
	}
	if body != "" {
		return "telegram: " + body
	}
	return "telegram request failed"
}

// Deletion-class descriptions: the supergroup topic the call addressed no
// longer exists (deleted by staff or by Telegram). Distinct from every other
// failure because it drives topic recreation.
var deletedDescriptions = []string{
	"thread not found",
	"topic not found",
	"message thread not found",
	"topic deleted",
	"thread deleted",
	"forum topic not found",
	"topic closed permanently",
}

// Setup-class descriptions: the bot is pointed at the wrong chat or lacks
// Manage Topics rights. Fatal misconfiguration, never retried.
var setupDescriptions = []string{
	"chat not found",
	"not enough rights",
}

// IsDeletedDescription reports whether desc is a deletion-class error text.
func IsDeletedDescription(desc string) bool {
	return containsAny(desc, deletedDescriptions)
}

// IsTopicDeleted reports whether err carries a deletion-class description.
func IsTopicDeleted(err error) bool {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return IsDeletedDescription(reqErr.Description)
	}
	return false
}

// IsSetupError reports whether err is a fatal misconfiguration.
func IsSetupError(err error) bool {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return containsAny(reqErr.Description, setupDescriptions)
	}
	return false
}

// IsTimeout reports whether err is a request timeout. Timeouts are treated
// as transient failures, never promoted to fatal.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "client.timeout exceeded")
}

func containsAny(desc string, needles []string) bool {
	desc = strings.ToLower(strings.TrimSpace(desc))
	if desc == "" {
		return false
	}
	for _, n := range needles {
		if strings.Contains(desc, n) {
			return true
		}
	}
	return false
}
