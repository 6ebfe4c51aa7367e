package syncqueue

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Task is a mutation that could not reach the network.
type Task struct {
	ID string `json:"id"`
	// "<METHOD> <URL>"
	Action  string            `json:"action"`
	Payload []byte            `json:"payload,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`

	CreatedAt     time.Time `json:"createdAt"`
	Attempts      int       `json:"attempts"`
	MaxAttempts   int       `json:"maxAttempts"`
	NextAttemptAt time.Time `json:"nextAttemptAt,omitempty"`
	LastError     string    `json:"lastError,omitempty"`

	// Independent tasks may be replayed concurrently with adjacent
	// independent tasks.
	Independent bool `json:"independent,omitempty"`
}

// Action formats a method and URL as a task action.
func Action(method, url string) string {
	return strings.ToUpper(method) + " " + url
}

// ParseAction splits an action into method and URL.
func ParseAction(action string) (string, string, error) {
	method, url, found := strings.Cut(strings.TrimSpace(action), " ")
	url = strings.TrimSpace(url)
	if !found || method == "" || url == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return "", "", fmt.Errorf("%w: method %s is not a mutation", ErrInvalidAction, method)
	}
	return strings.ToUpper(method), url, nil
}

// Method returns the HTTP method of the action.
func (t Task) Method() string {
	method, _, _ := ParseAction(t.Action)
	return method
}

// URL returns the target of the action.
func (t Task) URL() string {
	_, url, _ := ParseAction(t.Action)
	return url
}

func (t Task) due(now time.Time) bool {
	return !t.NextAttemptAt.After(now)
}
