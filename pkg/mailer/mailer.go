package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// Message is one outbound plain-text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers a message and returns the provider message id.
// Errors are transient unless they wrap a *PermanentError.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// PermanentError marks a failure that retrying cannot fix (bad address,
// content rejected by the provider).
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	if e == nil || e.Err == nil {
		return "permanent delivery failure"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewPermanentError wraps err so the delivery worker does not retry it.
func NewPermanentError(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a *PermanentError.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// NormalizeAddress validates a bare address and lower-cases it so that
// grouping and opt-out lookups agree on one spelling.
func NormalizeAddress(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("address is required")
	}
	parsed, err := mail.ParseAddress(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", raw, err)
	}
	if parsed.Name != "" || parsed.Address != trimmed {
		return "", fmt.Errorf("invalid address %q: display names are not accepted", raw)
	}
	return strings.ToLower(parsed.Address), nil
}
