package generation

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ProviderName identifies the generation provider in errors and logs.
const ProviderName = "generation"

// Error classes. Every error returned by Client wraps exactly one of ErrTransient, ErrTimeout
// or ErrPermanent.
var (
	// ErrTransient covers 5xx, throttling and malformed responses.
	ErrTransient = errors.New("transient provider error")

	// ErrTimeout covers calls that exceeded their deadline.
	ErrTimeout = errors.New("provider call timed out")

	// ErrPermanent covers rejected requests that will not succeed on retry.
	ErrPermanent = errors.New("permanent provider error")

	// ErrMissingAPIKey indicates that the client was configured without credentials.
	ErrMissingAPIKey = errors.New("generation provider api key is required")

	// ErrMissingBaseURL indicates that the client has no endpoint to call.
	ErrMissingBaseURL = errors.New("generation provider base url is required")

	// ErrPromptRequired is returned for a request without a prompt.
	ErrPromptRequired = errors.New("prompt is required")
)

// ProviderError wraps a failed provider call.
type ProviderError struct {
	Op         string
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %s: %v", e.Provider, e.Op, e.StatusCode, e.Message, e.Err)
	}

	if e.Message != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Message, e.Err)
	}

	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is transient or a timeout.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout)
}

// IsTimeout reports whether err is a provider timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// classifyTransportError maps an http.Client error onto an error class.
func classifyTransportError(op string, err error) error {
	class := ErrTransient

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		class = ErrTimeout
	}

	return &ProviderError{Op: op, Provider: ProviderName, Message: err.Error(), Err: class}
}

// classifyStatus maps a non-2xx status onto an error class.
func classifyStatus(op string, status int, message string) error {
	class := ErrPermanent

	switch {
	case status == 408 || status == 504:
		class = ErrTimeout
	case status == 429 || status >= 500:
		class = ErrTransient
	}

	return &ProviderError{Op: op, Provider: ProviderName, StatusCode: status, Message: message, Err: class}
}
