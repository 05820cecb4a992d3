package embedding

import (
	"errors"
	"fmt"
)

var (
	// ErrProvider marks network and server side failures. Callers may retry.
	ErrProvider = errors.New("embedding provider error")
	// ErrRateLimited marks 429 and quota exhaustion responses. Callers should
	// back off or switch model.
	ErrRateLimited = errors.New("embedding rate limited")
	// ErrInvalidResponse marks empty or malformed payloads. Not retriable.
	ErrInvalidResponse = errors.New("invalid embedding response")
)

// Kind classifies an embedding failure.
type Kind int

const (
	KindProvider Kind = iota
	KindRateLimited
	KindInvalidResponse
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidResponse:
		return "invalid_response"
	default:
		return "provider"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindRateLimited:
		return ErrRateLimited
	case KindInvalidResponse:
		return ErrInvalidResponse
	default:
		return ErrProvider
	}
}

// Failure is the normalized error returned by every Embedder.
type Failure struct {
	Kind       Kind
	Model      string
	StatusCode int
	Err        error
}

func (f *Failure) Error() string {
	if f.StatusCode != 0 {
		return fmt.Sprintf("embed with %s: %s (status %d): %v", f.Model, f.Kind, f.StatusCode, f.Err)
	}
	return fmt.Sprintf("embed with %s: %s: %v", f.Model, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Is matches the sentinel of the failure kind.
func (f *Failure) Is(target error) bool {
	return target == f.Kind.sentinel()
}

// Retriable reports whether a caller may try the same request again.
func (f *Failure) Retriable() bool {
	return f.Kind != KindInvalidResponse
}

// IsRetriable reports whether err is an embedding failure worth retrying.
func IsRetriable(err error) bool {
	var f *Failure
	if errors.As(err, &f) {
		return f.Retriable()
	}
	return false
}
