// Package recognizer defines the contract shared by the speech recognition
// backends.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"voxscribe/pkg/model"
	"voxscribe/pkg/resilience"
)

// ErrNoSpeech means the service understood the request but heard nothing
var ErrNoSpeech = errors.New("no speech recognized")

// Recognizer turns one chunk of PCM audio into text
type Recognizer interface {
	Recognize(ctx context.Context, pcm model.PCM, language string) (string, error)
	Name() string
}

// ServiceError is a non-success response of a recognition service
type ServiceError struct {
	Service    string
	StatusCode int
	Message    string
}

func (e *ServiceError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Service, e.Message)
	}
	return fmt.Sprintf("%s: status=%d: %s", e.Service, e.StatusCode, e.Message)
}

// Retryable reports whether the status is worth another attempt
func (e *ServiceError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// Classify tags err for the retry policy: throttling, server errors and
// network failures are transient, everything else is fatal.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNoSpeech) || errors.Is(err, context.Canceled) {
		return resilience.Fatal(err)
	}

	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		if svcErr.Retryable() {
			return resilience.Transient(err)
		}
		return resilience.Fatal(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.Transient(err)
	}

	return resilience.Fatal(err)
}

// CountsAsFailure tells the circuit breaker which errors indicate an
// unhealthy service: transient failures and rejected credentials. Silence
// and a request the service refused for its content do not count.
func CountsAsFailure(err error) bool {
	if err == nil || errors.Is(err, ErrNoSpeech) || errors.Is(err, context.Canceled) {
		return false
	}

	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		switch svcErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return true
		}
		return svcErr.Retryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return resilience.IsTransient(err)
}
