package recognizer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"voxscribe/pkg/resilience"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"no speech", ErrNoSpeech, false},
		{"throttled", &ServiceError{Service: "x", StatusCode: 429}, true},
		{"server error", &ServiceError{Service: "x", StatusCode: 502}, true},
		{"client error", &ServiceError{Service: "x", StatusCode: 400}, false},
		{"network", fmt.Errorf("failed to send request: %w", &net.OpError{Op: "dial", Err: errors.New("refused")}), true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"unknown", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(tt.err)
			assert.Equal(t, tt.transient, resilience.IsTransient(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}

	assert.Nil(t, Classify(nil))
}

func TestCountsAsFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"no speech", ErrNoSpeech, false},
		{"classified no speech", Classify(ErrNoSpeech), false},
		{"canceled", context.Canceled, false},
		{"bad audio", Classify(&ServiceError{StatusCode: 400, Message: "bad audio"}), false},
		{"payload too large", &ServiceError{StatusCode: 413}, false},
		{"unauthorized", Classify(&ServiceError{StatusCode: 401}), true},
		{"forbidden", &ServiceError{StatusCode: 403}, true},
		{"throttled", &ServiceError{StatusCode: 429}, true},
		{"server error", &ServiceError{StatusCode: 500}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"retries exhausted", fmt.Errorf("%w: %w", resilience.ErrRetriesExhausted, Classify(&ServiceError{StatusCode: 503})), true},
		{"tagged transient", resilience.Transient(errors.New("connection reset")), true},
		{"unknown", errors.New("failed to decode"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CountsAsFailure(tt.err))
		})
	}
}

func TestServiceError_Error(t *testing.T) {
	assert.Equal(t, "speechkit: status=401: bad key", (&ServiceError{Service: "speechkit", StatusCode: 401, Message: "bad key"}).Error())
	assert.Equal(t, "whisper: empty", (&ServiceError{Service: "whisper", Message: "empty"}).Error())
}
