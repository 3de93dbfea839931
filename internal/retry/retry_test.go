package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errTransient = errors.New("connection reset")

func TestPolicy_Do(t *testing.T) {
	tests := []struct {
		name      string
		attempts  int
		failures  int
		permanent bool
		wantCalls int
		wantErr   bool
	}{
		{name: "first try", attempts: 3, failures: 0, wantCalls: 1},
		{name: "succeeds on retry", attempts: 3, failures: 2, wantCalls: 3},
		{name: "exhausted", attempts: 3, failures: 5, wantCalls: 3, wantErr: true},
		{name: "permanent stops", attempts: 3, failures: 5, permanent: true, wantCalls: 1, wantErr: true},
		{name: "zero attempts runs once", attempts: 0, failures: 5, wantCalls: 1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Policy{Attempts: tt.attempts, BaseDelay: time.Millisecond}.Do(context.Background(), func() error {
				calls++
				if calls <= tt.failures {
					if tt.permanent {
						return Permanent(errTransient)
					}
					return errTransient
				}
				return nil
			})

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr {
				assert.ErrorIs(t, err, errTransient)
				var pe *PermanentError
				assert.False(t, errors.As(err, &pe), "permanent wrapper must be stripped")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPolicy_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Policy{Attempts: 10, BaseDelay: time.Hour}.Do(ctx, func() error {
		calls++
		cancel()
		return errTransient
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestJittered_Bounds(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 200; i++ {
		got := jittered(d)
		if got < 75*time.Millisecond || got > 125*time.Millisecond {
			t.Fatalf("jittered(%v) = %v, outside ±25%%", d, got)
		}
	}
}
