package retry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ipfixfwd/errors"
)

func fast(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	var retried []int
	cfg := fast(5)
	cfg.OnRetry = func(attempt int, _ error, _ time.Duration) { retried = append(retried, attempt) }

	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("bind: address in use")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	cause := fmt.Errorf("connection refused")
	err := Do(context.Background(), fast(3), func() error {
		calls++
		return cause
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestDo_StopsOnPermanentErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"permanent", Permanent(fmt.Errorf("bad url"))},
		{"invalid", errors.WrapInvalid(errors.ErrInvalidConfig, "collector", "Start", "address")},
		{"fatal", errors.WrapFatal(errors.ErrUnknownMode, "forwarder", "Start", "mode")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fast(5), func() error {
				calls++
				return tt.err
			})
			assert.Equal(t, 1, calls)
			assert.True(t, IsPermanent(err))
		})
	}

	transient := errors.WrapTransient(errors.ErrConnectionTimeout, "natsclient", "Connect", "dial")
	assert.False(t, IsPermanent(transient))
	assert.Nil(t, Permanent(nil))
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 10, InitialDelay: time.Hour, MaxDelay: time.Hour}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Do(ctx, cfg, func() error { return fmt.Errorf("fail") })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDo_BackoffCappedAtMaxDelay(t *testing.T) {
	var delays []time.Duration
	cfg := Config{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     3 * time.Millisecond,
		Multiplier:   4,
		OnRetry:      func(_ int, _ error, d time.Duration) { delays = append(delays, d) },
	}

	_ = Do(context.Background(), cfg, func() error { return fmt.Errorf("fail") })
	assert.Equal(t, []time.Duration{time.Millisecond, 3 * time.Millisecond, 3 * time.Millisecond, 3 * time.Millisecond}, delays)
}

func TestDo_InvalidConfig(t *testing.T) {
	for _, cfg := range []Config{
		{InitialDelay: -1},
		{MaxDelay: -1},
		{Multiplier: -1},
		{InitialDelay: time.Second, MaxDelay: time.Millisecond},
	} {
		err := Do(context.Background(), cfg, func() error { return nil })
		assert.True(t, errors.IsInvalid(err))
	}
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), Config{}, func() error {
		calls++
		return fmt.Errorf("fail")
	})
	assert.Equal(t, 1, calls)
}

func TestDoWithResult(t *testing.T) {
	calls := 0
	port, err := DoWithResult(context.Background(), fast(3), func() (int, error) {
		calls++
		if calls == 1 {
			return 0, fmt.Errorf("busy")
		}
		return 4739, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4739, port)
}

func TestPresets(t *testing.T) {
	assert.Equal(t, 3, DefaultConfig().MaxAttempts)
	assert.Equal(t, 10, Quick().MaxAttempts)
	assert.Equal(t, 30, Persistent().MaxAttempts)
}
