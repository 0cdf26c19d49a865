package governance

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_RateLimitRetry(t *testing.T) {
	rateLimited := fmt.Errorf("iq 429: %w", ErrRateLimited)

	tests := []struct {
		name     string
		errs     []error
		outcome  Outcome
		attempts int
		log      []string
	}{
		{
			name:     "first attempt succeeds",
			outcome:  OutcomeSucceeded,
			attempts: 1,
			log:      []string{"remove(g,x)"},
		},
		{
			name:     "retry succeeds",
			errs:     []error{rateLimited},
			outcome:  OutcomeSucceeded,
			attempts: 2,
			log:      []string{"remove(g,x)", "sleep(2s)", "remove(g,x)"},
		},
		{
			name:     "retry still rate limited",
			errs:     []error{rateLimited, rateLimited},
			outcome:  OutcomeRateLimited,
			attempts: 2,
			log:      []string{"remove(g,x)", "sleep(2s)", "remove(g,x)"},
		},
		{
			name:     "retry fails otherwise",
			errs:     []error{rateLimited, errBoom},
			outcome:  OutcomeFailed,
			attempts: 2,
			log:      []string{"remove(g,x)", "sleep(2s)", "remove(g,x)"},
		},
		{
			name:     "other errors are not retried",
			errs:     []error{errBoom},
			outcome:  OutcomeFailed,
			attempts: 1,
			log:      []string{"remove(g,x)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newFakeGateway(botB)
			gw.failWith(OpRemove, "x", tt.errs...)
			x := NewExecutor(gw, testConfig(), testLogger())
			x.sleep = func(_ context.Context, d time.Duration) error {
				gw.record("sleep(" + d.String() + ")")
				return nil
			}

			res := x.Execute(context.Background(), Pending{GroupID: "g", Target: "x", Op: OpRemove})

			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Equal(t, tt.attempts, res.Attempts)
			assert.Equal(t, tt.log, gw.log())
		})
	}
}

func TestExecutor_RetryCancelled(t *testing.T) {
	gw := newFakeGateway(botB)
	gw.failWith(OpAdd, "x", ErrRateLimited)
	x := NewExecutor(gw, testConfig(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := x.Execute(ctx, Pending{GroupID: "g", Target: "x", Op: OpAdd})

	assert.Equal(t, OutcomeRateLimited, res.Outcome)
	assert.Equal(t, 1, res.Attempts)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestExecutor_CircuitBreaker(t *testing.T) {
	cfg := testConfig()
	cfg.Breaker.MaxFailures = 2
	cfg.Breaker.OpenTimeout = time.Hour

	gw := newFakeGateway(botB)
	gw.failWith(OpRemove, "x", errBoom, errBoom)
	x := NewExecutor(gw, cfg, testLogger())
	ctx := context.Background()

	for range 2 {
		res := x.Execute(ctx, Pending{GroupID: "g", Target: "x", Op: OpRemove})
		require.ErrorIs(t, res.Err, errBoom)
	}

	res := x.Execute(ctx, Pending{GroupID: "g", Target: "x", Op: OpRemove})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, ErrCircuitOpen)
	assert.Len(t, gw.log(), 2, "open breaker must not reach the gateway")
}

func TestExecutor_RateLimitDoesNotTripBreaker(t *testing.T) {
	cfg := testConfig()
	cfg.Breaker.MaxFailures = 1

	gw := newFakeGateway(botB)
	gw.failWith(OpRemove, "x", ErrRateLimited, ErrRateLimited)
	x := NewExecutor(gw, cfg, testLogger())
	x.sleep = func(context.Context, time.Duration) error { return nil }

	res := x.Execute(context.Background(), Pending{GroupID: "g", Target: "x", Op: OpRemove})
	require.Equal(t, OutcomeRateLimited, res.Outcome)

	res = x.Execute(context.Background(), Pending{GroupID: "g", Target: "x", Op: OpRemove})
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
}

func TestExecutor_ParticipantRejectionDoesNotTripBreaker(t *testing.T) {
	cfg := testConfig()
	cfg.Breaker.MaxFailures = 1
	cfg.Breaker.OpenTimeout = time.Hour

	refused := fmt.Errorf("%w: %w: error 403", ErrOperationFailed, ErrParticipantRejected)
	gw := newFakeGateway(botB)
	gw.failWith(OpAdd, "x", refused, refused)
	x := NewExecutor(gw, cfg, testLogger())
	ctx := context.Background()

	for range 2 {
		res := x.Execute(ctx, Pending{GroupID: "g", Target: "x", Op: OpAdd})
		require.Equal(t, OutcomeFailed, res.Outcome)
		require.ErrorIs(t, res.Err, ErrParticipantRejected)
	}

	res := x.Execute(ctx, Pending{GroupID: "g", Target: "y", Op: OpRemove})
	assert.Equal(t, OutcomeSucceeded, res.Outcome)
	assert.Len(t, gw.log(), 3)
}
