package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Pending is a single compensating command. Retry is 0 on the first
// attempt and 1 on the only retry.
type Pending struct {
	GroupID string
	Target  string
	Op      Op
	Retry   int
}

// Executor issues gateway mutations with a circuit breaker and a single
// fixed-delay retry on rate limiting.
type Executor struct {
	gw         Gateway
	breaker    *gobreaker.CircuitBreaker[struct{}]
	retryDelay time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *slog.Logger
}

// NewExecutor creates an Executor. A breaker with MaxFailures == 0 is disabled.
func NewExecutor(gw Gateway, cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	x := &Executor{
		gw:         gw,
		retryDelay: cfg.RetryDelay,
		sleep:      sleepCtx,
		logger:     logger.With("component", "executor"),
	}
	if cfg.Breaker.MaxFailures > 0 {
		maxFailures := uint32(cfg.Breaker.MaxFailures)
		x.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "gateway",
			MaxRequests: 1,
			Timeout:     cfg.Breaker.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			// Throttling and per-participant refusals mean the gateway
			// answered; only transport failures count toward tripping.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrParticipantRejected)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				x.logger.Warn("executor: circuit breaker state change",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return x
}

// Execute runs p, retrying once after the fixed delay if the gateway
// reports rate limiting. The result after the retry is final.
func (x *Executor) Execute(ctx context.Context, p Pending) OpResult {
	res := OpResult{Op: p.Op, GroupID: p.GroupID, Target: p.Target}

	for {
		res.Attempts++
		err := x.call(ctx, p)
		if err == nil {
			res.Outcome = OutcomeSucceeded
			res.Err = nil
			return res
		}
		res.Err = err

		if !errors.Is(err, ErrRateLimited) {
			res.Outcome = OutcomeFailed
			x.logger.Warn("executor: operation failed",
				"op", p.Op, "group", p.GroupID, "target", p.Target,
				"attempt", res.Attempts, "error", err)
			return res
		}

		res.Outcome = OutcomeRateLimited
		if p.Retry >= 1 {
			x.logger.Warn("executor: still rate limited after retry, giving up",
				"op", p.Op, "group", p.GroupID, "target", p.Target)
			return res
		}

		x.logger.Info("executor: rate limited, retrying",
			"op", p.Op, "group", p.GroupID, "target", p.Target, "delay", x.retryDelay)
		if err := x.sleep(ctx, x.retryDelay); err != nil {
			res.Err = fmt.Errorf("%w: retry cancelled: %w", ErrRateLimited, err)
			return res
		}
		p.Retry++
	}
}

func (x *Executor) call(ctx context.Context, p Pending) error {
	do := func() error {
		return x.gw.UpdateParticipants(ctx, p.GroupID, []string{p.Target}, p.Op)
	}
	if x.breaker == nil {
		return do()
	}
	_, err := x.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, do()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
