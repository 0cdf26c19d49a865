package governance

import (
	"time"

	"github.com/google/uuid"
)

// Outcome is the final state of a single compensating operation.
type Outcome string

const (
	OutcomeSucceeded   Outcome = "succeeded"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeFailed      Outcome = "failed"
)

// OpResult is the typed result of one gateway mutation.
type OpResult struct {
	Op       Op
	GroupID  string
	Target   string
	Outcome  Outcome
	Attempts int
	Err      error
}

// OK reports whether the operation succeeded.
func (r OpResult) OK() bool { return r.Outcome == OutcomeSucceeded }

// Kind distinguishes reactive enforcement from the purge command.
type Kind string

const (
	KindEnforcement Kind = "enforcement"
	KindPurge       Kind = "purge"
)

// Verdict is the evaluation result of an event.
type Verdict string

const (
	// VerdictAuthorized: the owner acted, nothing to correct.
	VerdictAuthorized Verdict = "authorized"
	// VerdictUnauthorized: someone else acted, compensation was attempted.
	VerdictUnauthorized Verdict = "unauthorized"
	// VerdictIgnored: the event was invalid or an echo of the bot's own action.
	VerdictIgnored Verdict = "ignored"
	// VerdictAbandoned: enforcement could not proceed (metadata, bot rights).
	VerdictAbandoned Verdict = "abandoned"
	// VerdictCompleted: a purge ran over all of its targets.
	VerdictCompleted Verdict = "completed"
)

// Report aggregates the outcome of handling one event or one purge.
type Report struct {
	ID         string
	Kind       Kind
	GroupID    string
	Action     Action
	Author     string
	Owner      string
	Verdict    Verdict
	Ops        []OpResult
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

func newReport(kind Kind, groupID string) *Report {
	return &Report{
		ID:        uuid.NewString(),
		Kind:      kind,
		GroupID:   groupID,
		StartedAt: time.Now(),
	}
}

func (r *Report) add(res OpResult) {
	r.Ops = append(r.Ops, res)
}

func (r *Report) finish(v Verdict) *Report {
	r.Verdict = v
	r.FinishedAt = time.Now()
	return r
}

// Succeeded returns the number of successful operations.
func (r *Report) Succeeded() int {
	n := 0
	for _, op := range r.Ops {
		if op.OK() {
			n++
		}
	}
	return n
}

// Failed returns the number of operations that did not succeed.
func (r *Report) Failed() int {
	return len(r.Ops) - r.Succeeded()
}

// Calls returns the targets of every operation of the given kind, in order.
func (r *Report) Calls(op Op) []string {
	var out []string
	for _, res := range r.Ops {
		if res.Op == op {
			out = append(out, res.Target)
		}
	}
	return out
}

// Duration returns how long handling took.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
