// Package governance implements the group-governance enforcement engine.
//
// Only a group's creator (owner) may change its membership or admin
// structure. The Enforcer observes membership-change events, applies the
// authorization policy and issues compensating operations through a Gateway:
//   - promote/demote by anyone else: the acting identity is removed
//   - remove by anyone else: every removed member is re-added, then the
//     acting identity is removed
//   - add: no compensating action
//
// Every compensating operation produces a typed OpResult, collected into a
// Report so callers can assert on outcomes instead of log text.
package governance

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// Action is the kind of membership mutation carried by an event.
type Action string

const (
	ActionPromote Action = "promote"
	ActionDemote  Action = "demote"
	ActionRemove  Action = "remove"
	ActionAdd     Action = "add"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionPromote, ActionDemote, ActionRemove, ActionAdd:
		return true
	}
	return false
}

// Op is a participant mutation issued against the gateway.
type Op string

const (
	OpAdd    Op = "add"
	OpRemove Op = "remove"
)

// Participant is a group member and its admin flag.
type Participant struct {
	ID      string
	IsAdmin bool
}

// Group is a snapshot of group metadata as returned by the gateway.
type Group struct {
	ID           string
	Owner        string
	Participants []Participant
}

// HasParticipant reports whether id is a member of the group. The owner is
// always treated as a participant.
func (g *Group) HasParticipant(id string) bool {
	if id == "" {
		return false
	}
	if id == g.Owner {
		return true
	}
	return slices.ContainsFunc(g.Participants, func(p Participant) bool { return p.ID == id })
}

// IsAdmin reports whether id is marked as an admin participant.
func (g *Group) IsAdmin(id string) bool {
	return slices.ContainsFunc(g.Participants, func(p Participant) bool {
		return p.ID == id && p.IsAdmin
	})
}

// MembershipChange is a membership mutation observed on a group.
type MembershipChange struct {
	GroupID      string
	Action       Action
	Participants []string
	Author       string
}

// Validate checks the event invariants: a known action, a group, an author
// and at least one affected participant.
func (e MembershipChange) Validate() error {
	switch {
	case e.GroupID == "":
		return fmt.Errorf("%w: missing group id", ErrInvalidEvent)
	case !e.Action.Valid():
		return fmt.Errorf("%w: unknown action %q", ErrInvalidEvent, e.Action)
	case e.Author == "":
		return fmt.Errorf("%w: missing author", ErrInvalidEvent)
	case len(e.Participants) == 0:
		return fmt.Errorf("%w: no affected participants", ErrInvalidEvent)
	}
	return nil
}

// Gateway is what the governance engine needs from the messaging session.
type Gateway interface {
	// GroupMetadata fetches the current owner and participants of a group.
	GroupMetadata(ctx context.Context, groupID string) (*Group, error)

	// UpdateParticipants adds or removes ids from a group. Throttled calls
	// must return an error matching ErrRateLimited.
	UpdateParticipants(ctx context.Context, groupID string, ids []string, op Op) error

	// SelfID returns the bot's own identity.
	SelfID() string
}

// ReportObserver receives every finished report.
type ReportObserver interface {
	OnReport(ctx context.Context, r *Report)
}

// ReportObserverFunc adapts a function to ReportObserver.
type ReportObserverFunc func(ctx context.Context, r *Report)

func (f ReportObserverFunc) OnReport(ctx context.Context, r *Report) { f(ctx, r) }

// Config tunes the enforcement engine.
type Config struct {
	// RetryDelay is the fixed wait before the single retry of a rate-limited call.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// PurgeDelay is the fixed wait before each removal of a purge.
	PurgeDelay time.Duration `yaml:"purge_delay"`

	// Breaker configures the circuit breaker around gateway mutations.
	Breaker BreakerConfig `yaml:"breaker"`

	// Purge configures the mass-removal command.
	Purge PurgeConfig `yaml:"purge"`

	// QueueSize is the per-group event buffer of the dispatcher.
	QueueSize int `yaml:"queue_size"`

	// WorkerIdle is how long a per-group worker lingers without events.
	WorkerIdle time.Duration `yaml:"worker_idle"`
}

// BreakerConfig configures the gateway circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the breaker.
	// 0 disables the breaker.
	MaxFailures int `yaml:"max_failures"`

	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// PurgeConfig configures the privileged mass-removal command.
type PurgeConfig struct {
	Enabled bool `yaml:"enabled"`

	// Command is the exact message text that triggers a purge.
	Command string `yaml:"command"`

	// Authorized lists the identities allowed to issue the command.
	Authorized []string `yaml:"authorized"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RetryDelay: 3 * time.Second,
		PurgeDelay: time.Second,
		Breaker: BreakerConfig{
			MaxFailures: 5,
			OpenTimeout: 30 * time.Second,
		},
		Purge: PurgeConfig{
			Command: "!purge",
		},
		QueueSize:  64,
		WorkerIdle: 5 * time.Minute,
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.PurgeDelay <= 0 {
		c.PurgeDelay = d.PurgeDelay
	}
	if c.Breaker.OpenTimeout <= 0 {
		c.Breaker.OpenTimeout = d.Breaker.OpenTimeout
	}
	if c.Purge.Command == "" {
		c.Purge.Command = d.Purge.Command
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.WorkerIdle <= 0 {
		c.WorkerIdle = d.WorkerIdle
	}
	return c
}
