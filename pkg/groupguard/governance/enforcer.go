package governance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Enforcer turns membership-change events into compensating operations.
// It holds no per-event state; the owner mapping lives in the Registry.
type Enforcer struct {
	cfg      Config
	gw       Gateway
	registry *Registry
	exec     *Executor
	logger   *slog.Logger

	observers   []ReportObserver
	observersMu sync.Mutex
}

// NewEnforcer creates an Enforcer that resolves owners through registry and
// issues mutations through gw.
func NewEnforcer(cfg Config, gw Gateway, registry *Registry, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	if registry == nil {
		registry = NewRegistry(gw)
	}
	return &Enforcer{
		cfg:      cfg,
		gw:       gw,
		registry: registry,
		exec:     NewExecutor(gw, cfg, logger),
		logger:   logger.With("component", "governance"),
	}
}

// Registry returns the owner registry used by the enforcer.
func (e *Enforcer) Registry() *Registry { return e.registry }

// AddObserver registers an observer for finished reports.
func (e *Enforcer) AddObserver(obs ReportObserver) {
	e.observersMu.Lock()
	defer e.observersMu.Unlock()
	e.observers = append(e.observers, obs)
}

// Enforce handles a single membership-change event and returns its report.
// Failures are contained in the report; Enforce never panics on gateway errors.
func (e *Enforcer) Enforce(ctx context.Context, evt MembershipChange) *Report {
	rep := newReport(KindEnforcement, evt.GroupID)
	rep.Action = evt.Action
	rep.Author = evt.Author
	defer e.notify(ctx, rep)

	if err := evt.Validate(); err != nil {
		rep.Err = err
		e.logger.Warn("governance: dropping invalid event", "error", err)
		return rep.finish(VerdictIgnored)
	}

	// The bot's own kicks and re-adds come back as events; they are not
	// membership changes to police.
	if self := e.gw.SelfID(); self != "" && evt.Author == self {
		e.logger.Debug("governance: ignoring own action",
			"group", evt.GroupID, "action", evt.Action)
		return rep.finish(VerdictIgnored)
	}

	owner, err := e.registry.ResolveOwner(ctx, evt.GroupID)
	if err != nil {
		rep.Err = err
		e.logger.Error("governance: cannot resolve group owner, abandoning event",
			"group", evt.GroupID, "action", evt.Action, "error", err)
		return rep.finish(VerdictAbandoned)
	}
	rep.Owner = owner

	group := &Group{ID: evt.GroupID, Owner: owner}
	if IsAuthorized(group, evt.Author) {
		e.logger.Debug("governance: change made by owner",
			"group", evt.GroupID, "action", evt.Action, "participants", evt.Participants)
		return rep.finish(VerdictAuthorized)
	}

	if evt.Action == ActionAdd {
		e.logger.Info("governance: unauthorized add left in place",
			"group", evt.GroupID, "author", evt.Author, "participants", evt.Participants)
		return rep.finish(VerdictUnauthorized)
	}

	// Without admin rights every add/remove would be refused.
	if err := e.checkBotAdmin(ctx, evt.GroupID); err != nil {
		rep.Err = err
		e.logger.Warn("governance: cannot compensate", "group", evt.GroupID, "error", err)
		return rep.finish(VerdictAbandoned)
	}

	switch evt.Action {
	case ActionPromote, ActionDemote:
		e.logger.Warn("governance: unauthorized admin change, removing author",
			"group", evt.GroupID, "action", evt.Action,
			"author", evt.Author, "owner", owner, "participants", evt.Participants)

	case ActionRemove:
		e.logger.Warn("governance: unauthorized removal, restoring members and removing author",
			"group", evt.GroupID, "author", evt.Author, "owner", owner,
			"participants", evt.Participants)
		for _, p := range evt.Participants {
			res := e.exec.Execute(ctx, Pending{GroupID: evt.GroupID, Target: p, Op: OpAdd})
			rep.add(res)
			if res.OK() {
				e.logger.Info("governance: re-added member", "group", evt.GroupID, "member", p)
			}
		}
	}

	res := e.exec.Execute(ctx, Pending{GroupID: evt.GroupID, Target: evt.Author, Op: OpRemove})
	rep.add(res)
	if res.OK() {
		e.logger.Info("governance: removed author", "group", evt.GroupID, "author", evt.Author)
	}

	return rep.finish(VerdictUnauthorized)
}

func (e *Enforcer) checkBotAdmin(ctx context.Context, groupID string) error {
	g, err := e.gw.GroupMetadata(ctx, groupID)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMetadataFetch, groupID, err)
	}
	if !IsBotEligibleToAct(g, e.gw.SelfID()) {
		return fmt.Errorf("%w: %s", ErrBotNotAdmin, groupID)
	}
	return nil
}

// notify fans a report out to observers. A misbehaving observer cannot
// take the enforcer down.
func (e *Enforcer) notify(ctx context.Context, rep *Report) {
	e.observersMu.Lock()
	observers := make([]ReportObserver, len(e.observers))
	copy(observers, e.observers)
	e.observersMu.Unlock()

	for _, obs := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Warn("governance: report observer panic", "error", r)
				}
			}()
			obs.OnReport(ctx, rep)
		}()
	}
}
