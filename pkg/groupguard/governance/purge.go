package governance

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// CommandGate decides whether an incoming message is a valid purge command.
// It checks a fixed list of operator identities and is independent of the
// per-group authorization policy.
type CommandGate struct {
	cfg PurgeConfig
}

// NewCommandGate creates a gate for cfg.
func NewCommandGate(cfg PurgeConfig) *CommandGate {
	if cfg.Command == "" {
		cfg.Command = DefaultConfig().Purge.Command
	}
	return &CommandGate{cfg: cfg}
}

// IsCommand reports whether text is the purge command.
func (g *CommandGate) IsCommand(text string) bool {
	return g.cfg.Enabled && strings.TrimSpace(text) == g.cfg.Command
}

// Allowed reports whether sender may issue the purge command in chat.
func (g *CommandGate) Allowed(sender string, isGroup bool) bool {
	if !g.cfg.Enabled || !isGroup || sender == "" {
		return false
	}
	return slices.Contains(g.cfg.Authorized, sender)
}

// PurgeTargets returns every participant except the owner and the bot,
// in metadata order.
func PurgeTargets(g *Group, botID string) []string {
	keep := lo.Filter(g.Participants, func(p Participant, _ int) bool {
		return p.ID != g.Owner && p.ID != botID
	})
	return lo.Uniq(lo.Map(keep, func(p Participant, _ int) string { return p.ID }))
}

// Purge removes every member of groupID except the owner and the bot, one
// at a time with a fixed delay before each removal. A member that cannot
// be removed is logged and skipped.
func (e *Enforcer) Purge(ctx context.Context, groupID, requester string) *Report {
	rep := newReport(KindPurge, groupID)
	rep.Author = requester
	defer e.notify(ctx, rep)

	g, err := e.gw.GroupMetadata(ctx, groupID)
	if err != nil {
		rep.Err = fmt.Errorf("%w: %s: %w", ErrMetadataFetch, groupID, err)
		e.logger.Error("governance: purge aborted, metadata unavailable",
			"group", groupID, "error", err)
		return rep.finish(VerdictAbandoned)
	}
	rep.Owner = g.Owner
	e.registry.Record(groupID, g.Owner)

	bot := e.gw.SelfID()
	if !IsBotEligibleToAct(g, bot) {
		rep.Err = fmt.Errorf("%w: %s", ErrBotNotAdmin, groupID)
		e.logger.Warn("governance: purge skipped, bot is not an admin", "group", groupID)
		return rep.finish(VerdictAbandoned)
	}

	targets := PurgeTargets(g, bot)
	e.logger.Info("governance: purging group",
		"group", groupID, "requester", requester, "targets", len(targets))

	for _, target := range targets {
		if err := e.exec.sleep(ctx, e.cfg.PurgeDelay); err != nil {
			rep.Err = err
			e.logger.Warn("governance: purge interrupted", "group", groupID, "error", err)
			break
		}
		res := e.exec.Execute(ctx, Pending{GroupID: groupID, Target: target, Op: OpRemove})
		rep.add(res)
		if res.OK() {
			e.logger.Info("governance: purged member", "group", groupID, "member", target)
		}
	}

	e.logger.Info("governance: purge finished",
		"group", groupID, "removed", rep.Succeeded(), "failed", rep.Failed())
	if rep.Err != nil {
		return rep.finish(VerdictAbandoned)
	}
	return rep.finish(VerdictCompleted)
}
