package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jholhewres/groupguard/pkg/groupguard/audit"
	"github.com/jholhewres/groupguard/pkg/groupguard/channels/whatsapp"
	"github.com/jholhewres/groupguard/pkg/groupguard/governance"
	"github.com/jholhewres/groupguard/pkg/groupguard/metrics"
	"github.com/jholhewres/groupguard/pkg/groupguard/server"
	"github.com/spf13/cobra"
)

// newServeCmd creates the `groupguard serve` command that runs the bot.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to WhatsApp and enforce group governance",
		Long: `Connect to WhatsApp (scanning a QR code on first run) and watch every
group the linked account belongs to. Membership changes made by anyone
other than the group owner are reverted.

The process exits when the session is logged out from the phone; delete
the session database and run serve again to link a new device.

Examples:
  groupguard serve
  groupguard serve --config ./config.yaml --verbose`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := newLogger(cmd, cfg.Logging).With("instance", cfg.Name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Governance core ──
	wa := whatsapp.New(cfg.WhatsApp, logger)
	registry := governance.NewRegistry(wa)
	enforcer := governance.NewEnforcer(cfg.Governance, wa, registry, logger)
	dispatcher := governance.NewDispatcher(enforcer, logger)
	gate := governance.NewCommandGate(cfg.Governance.Purge)

	// ── Observers ──
	m := metrics.New(registry.Len)
	enforcer.AddObserver(m)
	enforcer.AddObserver(governance.ReportObserverFunc(func(_ context.Context, r *governance.Report) {
		logReport(logger, r)
	}))

	var store *audit.Store
	if cfg.Audit.Enabled {
		store, err = audit.Open(cfg.Audit, logger)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer store.Close()
		enforcer.AddObserver(store)
		if err := store.StartRetention(); err != nil {
			return err
		}
	}

	// ── Session hooks ──
	wa.SetHooks(whatsapp.Hooks{
		OnMembershipChange: func(evt governance.MembershipChange) {
			// Runs on the whatsmeow event goroutine, so never wait for room.
			if err := dispatcher.TrySubmit(evt); err != nil {
				logger.Warn("dropping membership event", "group", evt.GroupID,
					"action", evt.Action, "author", evt.Author, "error", err)
			}
		},
		OnJoinedGroup: func(groupID, owner string) {
			registry.Record(groupID, owner)
		},
		OnGroupText: func(msg whatsapp.GroupText) {
			if !gate.IsCommand(msg.Text) {
				return
			}
			if !gate.Allowed(msg.Sender, true) {
				logger.Warn("purge command from unauthorized sender, ignoring",
					"group", msg.GroupID, "sender", msg.Sender)
				return
			}
			logger.Info("purge command received", "group", msg.GroupID, "sender", msg.Sender)
			submitCtx, cancelSubmit := context.WithTimeout(ctx, time.Second)
			defer cancelSubmit()
			err := dispatcher.SubmitPurge(submitCtx, msg.GroupID, msg.Sender, func(r *governance.Report) {
				if err := wa.SendText(ctx, msg.Sender, purgeSummary(r)); err != nil {
					logger.Warn("failed to send purge summary", "to", msg.Sender, "error", err)
				}
			})
			if err != nil {
				logger.Warn("dropping purge command", "group", msg.GroupID, "error", err)
			}
		},
	})
	wa.AddConnectionObserver(connectionLogger{logger})

	// ── HTTP ──
	var srv *server.Server
	if cfg.Server.Enabled {
		deps := server.Deps{Health: wa, Metrics: m.Handler()}
		if store != nil {
			deps.Reports = store
		}
		srv = server.New(cfg.Server, deps, logger)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting HTTP server: %w", err)
		}
	}

	// ── Connect ──
	if err := wa.Connect(ctx); err != nil {
		if srv != nil {
			srv.Stop(context.Background())
		}
		return fmt.Errorf("connecting to WhatsApp: %w", err)
	}

	logger.Info("GroupGuard running. Press Ctrl+C to stop.",
		"purge_command", cfg.Governance.Purge.Enabled)

	// ── Wait for shutdown ──
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var haltErr error
	select {
	case <-sigChan:
		logger.Info("shutdown signal received, stopping...")
	case <-wa.Halted():
		haltErr = wa.Err()
		logger.Error("session halted, stopping...", "error", haltErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Drain while the session is still up so queued compensations
		// can reach WhatsApp.
		if err := dispatcher.Close(shutdownCtx); err != nil {
			logger.Warn("dispatcher did not drain", "error", err)
		}
		_ = wa.Disconnect()
		if srv != nil {
			_ = srv.Stop(shutdownCtx)
		}
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	if haltErr != nil {
		return fmt.Errorf("session halted: %w", haltErr)
	}
	return nil
}

// logReport writes one line per handled event.
func logReport(logger *slog.Logger, r *governance.Report) {
	attrs := []any{
		"report", r.ID,
		"kind", r.Kind,
		"group", r.GroupID,
		"verdict", r.Verdict,
		"ops", len(r.Ops),
		"failed", r.Failed(),
		"duration", r.Duration(),
	}
	if r.Action != "" {
		attrs = append(attrs, "action", r.Action, "author", r.Author)
	}
	switch {
	case r.Err != nil && !errors.Is(r.Err, governance.ErrInvalidEvent):
		logger.Warn("report", append(attrs, "error", r.Err)...)
	case r.Verdict == governance.VerdictIgnored:
		logger.Debug("report", attrs...)
	default:
		logger.Info("report", attrs...)
	}
}

// purgeSummary is the private reply sent to whoever issued the command.
func purgeSummary(r *governance.Report) string {
	if r.Err != nil && len(r.Ops) == 0 {
		return fmt.Sprintf("Purge of %s was not run: %v", r.GroupID, r.Err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Purge of %s finished: %d removed", r.GroupID, r.Succeeded())
	if n := r.Failed(); n > 0 {
		fmt.Fprintf(&b, ", %d failed", n)
	}
	fmt.Fprintf(&b, " (%s).", r.Duration().Round(time.Second))
	if r.Err != nil {
		fmt.Fprintf(&b, " Interrupted: %v", r.Err)
	}
	return b.String()
}

// connectionLogger logs session state transitions.
type connectionLogger struct{ logger *slog.Logger }

func (c connectionLogger) OnConnectionChange(evt whatsapp.ConnectionEvent) {
	c.logger.Info("whatsapp state changed",
		"state", evt.State, "previous", evt.Previous, "reason", evt.Reason)
}
