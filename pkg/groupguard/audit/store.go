// Package audit persists enforcement reports to SQLite so operators can see
// what the bot corrected and why. A cron job prunes old rows.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jholhewres/groupguard/pkg/groupguard/governance"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
	"github.com/robfig/cron/v3"
)

// Config holds audit log settings.
type Config struct {
	// Enabled turns on report persistence.
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite file. Default: ./data/groupguard.db
	Path string `yaml:"path"`

	// RetentionDays is how long reports are kept (0 = forever). Default: 30
	RetentionDays int `yaml:"retention_days"`

	// PruneSchedule is the cron expression for the retention job.
	// Default: @every 1h
	PruneSchedule string `yaml:"prune_schedule"`
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Path:          "./data/groupguard.db",
		RetentionDays: 30,
		PruneSchedule: "@every 1h",
	}
}

// schema is executed on every open (idempotent via IF NOT EXISTS).
const schema = `
CREATE TABLE IF NOT EXISTS enforcement_reports (
    id          TEXT PRIMARY KEY,
    kind        TEXT NOT NULL,
    group_id    TEXT NOT NULL,
    action      TEXT DEFAULT '',
    author      TEXT DEFAULT '',
    owner       TEXT DEFAULT '',
    verdict     TEXT NOT NULL,
    error       TEXT DEFAULT '',
    started_at  INTEGER NOT NULL,
    finished_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_enforcement_reports_group ON enforcement_reports(group_id, started_at);
CREATE INDEX IF NOT EXISTS idx_enforcement_reports_started ON enforcement_reports(started_at);

CREATE TABLE IF NOT EXISTS enforcement_ops (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    report_id TEXT NOT NULL REFERENCES enforcement_reports(id) ON DELETE CASCADE,
    seq       INTEGER NOT NULL,
    op        TEXT NOT NULL,
    target    TEXT NOT NULL,
    outcome   TEXT NOT NULL,
    attempts  INTEGER NOT NULL,
    error     TEXT DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_enforcement_ops_report ON enforcement_ops(report_id);
`

// Record is a persisted report.
type Record struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	GroupID    string     `json:"group_id"`
	Action     string     `json:"action,omitempty"`
	Author     string     `json:"author,omitempty"`
	Owner      string     `json:"owner,omitempty"`
	Verdict    string     `json:"verdict"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Ops        []OpRecord `json:"ops"`
}

// OpRecord is a persisted compensating operation.
type OpRecord struct {
	Op       string `json:"op"`
	Target   string `json:"target"`
	Outcome  string `json:"outcome"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// Store is the SQLite-backed audit log. It implements
// governance.ReportObserver.
type Store struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

var _ governance.ReportObserver = (*Store)(nil)

// Open opens (or creates) the audit database and applies the schema.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = d.Path
	}
	if cfg.PruneSchedule == "" {
		cfg.PruneSchedule = d.PruneSchedule
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", cfg.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database %q: %w", cfg.Path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}

	return &Store{
		db:     db,
		cfg:    cfg,
		logger: logger.With("component", "audit"),
	}, nil
}

// OnReport persists the report. Failures are logged, never propagated.
func (s *Store) OnReport(ctx context.Context, r *governance.Report) {
	if err := s.Save(context.WithoutCancel(ctx), r); err != nil {
		s.logger.Error("audit: failed to save report", "report", r.ID, "error", err)
	}
}

// Save writes a report and its operations in one transaction.
func (s *Store) Save(ctx context.Context, r *governance.Report) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO enforcement_reports
			(id, kind, group_id, action, author, owner, verdict, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Kind), r.GroupID, string(r.Action), r.Author, r.Owner,
		string(r.Verdict), errString(r.Err), r.StartedAt.UnixNano(), r.FinishedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}

	for i, op := range r.Ops {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO enforcement_ops (report_id, seq, op, target, outcome, attempts, error)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, i, string(op.Op), op.Target, string(op.Outcome), op.Attempts, errString(op.Err))
		if err != nil {
			return fmt.Errorf("insert op: %w", err)
		}
	}
	return tx.Commit()
}

// Recent returns up to limit reports, newest first. An empty groupID
// matches every group.
func (s *Store) Recent(ctx context.Context, groupID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, kind, group_id, action, author, owner, verdict, error, started_at, finished_at
		FROM enforcement_reports`
	args := []any{}
	if groupID != "" {
		query += ` WHERE group_id = ?`
		args = append(args, groupID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	var records []Record
	for rows.Next() {
		var rec Record
		var started, finished int64
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.GroupID, &rec.Action, &rec.Author,
			&rec.Owner, &rec.Verdict, &rec.Error, &started, &finished); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan report: %w", err)
		}
		rec.StartedAt = time.Unix(0, started)
		rec.FinishedAt = time.Unix(0, finished)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range records {
		ops, err := s.ops(ctx, records[i].ID)
		if err != nil {
			return nil, err
		}
		records[i].Ops = ops
	}
	return records, nil
}

func (s *Store) ops(ctx context.Context, reportID string) ([]OpRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT op, target, outcome, attempts, error
		FROM enforcement_ops WHERE report_id = ? ORDER BY seq`, reportID)
	if err != nil {
		return nil, fmt.Errorf("query ops: %w", err)
	}
	defer rows.Close()

	ops := []OpRecord{}
	for rows.Next() {
		var op OpRecord
		if err := rows.Scan(&op.Op, &op.Target, &op.Outcome, &op.Attempts, &op.Error); err != nil {
			return nil, fmt.Errorf("scan op: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Prune deletes reports that started before the cutoff and returns how
// many were removed.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	cutoff := before.UnixNano()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM enforcement_ops WHERE report_id IN
			(SELECT id FROM enforcement_reports WHERE started_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("prune ops: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM enforcement_reports WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune reports: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

// StartRetention schedules the prune job. No-op when retention is disabled.
func (s *Store) StartRetention() error {
	if s.cfg.RetentionDays <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("retention already started")
	}

	c := cron.New()
	if _, err := c.AddFunc(s.cfg.PruneSchedule, s.pruneExpired); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", s.cfg.PruneSchedule, err)
	}
	c.Start()
	s.cron = c

	s.logger.Info("audit: retention scheduled",
		"schedule", s.cfg.PruneSchedule, "retention_days", s.cfg.RetentionDays)
	return nil
}

func (s *Store) pruneExpired() {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)
	n, err := s.Prune(context.Background(), cutoff)
	if err != nil {
		s.logger.Error("audit: prune failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("audit: pruned old reports", "count", n, "before", cutoff)
	}
}

// Close stops the retention job and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	return s.db.Close()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
