// Package whatsapp implements the groupguard session gateway on top of
// whatsmeow, a native Go WhatsApp Web API library.
//
// Features:
//   - QR code login with persistent session (SQLite)
//   - Explicit reconnect loop with bounded, linear backoff
//   - Halt on logout (session must be re-linked by the operator)
//   - Translation of group participant notifications into
//     governance.MembershipChange events
//   - Group metadata queries and participant add/remove for enforcement
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/groupguard/pkg/groupguard/channels"
	"github.com/jholhewres/groupguard/pkg/groupguard/governance"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
	"golang.org/x/term"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for session store.
)

// Config holds WhatsApp session configuration.
type Config struct {
	// SessionDir is the directory for session persistence (SQLite).
	// Ignored if DatabasePath is set.
	SessionDir string `yaml:"session_dir"`

	// DatabasePath is the SQLite file holding the whatsmeow session tables.
	// If empty, defaults to {SessionDir}/whatsapp.db.
	DatabasePath string `yaml:"database_path"`

	// DeviceName is shown in the WhatsApp linked devices list.
	DeviceName string `yaml:"device_name"`

	// ReconnectBackoff is the backoff step between reconnection attempts.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectAttempts bounds the reconnect loop (0 = unlimited).
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`

	// CallTimeout bounds each gateway call (metadata, participant update).
	CallTimeout time.Duration `yaml:"call_timeout"`

	// HealthMonitor configures proactive connection health monitoring.
	HealthMonitor HealthMonitorConfig `yaml:"health_monitor"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionDir:           "./auth",
		DeviceName:           "GroupGuard",
		ReconnectBackoff:     5 * time.Second,
		MaxReconnectAttempts: 10,
		CallTimeout:          30 * time.Second,
		HealthMonitor:        DefaultHealthMonitorConfig(),
	}
}

// Hooks receive translated session events. Nil hooks are skipped.
type Hooks struct {
	// OnMembershipChange receives every group membership change.
	OnMembershipChange func(evt governance.MembershipChange)

	// OnJoinedGroup fires when the bot is added to (or creates) a group.
	OnJoinedGroup func(groupID, owner string)

	// OnGroupText receives text messages posted in groups.
	OnGroupText func(msg GroupText)
}

// GroupText is a text message posted in a group.
type GroupText struct {
	ID      string
	GroupID string
	Sender  string
	Text    string
}

// WhatsApp is the whatsmeow-backed session. It implements
// channels.Channel and governance.Gateway.
type WhatsApp struct {
	cfg    Config
	client *whatsmeow.Client
	logger *slog.Logger
	hooks  Hooks

	// qrOut receives the rendered QR code.
	qrOut io.Writer

	connected         atomic.Bool
	state             atomic.Value // ConnectionState
	lastMsg           atomic.Value // time.Time
	errorCount        atomic.Int64
	reconnectAttempts atomic.Int32
	reconnectGuard    atomic.Bool

	connObservers   []ConnectionObserver
	connObserversMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	halted   chan struct{}
	haltOnce sync.Once
	haltErr  error
}

var (
	_ channels.Channel   = (*WhatsApp)(nil)
	_ governance.Gateway = (*WhatsApp)(nil)
)

// New creates a new WhatsApp session.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}

	d := DefaultConfig()
	if cfg.ReconnectBackoff == 0 {
		cfg.ReconnectBackoff = d.ReconnectBackoff
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = d.CallTimeout
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = d.DeviceName
	}
	if cfg.SessionDir == "" && cfg.DatabasePath == "" {
		cfg.SessionDir = d.SessionDir
	}

	w := &WhatsApp{
		cfg:    cfg,
		logger: logger.With("component", "whatsapp"),
		qrOut:  os.Stdout,
		ctx:    context.Background(),
		halted: make(chan struct{}),
	}
	w.setState(StateDisconnected)
	return w
}

// SetHooks installs the event hooks. Call before Connect.
func (w *WhatsApp) SetHooks(h Hooks) {
	w.hooks = h
}

// ---------- State Management ----------

func (w *WhatsApp) getState() ConnectionState {
	if v := w.state.Load(); v != nil {
		return v.(ConnectionState)
	}
	return StateDisconnected
}

func (w *WhatsApp) setState(state ConnectionState) {
	w.state.Store(state)
}

// GetState returns the current connection state.
func (w *WhatsApp) GetState() ConnectionState {
	return w.getState()
}

// ---------- Connection Observer ----------

// AddConnectionObserver registers a connection observer.
func (w *WhatsApp) AddConnectionObserver(obs ConnectionObserver) {
	w.connObserversMu.Lock()
	defer w.connObserversMu.Unlock()
	w.connObservers = append(w.connObservers, obs)
}

func (w *WhatsApp) notifyConnectionChange(evt ConnectionEvent) {
	w.connObserversMu.Lock()
	observers := make([]ConnectionObserver, len(w.connObservers))
	copy(observers, w.connObservers)
	w.connObserversMu.Unlock()

	for _, obs := range observers {
		go func(o ConnectionObserver) {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Warn("whatsapp: connection observer panic", "error", r)
				}
			}()
			o.OnConnectionChange(evt)
		}(obs)
	}
}

// ---------- Channel Interface ----------

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// Connect opens the session store and connects. Without a stored session
// the QR login runs in the background and Connect returns immediately.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.setState(StateConnecting)
	w.logger.Info("whatsapp: initializing connection...")

	dbPath := w.cfg.DatabasePath
	if dbPath == "" {
		if err := os.MkdirAll(w.cfg.SessionDir, 0o700); err != nil {
			w.setState(StateDisconnected)
			return fmt.Errorf("creating session dir: %w", err)
		}
		dbPath = w.cfg.SessionDir + "/whatsapp.db"
	}
	w.logger.Info("whatsapp: using session database", "path", dbPath)

	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", dbPath),
		waLog.Noop)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := w.getDevice(w.ctx, container)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo(w.cfg.DeviceName, [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)

	// Reconnection is driven by attemptReconnect so it stays bounded and
	// observable; whatsmeow's own loop would race with it.
	w.client.EnableAutoReconnect = false

	if w.client.Store.ID == nil {
		w.setState(StateWaitingQR)
		w.logger.Info("whatsapp: no existing session, QR code required")
		go func() {
			if err := w.loginWithQR(w.ctx); err != nil {
				w.logger.Warn("whatsapp: QR login failed", "error", err)
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("connecting: %w", err)
	}

	w.logger.Info("whatsapp: connecting with existing session", "jid", w.SelfID())
	w.StartHealthMonitor(w.ctx, w.cfg.HealthMonitor)
	return nil
}

// Disconnect gracefully closes the WhatsApp connection.
func (w *WhatsApp) Disconnect() error {
	previous := w.getState()
	w.setState(StateDisconnected)
	w.connected.Store(false)

	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}

	w.logger.Info("whatsapp: disconnected")

	w.notifyConnectionChange(ConnectionEvent{
		State:     StateDisconnected,
		Previous:  previous,
		Timestamp: time.Now(),
		Reason:    "user_request",
	})
	return nil
}

// IsConnected returns true if WhatsApp is connected.
func (w *WhatsApp) IsConnected() bool {
	return w.connected.Load()
}

// Halted is closed once the session stopped for good.
func (w *WhatsApp) Halted() <-chan struct{} {
	return w.halted
}

// Err returns why the session halted, or nil while it is running.
func (w *WhatsApp) Err() error {
	select {
	case <-w.halted:
		return w.haltErr
	default:
		return nil
	}
}

func (w *WhatsApp) halt(err error) {
	w.haltOnce.Do(func() {
		w.haltErr = err
		close(w.halted)
	})
}

// Health returns the WhatsApp channel health status.
func (w *WhatsApp) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  w.connected.Load(),
		State:      string(w.getState()),
		ErrorCount: int(w.errorCount.Load()),
		Details:    make(map[string]any),
	}
	if t, ok := w.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	if jid := w.SelfID(); jid != "" {
		h.Details["jid"] = jid
	}
	h.Details["reconnect_attempts"] = w.reconnectAttempts.Load()
	return h
}

// attemptReconnect reconnects in a loop with linear backoff capped at five
// minutes. It gives up after MaxReconnectAttempts and halts the session.
func (w *WhatsApp) attemptReconnect() {
	if !w.reconnectGuard.CompareAndSwap(false, true) {
		w.logger.Debug("whatsapp: reconnect already in progress, skipping")
		return
	}
	defer w.reconnectGuard.Store(false)

	previous := w.getState()
	w.setState(StateReconnecting)

	for {
		if w.ctx.Err() != nil {
			w.logger.Debug("whatsapp: reconnect cancelled, context done")
			return
		}

		attempts := w.reconnectAttempts.Add(1)
		if w.cfg.MaxReconnectAttempts > 0 && attempts > int32(w.cfg.MaxReconnectAttempts) {
			w.logger.Error("whatsapp: max reconnect attempts reached", "attempts", attempts-1)
			w.setState(StateDisconnected)
			w.notifyConnectionChange(ConnectionEvent{
				State:     StateDisconnected,
				Timestamp: time.Now(),
				Reason:    "max_reconnect_attempts",
				Details:   map[string]any{"attempts": attempts - 1},
			})
			w.halt(channels.ErrReconnectExhausted)
			return
		}

		backoff := reconnectBackoff(w.cfg.ReconnectBackoff, attempts)
		w.logger.Info("whatsapp: attempting reconnect", "attempt", attempts, "backoff", backoff)

		w.notifyConnectionChange(ConnectionEvent{
			State:     StateReconnecting,
			Previous:  previous,
			Timestamp: time.Now(),
			Reason:    "connection_lost",
			Details: map[string]any{
				"attempt":     attempts,
				"backoff_sec": backoff.Seconds(),
			},
		})

		select {
		case <-time.After(backoff):
		case <-w.ctx.Done():
			w.logger.Debug("whatsapp: reconnect cancelled during backoff")
			return
		}

		if w.client == nil {
			w.logger.Warn("whatsapp: client is nil, cannot reconnect")
			return
		}

		// Clear stale websocket state first ("websocket is already connected").
		if w.client.IsConnected() {
			w.client.Disconnect()
			time.Sleep(100 * time.Millisecond)
		}

		if err := w.client.Connect(); err != nil {
			w.logger.Warn("whatsapp: reconnect attempt failed, will retry",
				"attempt", attempts, "error", err)
			continue
		}

		// The Connected event flips the state.
		w.logger.Info("whatsapp: reconnect initiated, waiting for confirmation")
		return
	}
}

// reconnectBackoff grows linearly with the attempt number, capped at 5m.
func reconnectBackoff(step time.Duration, attempt int32) time.Duration {
	return min(step*time.Duration(attempt), 5*time.Minute)
}

// getDevice retrieves an existing device or creates a new one.
func (w *WhatsApp) getDevice(ctx context.Context, container *sqlstore.Container) (*store.Device, error) {
	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return container.NewDevice(), nil
}

// loginWithQR runs the QR pairing flow. Codes are drawn on the terminal
// when stdout is a TTY and logged verbatim otherwise.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	w.setState(StateWaitingQR)

	for {
		select {
		case <-ctx.Done():
			w.setState(StateDisconnected)
			return ctx.Err()

		case evt, ok := <-qrChan:
			if !ok {
				return errors.New("QR channel closed unexpectedly")
			}

			switch evt.Event {
			case "code":
				w.showQR(evt.Code)

			case "success":
				w.logger.Info("whatsapp: login successful")
				w.StartHealthMonitor(w.ctx, w.cfg.HealthMonitor)
				return nil

			case "timeout":
				w.setState(StateDisconnected)
				w.logger.Warn("whatsapp: QR code expired, restart to try again")
				return errors.New("QR code timeout")

			default:
				if evt.Error != nil {
					w.setState(StateDisconnected)
					w.logger.Error("whatsapp: QR login error", "error", evt.Error)
					return fmt.Errorf("QR login error: %w", evt.Error)
				}
			}
		}
	}
}

func (w *WhatsApp) showQR(code string) {
	if f, ok := w.qrOut.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		w.logger.Info("whatsapp: scan the QR code below with WhatsApp > Linked devices")
		qrterminal.GenerateHalfBlock(code, qrterminal.L, w.qrOut)
		return
	}
	w.logger.Info("whatsapp: QR code ready", "code", code)
}
