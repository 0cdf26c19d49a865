// Package whatsapp – health.go watches the connection for silent drops
// and half-open sockets and triggers the reconnect loop when it finds one.
package whatsapp

import (
	"context"
	"time"
)

// HealthMonitorConfig configures proactive connection health monitoring.
type HealthMonitorConfig struct {
	Enabled bool `yaml:"enabled"`

	// CheckInterval is how often to perform health checks. Default: 30s
	CheckInterval time.Duration `yaml:"check_interval"`

	// MaxSilentDuration is how long the session may go without any
	// activity before it is inspected. Default: 5m
	MaxSilentDuration time.Duration `yaml:"max_silent_duration"`

	// ForceReconnectAfter forces a reconnect after this much silence even
	// when the client still reports connected. 0 disables it.
	ForceReconnectAfter time.Duration `yaml:"force_reconnect_after"`
}

// DefaultHealthMonitorConfig returns sensible defaults.
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		Enabled:             true,
		CheckInterval:       30 * time.Second,
		MaxSilentDuration:   5 * time.Minute,
		ForceReconnectAfter: 30 * time.Minute,
	}
}

// healthAction is the outcome of a single health check.
type healthAction int

const (
	healthOK healthAction = iota
	healthSilent
	healthReconnect
)

// StartHealthMonitor runs periodic health checks until ctx is cancelled.
func (w *WhatsApp) StartHealthMonitor(ctx context.Context, cfg HealthMonitorConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.MaxSilentDuration <= 0 {
		cfg.MaxSilentDuration = 5 * time.Minute
	}

	go func() {
		ticker := time.NewTicker(cfg.CheckInterval)
		defer ticker.Stop()

		w.logger.Info("whatsapp: health monitor started",
			"check_interval", cfg.CheckInterval,
			"max_silent", cfg.MaxSilentDuration,
			"force_reconnect_after", cfg.ForceReconnectAfter)

		for {
			select {
			case <-ctx.Done():
				w.logger.Info("whatsapp: health monitor stopped")
				return
			case <-ticker.C:
				w.performHealthCheck(cfg)
			}
		}
	}()
}

func (w *WhatsApp) performHealthCheck(cfg HealthMonitorConfig) {
	if w.getState() != StateConnected {
		return
	}
	silent := time.Since(w.getLastMsgTime())
	clientUp := w.client != nil && w.client.IsConnected()

	switch checkHealth(cfg, silent, clientUp) {
	case healthReconnect:
		w.logger.Warn("whatsapp: connection looks dead, reconnecting",
			"silent_duration", silent, "client_connected", clientUp)
		w.setState(StateReconnecting)
		w.connected.Store(false)
		go w.attemptReconnect()
	case healthSilent:
		w.logger.Debug("whatsapp: silent connection, client still reports connected",
			"silent_duration", silent)
	}
}

// checkHealth decides what to do about a connected session that has been
// silent for the given duration.
func checkHealth(cfg HealthMonitorConfig, silent time.Duration, clientConnected bool) healthAction {
	if silent <= cfg.MaxSilentDuration {
		return healthOK
	}
	if !clientConnected {
		return healthReconnect
	}
	if cfg.ForceReconnectAfter > 0 && silent > cfg.ForceReconnectAfter {
		return healthReconnect
	}
	return healthSilent
}

func (w *WhatsApp) getLastMsgTime() time.Time {
	if v := w.lastMsg.Load(); v != nil {
		return v.(time.Time)
	}
	return time.Time{}
}

// UpdateLastMsgTime records session activity.
func (w *WhatsApp) UpdateLastMsgTime() {
	w.lastMsg.Store(time.Now())
}
