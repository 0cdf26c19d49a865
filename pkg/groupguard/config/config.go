// Package config defines the groupguard configuration file and its loader.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/groupguard/pkg/groupguard/audit"
	"github.com/jholhewres/groupguard/pkg/groupguard/channels/whatsapp"
	"github.com/jholhewres/groupguard/pkg/groupguard/governance"
	"github.com/jholhewres/groupguard/pkg/groupguard/server"
)

// Config is the root configuration.
type Config struct {
	// Name identifies this instance in logs.
	Name string `yaml:"name"`

	Logging    LoggingConfig     `yaml:"logging"`
	WhatsApp   whatsapp.Config   `yaml:"whatsapp"`
	Governance governance.Config `yaml:"governance"`
	Audit      audit.Config      `yaml:"audit"`
	Server     server.Config     `yaml:"server"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Name: "groupguard",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		WhatsApp:   whatsapp.DefaultConfig(),
		Governance: governance.DefaultConfig(),
		Audit:      audit.DefaultConfig(),
		Server:     server.Config{Enabled: true},
	}
}

// Validate checks values the components cannot default on their own.
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}

	g := c.Governance
	if g.RetryDelay < 0 || g.PurgeDelay < 0 {
		errs = append(errs, errors.New("governance: delays must not be negative"))
	}
	if g.RetryDelay > time.Minute {
		errs = append(errs, fmt.Errorf("governance.retry_delay: %s is longer than a minute", g.RetryDelay))
	}
	if g.Breaker.MaxFailures < 0 {
		errs = append(errs, errors.New("governance.breaker.max_failures must not be negative"))
	}
	if g.Purge.Enabled && len(g.Purge.Authorized) == 0 {
		errs = append(errs, errors.New("governance.purge: enabled without authorized identities"))
	}

	if c.WhatsApp.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("whatsapp.max_reconnect_attempts must not be negative"))
	}
	if c.Audit.Enabled && c.Audit.RetentionDays < 0 {
		errs = append(errs, errors.New("audit.retention_days must not be negative"))
	}

	return errors.Join(errs...)
}

// normalizeIdentity turns a bare phone number into a user JID so operator
// lists can be written either way.
func normalizeIdentity(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.Contains(id, "@") {
		return id
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, id)
	return digits + "@s.whatsapp.net"
}
