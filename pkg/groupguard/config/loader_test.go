package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("GG_SET", "value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"braced", "a: ${GG_SET}", "a: value"},
		{"bare", "a: $GG_SET", "a: value"},
		{"default used", "a: ${GG_UNSET:-fallback}", "a: fallback"},
		{"default ignored", "a: ${GG_SET:-fallback}", "a: value"},
		{"unset kept", "a: ${GG_UNSET}", "a: ${GG_UNSET}"},
		{"empty default", "a: ${GG_UNSET:-}", "a: "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := expandEnvVars(tt.input)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}

	t.Run("required missing", func(t *testing.T) {
		_, err := expandEnvVars("a: ${GG_REQUIRED:?set the operator number}")
		var missing *MissingEnvError
		if !errors.As(err, &missing) {
			t.Fatalf("expected MissingEnvError, got %v", err)
		}
		if missing.Var != "GG_REQUIRED" || missing.Message != "set the operator number" {
			t.Errorf("unexpected error fields %+v", missing)
		}
	})

	t.Run("required present", func(t *testing.T) {
		got, err := expandEnvVars("a: ${GG_SET:?missing}")
		if err != nil || got != "a: value" {
			t.Errorf("got %q, %v", got, err)
		}
	})
}

func TestParse(t *testing.T) {
	t.Setenv("GG_OPERATOR", "5511900000001")

	cfg, err := Parse([]byte(`
name: test-bot
logging:
  level: debug
  format: json
whatsapp:
  reconnect_backoff: 2s
  max_reconnect_attempts: 3
governance:
  retry_delay: 5s
  purge:
    enabled: true
    command: DISTRUCT__RD
    authorized:
      - ${GG_OPERATOR}
      - 5511900000002@s.whatsapp.net
server:
  address: ":9090"
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Name != "test-bot" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected top-level values %+v", cfg)
	}
	if cfg.WhatsApp.ReconnectBackoff != 2*time.Second || cfg.WhatsApp.MaxReconnectAttempts != 3 {
		t.Errorf("unexpected whatsapp config %+v", cfg.WhatsApp)
	}
	if cfg.Governance.RetryDelay != 5*time.Second {
		t.Errorf("expected retry delay 5s, got %v", cfg.Governance.RetryDelay)
	}
	if cfg.Governance.PurgeDelay != time.Second {
		t.Errorf("unset purge delay should keep default, got %v", cfg.Governance.PurgeDelay)
	}
	if cfg.Governance.Purge.Command != "DISTRUCT__RD" {
		t.Errorf("unexpected command %q", cfg.Governance.Purge.Command)
	}
	want := []string{"5511900000001@s.whatsapp.net", "5511900000002@s.whatsapp.net"}
	for i, id := range want {
		if cfg.Governance.Purge.Authorized[i] != id {
			t.Errorf("authorized[%d] = %q, want %q", i, cfg.Governance.Purge.Authorized[i], id)
		}
	}
	if !cfg.Audit.Enabled || cfg.Audit.RetentionDays != 30 {
		t.Errorf("audit defaults lost: %+v", cfg.Audit)
	}
	if !cfg.WhatsApp.HealthMonitor.Enabled {
		t.Error("health monitor default lost")
	}
	if cfg.Server.Address != ":9090" || !cfg.Server.Enabled {
		t.Errorf("unexpected server config %+v", cfg.Server)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad yaml", "name: [unclosed"},
		{"bad level", "logging:\n  level: loud"},
		{"purge without operators", "governance:\n  purge:\n    enabled: true"},
		{"negative attempts", "whatsapp:\n  max_reconnect_attempts: -1"},
		{"missing required env", "name: ${GG_NOT_SET_ANYWHERE:?required}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Run("resolves relative paths", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		data := "whatsapp:\n  session_dir: ./auth\naudit:\n  path: data/audit.db\n"
		if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
			t.Fatal(err)
		}

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.WhatsApp.SessionDir != filepath.Join(dir, "auth") {
			t.Errorf("session dir not resolved: %q", cfg.WhatsApp.SessionDir)
		}
		if cfg.Audit.Path != filepath.Join(dir, "data", "audit.db") {
			t.Errorf("audit path not resolved: %q", cfg.Audit.Path)
		}
	})

	t.Run("missing file falls back to defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Governance.Purge.Command != "!purge" {
			t.Errorf("expected default command, got %q", cfg.Governance.Purge.Command)
		}
	})
}

func TestResolvePathFromConfig(t *testing.T) {
	if got := resolvePathFromConfig("", "/etc/gg"); got != "" {
		t.Errorf("empty path: got %q", got)
	}
	if got := resolvePathFromConfig("/var/lib/gg.db", "/etc/gg"); got != "/var/lib/gg.db" {
		t.Errorf("absolute path: got %q", got)
	}
	if got := resolvePathFromConfig("gg.db", "/etc/gg"); got != "/etc/gg/gg.db" {
		t.Errorf("relative path: got %q", got)
	}
}

func TestNormalizeIdentity(t *testing.T) {
	tests := map[string]string{
		"5511900000001":                "5511900000001@s.whatsapp.net",
		"+55 11 90000-0001":            "5511900000001@s.whatsapp.net",
		"5511900000001@s.whatsapp.net": "5511900000001@s.whatsapp.net",
		"":                             "",
	}
	for in, want := range tests {
		if got := normalizeIdentity(in); got != want {
			t.Errorf("normalizeIdentity(%q) = %q, want %q", in, got, want)
		}
	}
}
