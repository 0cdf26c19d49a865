// Package config – loader.go reads the YAML file, loads .env files and
// expands environment variable references before parsing.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable references:
//   - ${VAR}          - keep placeholder if unset
//   - ${VAR:-default} - default value if unset
//   - ${VAR:?message} - error if unset
//   - $VAR            - bare uppercase variable
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// MissingEnvError reports a ${VAR:?message} reference whose variable is unset.
type MissingEnvError struct {
	Var     string
	Message string
}

func (e *MissingEnvError) Error() string {
	return fmt.Sprintf("config error: %s - %s", e.Var, e.Message)
}

// Load reads the config at path. An empty path searches the standard
// locations; when no file exists the defaults are returned.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	if path == "" {
		path = FindConfigFile()
	}
	if path == "" {
		cfg := DefaultConfig()
		return cfg, finalize(cfg)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			slog.Warn("config file not found, using defaults", "path", path)
			cfg := DefaultConfig()
			return cfg, finalize(cfg)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	resolveRelativePaths(cfg, path)
	return cfg, nil
}

// Parse expands environment references in data and overlays it on the
// defaults.
func Parse(data []byte) (*Config, error) {
	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := finalize(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func finalize(cfg *Config) error {
	for i, id := range cfg.Governance.Purge.Authorized {
		cfg.Governance.Purge.Authorized[i] = normalizeIdentity(id)
	}
	return cfg.Validate()
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"groupguard.yaml",
		"groupguard.yml",
		"configs/config.yaml",
		"configs/groupguard.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadEnvFiles loads .env files without overriding variables already set.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces environment references in input. The first
// ${VAR:?message} whose variable is unset aborts with a MissingEnvError.
func expandEnvVars(input string) (string, error) {
	var missing *MissingEnvError
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		m := envVarPattern.FindStringSubmatch(match)
		name, modifier, value, bare := m[1], m[2], m[3], m[4]

		if bare != "" {
			if v, ok := os.LookupEnv(bare); ok {
				return v
			}
			return match
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if missing == nil {
				if value == "" {
					value = "required environment variable not set"
				}
				missing = &MissingEnvError{Var: name, Message: value}
			}
		}
		return match
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}

// resolveRelativePaths makes file paths relative to the config file's
// directory so the bot can be started from anywhere.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	cfg.WhatsApp.SessionDir = resolvePathFromConfig(cfg.WhatsApp.SessionDir, dir)
	cfg.WhatsApp.DatabasePath = resolvePathFromConfig(cfg.WhatsApp.DatabasePath, dir)
	cfg.Audit.Path = resolvePathFromConfig(cfg.Audit.Path, dir)
}

// resolvePathFromConfig expands ~ and resolves relative paths against
// configDir.
func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}
