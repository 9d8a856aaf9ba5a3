// Package config loads the server's single JSONC configuration file,
// the server-wide settings document read once at startup: provider
// credentials, the model registry, listen address, and backup/audit
// settings. The project/workspace registry itself lives in configstore,
// not here.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ProviderCredential is a named API key for a model provider (Anthropic
// today; the shape allows more without a schema change).
type ProviderCredential struct {
	Provider    string `json:"provider"`
	APIKey      string `json:"apiKey"`
	Description string `json:"description,omitempty"`
}

// CredentialsSection holds every named provider credential plus which
// one is the default.
type CredentialsSection struct {
	Providers map[string]ProviderCredential `json:"providers"`
	Default   string                        `json:"default"`
}

// GetDefaultProviderCredential returns the credential named by Default.
func (c CredentialsSection) GetDefaultProviderCredential() (ProviderCredential, bool) {
	if c.Default == "" {
		return ProviderCredential{}, false
	}
	cred, ok := c.Providers[c.Default]
	return cred, ok
}

// ServerSection holds the HTTP listen address the transport binds to.
type ServerSection struct {
	Address string `json:"address"`
}

// BackupSection configures internal/backup's periodic snapshots.
type BackupSection struct {
	Enabled       bool   `json:"enabled"`
	Directory     string `json:"directory"`
	Retention     int    `json:"retention"`
	IntervalHours int    `json:"intervalHours"`
}

// AuditSection configures internal/audit's structured operation log.
type AuditSection struct {
	Enabled bool `json:"enabled"`
}

// DefaultsSection holds ambient-stack settings with sane zero-value
// defaults applied at load time.
type DefaultsSection struct {
	Backup BackupSection `json:"backup"`
	Audit  AuditSection  `json:"audit"`
}

// ModelDefinition names one model a workspace's AgentSession may be
// pointed at; the registry a caller picks a shorthand name from.
type ModelDefinition struct {
	Model           string `json:"model"`
	DisplayName     string `json:"displayName"`
	MaxOutputTokens int    `json:"maxOutputTokens"`
	Provider        string `json:"provider"`
}

// ModelsSection holds the model registry and which shorthand a new
// workspace defaults to absent an explicit SendOpts.Model.
type ModelsSection struct {
	Models       map[string]ModelDefinition `json:"models"`
	DefaultModel string                     `json:"defaultModel"`
}

// Config is the fully-loaded, defaults-applied server configuration.
type Config struct {
	Server      ServerSection       `json:"server"`
	Credentials CredentialsSection  `json:"credentials"`
	Defaults    DefaultsSection     `json:"defaults"`
	Models      ModelsSection       `json:"models"`
	ConfigDir   string              `json:"-"`
}

const configFileName = "cmux.jsonc"

// FindConfigPath locates cmux.jsonc: an explicit configDir first, then
// the current directory's ./config, then ~/.cmux/config.
func FindConfigPath(configDir string) (string, error) {
	var candidates []string
	if configDir != "" {
		candidates = append(candidates, filepath.Join(configDir, configFileName))
	}
	candidates = append(candidates, filepath.Join("config", configFileName))
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".cmux", "config", configFileName))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			if abs, err := filepath.Abs(path); err == nil {
				return abs, nil
			}
			return path, nil
		}
	}
	return "", fmt.Errorf("%s not found; tried: %v", configFileName, candidates)
}

// Load reads and parses configPath, applying defaults for any field the
// file left zero.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}

	var cfg Config
	if err := json.Unmarshal(StripJSONComments(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configPath, err)
	}
	applyDefaults(&cfg)
	cfg.ConfigDir = filepath.Dir(configPath)
	return &cfg, nil
}

// LoadAll locates and loads cmux.jsonc under configDir.
func LoadAll(configDir string) (*Config, error) {
	path, err := FindConfigPath(configDir)
	if err != nil {
		return nil, err
	}
	return Load(path)
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Credentials.Providers == nil {
		cfg.Credentials.Providers = make(map[string]ProviderCredential)
	}
	if cfg.Defaults.Backup.Directory == "" {
		cfg.Defaults.Backup.Directory = "backups"
	}
	if cfg.Defaults.Backup.Retention == 0 {
		cfg.Defaults.Backup.Retention = 7
	}
	if cfg.Defaults.Backup.IntervalHours == 0 {
		cfg.Defaults.Backup.IntervalHours = 24
	}
	if cfg.Models.Models == nil {
		cfg.Models.Models = make(map[string]ModelDefinition)
	}
}

// Validate checks that the configuration is usable for driving real
// model calls. A missing provider credential is not fatal on its own --
// workspaces simply fail at send-time -- but we surface it at startup so
// an operator notices immediately rather than after the first user
// sends a message.
func (c *Config) Validate() error {
	if _, ok := c.Credentials.GetDefaultProviderCredential(); !ok {
		return fmt.Errorf("credentials.default %q not found under credentials.providers", c.Credentials.Default)
	}
	return nil
}
