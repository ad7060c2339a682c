// Package config loads the broker's TOML settings file and the one
// environment-variable input the spec names: the log level.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

// Provider is one configured OIDC discovery endpoint.
type Provider struct {
	URL string `toml:"url"`
}

// OxideSettings configures the Oxide Minter.
type OxideSettings struct {
	AllowTokensWithoutExpiry bool              `toml:"allow_tokens_without_expiry"`
	MaxDuration              uint32            `toml:"max_duration"`
	Silos                    map[string]string `toml:"silos"` // silo host -> path to bearer token file
}

// GitHubSettings configures the GitHub Minter. Both fields are optional;
// absence of either means GitHub minting is disabled.
type GitHubSettings struct {
	ClientID       string `toml:"client_id"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// Settings is the broker's full TOML configuration.
type Settings struct {
	Audience     string         `toml:"audience"`
	PolicyPath   string         `toml:"policy_path"`
	LogDirectory string         `toml:"log_directory"`
	Port         uint16         `toml:"port"`
	Providers    []Provider     `toml:"providers"`
	Oxide        OxideSettings  `toml:"oxide"`
	GitHub       GitHubSettings `toml:"github"`
}

// EnvSettings is the one environment-variable input this broker reads.
type EnvSettings struct {
	LogLevel string `env:"OIDC_BROKER_LOG_LEVEL" envDefault:"info"`
}

// LoadEnv parses EnvSettings from the process environment.
func LoadEnv() (*EnvSettings, error) {
	var s EnvSettings
	if err := env.Parse(&s); err != nil {
		return nil, fmt.Errorf("failed to parse environment settings: %w", err)
	}
	return &s, nil
}

// Load reads and decodes the TOML settings file at path, applying defaults
// and validating the required fields.
func Load(path string) (*Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}

	settings := &Settings{Port: 8080}
	if err := toml.Unmarshal(raw, settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}

	if err := settings.validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

func (s *Settings) validate() error {
	if s.Audience == "" {
		return fmt.Errorf("settings: audience is required")
	}
	if s.PolicyPath == "" {
		return fmt.Errorf("settings: policy_path is required")
	}
	if len(s.Providers) == 0 {
		return fmt.Errorf("settings: at least one provider is required")
	}
	for _, p := range s.Providers {
		if p.URL == "" {
			return fmt.Errorf("settings: provider with empty url")
		}
	}
	return nil
}
