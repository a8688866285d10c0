// Package config loads and validates the server configuration. Values come
// from built-in defaults, an optional YAML file and BANKSYNC_* environment
// variables, in that order. Validation happens eagerly so a misconfigured
// server fails at startup instead of mid-run.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/sirupsen/logrus"

	"github.com/eklund-io/banksync-server/internal/domain"
)

const envPrefix = "BANKSYNC_"

// defaultConfigFile is probed when no config path is given.
const defaultConfigFile = "banksync.yaml"

// Ledger holds the validated connection settings for the ledger server.
type Ledger struct {
	ServerURL     string
	Password      string
	SyncID        uuid.UUID
	EncryptionKey string
	CacheDir      string
	Timeout       time.Duration
}

// Settings is the validated server configuration.
type Settings struct {
	Port     int
	LogLevel string
	Ledger   Ledger
	Profiles []domain.Profile
}

// raw mirrors the configuration sources before validation. Nested keys use
// snake_case; environment overrides spell the nesting with a double
// underscore, BANKSYNC_LEDGER__SERVER_URL sets ledger.server_url.
type raw struct {
	Port     int          `koanf:"port"`
	LogLevel string       `koanf:"log_level"`
	Ledger   rawLedger    `koanf:"ledger"`
	Profiles []rawProfile `koanf:"profiles"`
}

type rawLedger struct {
	ServerURL     string        `koanf:"server_url"`
	Password      string        `koanf:"password"`
	SyncID        string        `koanf:"sync_id"`
	EncryptionKey string        `koanf:"encryption_key"`
	CacheDir      string        `koanf:"cache_dir"`
	Timeout       time.Duration `koanf:"timeout"`
}

type rawProfile struct {
	Name            string            `koanf:"name"`
	Bank            string            `koanf:"bank"`
	BankParams      map[string]string `koanf:"bank_params"`
	LedgerAccountID string            `koanf:"ledger_account_id"`
	Dedup           rawDedup          `koanf:"dedup"`
}

type rawDedup struct {
	Enabled     bool `koanf:"enabled"`
	OverlapDays int  `koanf:"overlap_days"`
}

// Load reads the configuration from defaults, the YAML file at path and the
// environment. An empty path probes for banksync.yaml in the working
// directory; a non-empty path must exist.
func Load(path string) (*Settings, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"port":             8686,
		"log_level":        "info",
		"ledger.timeout":   "30s",
		"ledger.cache_dir": defaultCacheDir(),
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load config environment: %w", err)
	}

	var r raw
	if err := k.Unmarshal("", &r); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return validate(&r)
}

func envKey(name string) string {
	name = strings.TrimPrefix(name, envPrefix)
	name = strings.ToLower(name)
	return strings.ReplaceAll(name, "__", ".")
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "banksync")
	}
	return "banksync-cache"
}

func validate(r *raw) (*Settings, error) {
	if r.Port < 1 || r.Port > 65535 {
		return nil, &domain.ConfigError{Field: "port", Reason: fmt.Sprintf("%d is not a valid port", r.Port)}
	}
	if _, err := logrus.ParseLevel(r.LogLevel); err != nil {
		return nil, &domain.ConfigError{Field: "log_level", Reason: fmt.Sprintf("unknown level %q", r.LogLevel)}
	}

	ledger, err := validateLedger(&r.Ledger)
	if err != nil {
		return nil, err
	}

	profiles := make([]domain.Profile, 0, len(r.Profiles))
	seen := make(map[string]bool, len(r.Profiles))
	for i, p := range r.Profiles {
		profile, err := validateProfile(i, &p)
		if err != nil {
			return nil, err
		}
		if seen[profile.Name] {
			return nil, &domain.ConfigError{
				Field:  fmt.Sprintf("profiles[%d].name", i),
				Reason: fmt.Sprintf("duplicate profile name %q", profile.Name),
			}
		}
		seen[profile.Name] = true
		profiles = append(profiles, profile)
	}

	return &Settings{
		Port:     r.Port,
		LogLevel: r.LogLevel,
		Ledger:   *ledger,
		Profiles: profiles,
	}, nil
}

func validateLedger(r *rawLedger) (*Ledger, error) {
	if r.ServerURL == "" {
		return nil, &domain.ConfigError{Field: "ledger.server_url", Reason: "must be set"}
	}
	u, err := url.Parse(r.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &domain.ConfigError{Field: "ledger.server_url", Reason: fmt.Sprintf("%q is not a valid http(s) URL", r.ServerURL)}
	}
	if r.Password == "" {
		return nil, &domain.ConfigError{Field: "ledger.password", Reason: "must be set"}
	}
	syncID, err := uuid.FromString(r.SyncID)
	if err != nil {
		return nil, &domain.ConfigError{Field: "ledger.sync_id", Reason: fmt.Sprintf("%q is not a UUID", r.SyncID)}
	}
	if r.CacheDir == "" {
		return nil, &domain.ConfigError{Field: "ledger.cache_dir", Reason: "must be set"}
	}
	if r.Timeout <= 0 {
		return nil, &domain.ConfigError{Field: "ledger.timeout", Reason: "must be a positive duration"}
	}

	return &Ledger{
		ServerURL:     r.ServerURL,
		Password:      r.Password,
		SyncID:        syncID,
		EncryptionKey: r.EncryptionKey,
		CacheDir:      r.CacheDir,
		Timeout:       r.Timeout,
	}, nil
}

func validateProfile(i int, r *rawProfile) (domain.Profile, error) {
	field := func(name string) string { return fmt.Sprintf("profiles[%d].%s", i, name) }

	if r.Name == "" {
		return domain.Profile{}, &domain.ConfigError{Field: field("name"), Reason: "must be set"}
	}
	if r.Bank == "" {
		return domain.Profile{}, &domain.ConfigError{Field: field("bank"), Reason: "must be set"}
	}
	accountID, err := uuid.FromString(r.LedgerAccountID)
	if err != nil {
		return domain.Profile{}, &domain.ConfigError{Field: field("ledger_account_id"), Reason: fmt.Sprintf("%q is not a UUID", r.LedgerAccountID)}
	}
	if r.Dedup.OverlapDays < 0 {
		return domain.Profile{}, &domain.ConfigError{Field: field("dedup.overlap_days"), Reason: "must not be negative"}
	}

	return domain.Profile{
		Name:            r.Name,
		Bank:            r.Bank,
		BankParams:      r.BankParams,
		LedgerAccountID: accountID,
		Dedup: domain.DedupConfig{
			Enabled:     r.Dedup.Enabled,
			OverlapDays: r.Dedup.OverlapDays,
		},
	}, nil
}
