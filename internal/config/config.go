// Package config reads and writes the global ~/.chatsync/config.toml.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultAccount string `toml:"default_account"`

	// Sync holds the settings shared by every account; entries under
	// [accounts.<name>] override them field by field.
	Sync     Sync            `toml:"sync"`
	Accounts map[string]Sync `toml:"accounts,omitempty"`
}

// Sync configures one sync daemon.
type Sync struct {
	APIBaseURL        string   `toml:"api_base_url,omitempty"`
	RealtimeURL       string   `toml:"realtime_url,omitempty"`
	UserID            string   `toml:"user_id,omitempty"`
	TokenFile         string   `toml:"token_file,omitempty"`
	PollInterval      Duration `toml:"poll_interval,omitempty"`
	HeartbeatInterval Duration `toml:"heartbeat_interval,omitempty"`
	BackoffBase       Duration `toml:"backoff_base,omitempty"`
	BackoffMax        Duration `toml:"backoff_max,omitempty"`
	Background        bool     `toml:"start_in_background,omitempty"`
}

// Defaults for unset durations.
const (
	DefaultPollInterval      = 12 * time.Second
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultBackoffBase       = time.Second
	DefaultBackoffMax        = 30 * time.Second
)

// Duration is a time.Duration written as a string ("12s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields an empty config.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Config{}, nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// SyncFor returns the settings of one account: the shared [sync] table
// with that account's overrides applied, then defaults.
func (c *Config) SyncFor(account string) Sync {
	s := c.Sync
	if o, ok := c.Accounts[account]; ok {
		s = s.merge(o)
	}
	return s.WithDefaults()
}

func (s Sync) merge(o Sync) Sync {
	if o.APIBaseURL != "" {
		s.APIBaseURL = o.APIBaseURL
	}
	if o.RealtimeURL != "" {
		s.RealtimeURL = o.RealtimeURL
	}
	if o.UserID != "" {
		s.UserID = o.UserID
	}
	if o.TokenFile != "" {
		s.TokenFile = o.TokenFile
	}
	if o.PollInterval.Duration != 0 {
		s.PollInterval = o.PollInterval
	}
	if o.HeartbeatInterval.Duration != 0 {
		s.HeartbeatInterval = o.HeartbeatInterval
	}
	if o.BackoffBase.Duration != 0 {
		s.BackoffBase = o.BackoffBase
	}
	if o.BackoffMax.Duration != 0 {
		s.BackoffMax = o.BackoffMax
	}
	if o.Background {
		s.Background = true
	}
	return s
}

// WithDefaults fills unset durations and derives the realtime endpoint
// from the API base URL when it is not given.
func (s Sync) WithDefaults() Sync {
	if s.PollInterval.Duration <= 0 {
		s.PollInterval.Duration = DefaultPollInterval
	}
	if s.HeartbeatInterval.Duration <= 0 {
		s.HeartbeatInterval.Duration = DefaultHeartbeatInterval
	}
	if s.BackoffBase.Duration <= 0 {
		s.BackoffBase.Duration = DefaultBackoffBase
	}
	if s.BackoffMax.Duration <= 0 {
		s.BackoffMax.Duration = DefaultBackoffMax
	}
	if s.RealtimeURL == "" && s.APIBaseURL != "" {
		if u, err := url.Parse(s.APIBaseURL); err == nil {
			switch u.Scheme {
			case "https":
				u.Scheme = "wss"
			default:
				u.Scheme = "ws"
			}
			u.Path = "/realtime"
			u.RawQuery = ""
			s.RealtimeURL = u.String()
		}
	}
	return s
}

// Validate reports settings the daemon cannot start without.
func (s Sync) Validate() error {
	if s.APIBaseURL == "" {
		return errors.New("sync.api_base_url is required")
	}
	if _, err := url.Parse(s.APIBaseURL); err != nil {
		return fmt.Errorf("sync.api_base_url: %w", err)
	}
	if s.UserID == "" {
		return errors.New("sync.user_id is required")
	}
	if s.BackoffMax.Duration < s.BackoffBase.Duration {
		return fmt.Errorf("sync.backoff_max (%s) is below sync.backoff_base (%s)", s.BackoffMax, s.BackoffBase)
	}
	return nil
}
