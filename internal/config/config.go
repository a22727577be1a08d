package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreBackend selects the repository-list persistence provider
type StoreBackend string

const (
	StoreJSON   StoreBackend = "json"
	StoreSQLite StoreBackend = "sqlite"
)

const (
	// DefaultInterval is the pause between periodic sync passes, in seconds
	DefaultInterval = 600
	// MinInterval is the smallest accepted sync interval, in seconds
	MinInterval = 10
	// MaxInterval is the largest interval, in seconds, a time.Duration holds
	MaxInterval = math.MaxInt64 / int64(time.Second)

	DefaultQueueSize     = 1000
	DefaultSubmitTimeout = 5
	DefaultPollTimeout   = 60
	DefaultListenAddr    = "127.0.0.1:8377"

	DefaultCommitMessage = "gitcloud auto commit"
	DefaultMergeMessage  = "gitcloud auto merge"
)

// Config represents the complete gitcloudd configuration
type Config struct {
	Workspace string      `yaml:"workspace"`
	Sync      SyncConfig  `yaml:"sync"`
	Git       GitConfig   `yaml:"git"`
	Auth      AuthConfig  `yaml:"auth"`
	Store     StoreConfig `yaml:"store"`
	Serve     ServeConfig `yaml:"serve"`
}

// SyncConfig configures the sync loop and its queues
type SyncConfig struct {
	Interval         int    `yaml:"interval"`
	CommandQueueSize int    `yaml:"command_queue_size"`
	EventQueueSize   int    `yaml:"event_queue_size"`
	SubmitTimeout    int    `yaml:"submit_timeout"`
	PollTimeout      int    `yaml:"poll_timeout"`
	CommitMessage    string `yaml:"commit_message"`
	MergeMessage     string `yaml:"merge_message"`
}

// GitConfig configures the git executable and commit identity
type GitConfig struct {
	Binary      string `yaml:"binary"`
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// StoreConfig configures where the repository list is persisted
type StoreConfig struct {
	Backend StoreBackend `yaml:"backend"`
	Path    string       `yaml:"path"`
}

// ServeConfig configures the control server
type ServeConfig struct {
	Enabled                 bool     `yaml:"enabled"`
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedRefs             []string `yaml:"allowed_refs"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all path-like fields
func (c *Config) expandEnv() {
	c.Workspace = os.ExpandEnv(c.Workspace)
	c.Git.Binary = os.ExpandEnv(c.Git.Binary)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	c.Store.Path = os.ExpandEnv(c.Store.Path)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Sync.Interval == 0 {
		c.Sync.Interval = DefaultInterval
	}
	if c.Sync.CommandQueueSize == 0 {
		c.Sync.CommandQueueSize = DefaultQueueSize
	}
	if c.Sync.EventQueueSize == 0 {
		c.Sync.EventQueueSize = DefaultQueueSize
	}
	if c.Sync.SubmitTimeout == 0 {
		c.Sync.SubmitTimeout = DefaultSubmitTimeout
	}
	if c.Sync.PollTimeout == 0 {
		c.Sync.PollTimeout = DefaultPollTimeout
	}
	if c.Sync.CommitMessage == "" {
		c.Sync.CommitMessage = DefaultCommitMessage
	}
	if c.Sync.MergeMessage == "" {
		c.Sync.MergeMessage = DefaultMergeMessage
	}
	if c.Store.Backend == "" {
		c.Store.Backend = StoreJSON
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = DefaultListenAddr
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace is required")
	}
	if !filepath.IsAbs(c.Workspace) {
		return fmt.Errorf("workspace must be an absolute path: %s", c.Workspace)
	}

	if c.Sync.Interval < MinInterval {
		return fmt.Errorf("sync.interval must be at least %d seconds, got %d", MinInterval, c.Sync.Interval)
	}
	if int64(c.Sync.Interval) > MaxInterval {
		return fmt.Errorf("sync.interval must be at most %d seconds, got %d", MaxInterval, c.Sync.Interval)
	}
	if c.Sync.CommandQueueSize < 1 || c.Sync.EventQueueSize < 1 {
		return fmt.Errorf("sync queue sizes must be positive")
	}
	if c.Sync.SubmitTimeout < 0 || c.Sync.PollTimeout < 1 {
		return fmt.Errorf("sync.submit_timeout must not be negative and sync.poll_timeout must be positive")
	}

	if c.Git.Binary != "" && !filepath.IsAbs(c.Git.Binary) {
		return fmt.Errorf("git.binary must be an absolute path: %s", c.Git.Binary)
	}

	switch c.Store.Backend {
	case StoreJSON, StoreSQLite:
		// valid
	default:
		return fmt.Errorf("invalid store.backend: %s (must be json or sqlite)", c.Store.Backend)
	}
	if c.Store.Path != "" && !filepath.IsAbs(c.Store.Path) {
		return fmt.Errorf("store.path must be an absolute path: %s", c.Store.Path)
	}

	if c.Serve.Enabled && c.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr is required when serve is enabled")
	}

	return nil
}

// StorePath returns the repository list location for the configured backend
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	if c.Store.Backend == StoreSQLite {
		return filepath.Join(c.Workspace, ".repos.db")
	}
	return filepath.Join(c.Workspace, ".repos")
}

// Interval returns the sync interval as a duration
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Sync.Interval) * time.Second
}

// SubmitTimeout returns how long a producer may wait on a full command queue
func (c *Config) SubmitTimeout() time.Duration {
	return time.Duration(c.Sync.SubmitTimeout) * time.Second
}

// PollTimeout returns how long the observer waits for a single event
func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.Sync.PollTimeout) * time.Second
}

// WebhookEnabled reports whether the GitHub push endpoint should be served
func (c *Config) WebhookEnabled() bool {
	return c.Serve.GitHubWebhookSecretFile != ""
}
