package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend selects the implementation used to pull the working copy
type Backend string

const (
	BackendShell Backend = "shell"
	BackendGoGit Backend = "go-git"
)

// Environment variables consulted by Load. They take precedence over the file.
const (
	EnvListen    = "GREENHORN_DEPLOY_LISTEN"
	EnvPath      = "GREENHORN_DEPLOY_PATH"
	EnvBranch    = "GREENHORN_DEPLOY_BRANCH"
	EnvRepo      = "GREENHORN_DEPLOY_REPO"
	EnvSignature = "GREENHORN_DEPLOY_SIGNATURE"
)

const (
	DefaultListen      = "127.0.0.1:3000"
	DefaultBranch      = "refs/heads/main"
	DefaultMaxBodySize = 1 << 20 // 1 MB
	DefaultTimeout     = 2 * time.Minute
	DefaultRemote      = "origin"
)

// Config represents the complete greenhorn-deploy configuration
type Config struct {
	Listen  string        `yaml:"listen"`
	Repo    RepoConfig    `yaml:"repo"`
	Webhook WebhookConfig `yaml:"webhook"`
	Sync    SyncConfig    `yaml:"sync"`
	Auth    AuthConfig    `yaml:"auth"`
}

// RepoConfig describes the working copy and the push events that update it
type RepoConfig struct {
	Path     string `yaml:"path"`
	FullName string `yaml:"full_name"`
	Branch   string `yaml:"branch"`
}

// WebhookConfig configures request validation
type WebhookConfig struct {
	// Secret is never read from the file; see SecretFile and EnvSignature.
	Secret            string `yaml:"-"`
	SecretFile        string `yaml:"secret_file"`
	MaxBodySize       int64  `yaml:"max_body_size"`
	MatchBeforeVerify bool   `yaml:"match_before_verify"`
}

// SyncConfig configures the pull itself
type SyncConfig struct {
	Backend Backend       `yaml:"backend"`
	Timeout time.Duration `yaml:"timeout"`
	Remote  string        `yaml:"remote"`
}

// AuthConfig configures Git authentication
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// Load builds a configuration from an optional YAML file and the environment.
// An empty path skips the file. The result still has to be validated.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		path = os.ExpandEnv(path)

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.expandEnv()
	cfg.ApplyDefaults()

	return &cfg, nil
}

// applyEnv overrides fields with any GREENHORN_DEPLOY_* variables that are set
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvListen); v != "" {
		c.Listen = v
	}
	if v := os.Getenv(EnvPath); v != "" {
		c.Repo.Path = v
	}
	if v := os.Getenv(EnvBranch); v != "" {
		c.Repo.Branch = v
	}
	if v := os.Getenv(EnvRepo); v != "" {
		c.Repo.FullName = v
	}
	if v := os.Getenv(EnvSignature); v != "" {
		c.Webhook.Secret = v
	}
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Listen = os.ExpandEnv(c.Listen)
	c.Repo.Path = os.ExpandEnv(c.Repo.Path)
	c.Repo.FullName = os.ExpandEnv(c.Repo.FullName)
	c.Repo.Branch = os.ExpandEnv(c.Repo.Branch)
	c.Webhook.SecretFile = os.ExpandEnv(c.Webhook.SecretFile)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
}

// ApplyDefaults fills in zero-value fields and normalizes the branch ref.
// It is safe to call more than once.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Repo.Branch == "" {
		c.Repo.Branch = DefaultBranch
	}
	c.Repo.Branch = BranchRef(c.Repo.Branch)
	if c.Webhook.MaxBodySize == 0 {
		c.Webhook.MaxBodySize = DefaultMaxBodySize
	}
	if c.Sync.Backend == "" {
		c.Sync.Backend = BackendShell
	}
	if c.Sync.Timeout == 0 {
		c.Sync.Timeout = DefaultTimeout
	}
	if c.Sync.Remote == "" {
		c.Sync.Remote = DefaultRemote
	}
}

// BranchRef expands a short branch name like "main" to "refs/heads/main".
// Values already starting with "refs/" are returned unchanged.
func BranchRef(branch string) string {
	if branch == "" || strings.HasPrefix(branch, "refs/") {
		return branch
	}
	return "refs/heads/" + branch
}

// ResolveSecret reads the webhook secret from SecretFile when none was
// supplied through the environment.
func (c *Config) ResolveSecret() error {
	if c.Webhook.Secret != "" || c.Webhook.SecretFile == "" {
		return nil
	}

	secret, err := os.ReadFile(c.Webhook.SecretFile)
	if err != nil {
		return fmt.Errorf("failed to read webhook secret: %w", err)
	}

	// Trim any whitespace/newlines from secret
	c.Webhook.Secret = strings.TrimSpace(string(secret))
	return nil
}

// Validate checks everything the webhook server needs
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Listen, err)
	}

	if err := c.ValidateSync(); err != nil {
		return err
	}

	if c.Repo.FullName == "" {
		return errors.New("repo.full_name is required")
	}
	if c.Repo.Branch == "" {
		return errors.New("repo.branch is required")
	}

	if c.Webhook.Secret == "" {
		return fmt.Errorf("webhook secret is required (set %s or webhook.secret_file)", EnvSignature)
	}
	if c.Webhook.MaxBodySize <= 0 {
		return fmt.Errorf("webhook.max_body_size must be positive: %d", c.Webhook.MaxBodySize)
	}

	return nil
}

// ValidateSync checks the subset of settings needed to pull the working copy
func (c *Config) ValidateSync() error {
	if c.Repo.Path == "" {
		return errors.New("repo.path is required")
	}
	info, err := os.Stat(c.Repo.Path)
	if err != nil {
		return fmt.Errorf("repo.path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("repo.path is not a directory: %s", c.Repo.Path)
	}

	switch c.Sync.Backend {
	case BackendShell, BackendGoGit:
		// valid
	default:
		return fmt.Errorf("invalid sync.backend: %s (must be shell or go-git)", c.Sync.Backend)
	}

	if c.Sync.Timeout <= 0 {
		return fmt.Errorf("sync.timeout must be positive: %s", c.Sync.Timeout)
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return errors.New("auth: only one of ssh_key_file or https_token_file may be set")
	}

	return nil
}

// RepoPath returns the absolute path of the working copy
func (c *Config) RepoPath() string {
	abs, err := filepath.Abs(c.Repo.Path)
	if err != nil {
		return c.Repo.Path
	}
	return abs
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}
