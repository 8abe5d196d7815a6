package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/paunstefan/greenhorn-deploy/internal/config"
	"github.com/paunstefan/greenhorn-deploy/internal/git"
	"github.com/paunstefan/greenhorn-deploy/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Overrides shared by serve and sync
	flagListen            string
	flagPath              string
	flagBranch            string
	flagRepo              string
	flagBackend           string
	flagTimeout           time.Duration
	flagMatchBeforeVerify bool
)

var errPullFailed = errors.New("pull failed")

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "greenhorn-deploy",
	Short: "Pull a Git working copy when GitHub reports a push",
	Long: `greenhorn-deploy keeps a deployed Git working copy in step with its GitHub
repository.

It listens for GitHub push webhooks, checks the HMAC signature and that the
push is for the watched repository and branch, then runs git pull in the
working copy and answers with the result.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve [address:port] [path_to_repo]",
	Short: "Start the webhook server",
	Long: `Serve accepts signed GitHub push deliveries on POST /payload and pulls the
working copy for every delivery that targets the watched branch.

The webhook secret is read from GREENHORN_DEPLOY_SIGNATURE or from the file named
by webhook.secret_file. Positional arguments take precedence over flags, the
environment and the config file.`,
	Args: cobra.MaximumNArgs(2),
	RunE: runServe,
}

var syncCmd = &cobra.Command{
	Use:   "sync [path_to_repo]",
	Short: "Pull the working copy once and print the outcome",
	Long: `Sync runs the same pull the webhook server runs, without waiting for a
delivery. It prints UpToDate, Success or the failure reported by git, and exits
non-zero when the pull failed or could not be run.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSync,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("greenhorn-deploy %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/greenhorn-deploy/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&flagPath, "path", "", "path to the working copy")
	rootCmd.PersistentFlags().StringVar(&flagBackend, "backend", "", "pull backend (shell, go-git)")
	rootCmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 0, "maximum duration of a single pull")

	// Serve command flags
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "address:port to listen on")
	serveCmd.Flags().StringVar(&flagBranch, "branch", "", "branch whose pushes trigger a pull")
	serveCmd.Flags().StringVar(&flagRepo, "repo", "", "full name (owner/name) of the watched repository")
	serveCmd.Flags().BoolVar(&flagMatchBeforeVerify, "match-before-verify", false, "check the payload before the signature")

	// Add commands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cmd, cfg)
	if len(args) > 0 {
		cfg.Listen = args[0]
	}
	if len(args) > 1 {
		cfg.Repo.Path = args[1]
	}
	cfg.ApplyDefaults()

	if err := cfg.ResolveSecret(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Info("configuration ready",
		"listen", cfg.Listen,
		"path", cfg.RepoPath(),
		"repo", cfg.Repo.FullName,
		"branch", cfg.Repo.Branch,
		"backend", cfg.Sync.Backend,
		"auth", cfg.AuthMethod())

	server := webhook.NewServer(cfg, newPuller(cfg), logger)
	return server.Start(ctx)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyFlags(cmd, cfg)
	if len(args) > 0 {
		cfg.Repo.Path = args[0]
	}
	cfg.ApplyDefaults()

	if err := cfg.ValidateSync(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancelTimeout := context.WithTimeout(ctx, cfg.Sync.Timeout)
	defer cancelTimeout()

	logger.Info("starting pull", "path", cfg.RepoPath(), "backend", cfg.Sync.Backend)
	outcome, err := newPuller(cfg).Pull(ctx, cfg.RepoPath())
	if err != nil {
		logger.Error("pull could not be executed", "error", err)
		return err
	}

	_, _ = fmt.Fprintln(cmd.OutOrStdout(), outcome.String())
	if outcome.Kind == git.OutcomeFailed {
		return errPullFailed
	}
	return nil
}

// applyFlags copies explicitly set flags over the loaded configuration
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = flagListen
	}
	if flags.Changed("path") {
		cfg.Repo.Path = flagPath
	}
	if flags.Changed("branch") {
		cfg.Repo.Branch = flagBranch
	}
	if flags.Changed("repo") {
		cfg.Repo.FullName = flagRepo
	}
	if flags.Changed("backend") {
		cfg.Sync.Backend = config.Backend(flagBackend)
	}
	if flags.Changed("timeout") {
		cfg.Sync.Timeout = flagTimeout
	}
	if flags.Changed("match-before-verify") {
		cfg.Webhook.MatchBeforeVerify = flagMatchBeforeVerify
	}
}

// newPuller builds the configured backend. Pulls of the same working copy
// never overlap.
func newPuller(cfg *config.Config) git.Puller {
	var backend git.Puller
	switch cfg.Sync.Backend {
	case config.BackendGoGit:
		backend = git.NewGoGitClient(
			git.Remote(cfg.Sync.Remote),
			git.Branch(cfg.Repo.Branch),
			git.SSHKeyFile(cfg.Auth.SSHKeyFile),
			git.HTTPSTokenFile(cfg.Auth.HTTPSTokenFile),
		)
	default:
		backend = git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
	}
	return git.Serialize(backend)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// loadConfig reads the config file named by --config, which must exist, or
// the default file, which may be absent.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		defaultPath, err := defaultConfigPath()
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(defaultPath); err == nil {
			configPath = defaultPath
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	if configPath == "" {
		logger.Debug("no config file, using environment and flags")
	} else {
		logger.Info("loading configuration", "path", configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"path", cfg.Repo.Path,
		"repo", cfg.Repo.FullName,
		"branch", cfg.Repo.Branch,
		"backend", cfg.Sync.Backend)

	return cfg, nil
}

func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".config", "greenhorn-deploy", "config.yaml"), nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
