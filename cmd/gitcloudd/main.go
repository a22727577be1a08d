package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/gitcloudd/internal/config"
	"github.com/schaermu/gitcloudd/internal/control"
	"github.com/schaermu/gitcloudd/internal/git"
	"github.com/schaermu/gitcloudd/internal/registry"
	"github.com/schaermu/gitcloudd/internal/repo"
	"github.com/schaermu/gitcloudd/internal/store"
	gitcloud "github.com/schaermu/gitcloudd/internal/sync"
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
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gitcloudd",
	Short: "Keep a workspace of Git repositories synchronized with their remotes",
	Long: `gitcloudd keeps every repository below one workspace directory in sync with
its remote. Local edits are committed and pushed, remote changes are merged in,
and conflicts are resolved in favor of the remote while the local version is
kept as a conflicted copy next to the file.

Run the daemon with "gitcloudd run" and manage the repository list with the
"repo" and "interval" commands.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the sync daemon",
	Long: `Run starts the periodic sync loop over every enabled repository. When
serve.enabled is set it also starts the control API (and the GitHub push
webhook when a secret is configured), listening on a systemd-activated socket
if one is passed.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

var syncCmd = &cobra.Command{
	Use:   "sync [NAME...]",
	Short: "Perform a one-time sync pass and exit",
	Long: `Sync runs a single pass over every enabled repository, or over the named
ones (disabled repositories included), then records sync times and branches in
the repository list. It exits non-zero if any repository failed.`,
	RunE: runSync,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gitcloudd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/gitcloudd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(versionCmd)
	addRemoteCommands(rootCmd)
}

// daemon holds the components shared by run and sync
type daemon struct {
	cfg        *config.Config
	store      store.Store
	registry   *registry.Registry
	queue      *gitcloud.Queue
	emitter    *gitcloud.Emitter
	reconciler *gitcloud.Reconciler
	engine     *gitcloud.Engine
}

// newDaemon wires the engine to the persisted repository list. The live set
// starts from selected, or from every enabled repository when selected is nil.
// An eventQueueSize of zero sizes the event queue to hold exactly one pass.
func newDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger, eventQueueSize int, selected func(*registry.Registry) ([]repo.Command, error)) (*daemon, error) {
	if err := git.ExtendPath(cfg.Git.Binary); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Workspace, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	st, err := store.Open(cfg)
	if err != nil {
		return nil, err
	}

	d := &daemon{
		cfg:   cfg,
		store: st,
		queue: gitcloud.NewQueue(cfg.Sync.CommandQueueSize, cfg.SubmitTimeout()),
	}

	d.registry, err = registry.New(ctx, st, d.queue, logger)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to load repository list: %w", err)
	}

	if selected == nil {
		d.reconciler = gitcloud.NewReconciler(d.registry.Enabled(), logger)
	} else {
		cmds, err := selected(d.registry)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		d.reconciler = gitcloud.NewReconciler(nil, logger)
		for _, cmd := range cmds {
			d.reconciler.Apply(cmd)
		}
	}

	if eventQueueSize == 0 {
		// pass_begin, pass_end and a begin/end pair per repository
		eventQueueSize = 2*len(d.reconciler.Snapshot()) + 2
	}
	d.emitter = gitcloud.NewEmitter(eventQueueSize, logger)

	gitClient := git.NewShellClient(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile).
		WithIdentity(cfg.Git.AuthorName, cfg.Git.AuthorEmail)
	resolver := gitcloud.NewResolver(gitClient, cfg.Sync.MergeMessage, logger)
	pipeline := gitcloud.NewPipeline(gitClient, resolver, cfg.Workspace, cfg.Sync.CommitMessage, logger)
	d.engine = gitcloud.NewEngine(d.reconciler, d.queue, pipeline, d.emitter, cfg.Interval(), logger)

	return d, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	d, err := newDaemon(ctx, cfg, logger, cfg.Sync.EventQueueSize, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.store.Close(); err != nil {
			logger.Error("failed to close repository store", "error", err)
		}
	}()

	var server *control.Server
	if cfg.Serve.Enabled {
		server, err = control.NewServer(cfg, d.registry, d.engine, logger)
		if err != nil {
			return err
		}
	}

	logger.Info("starting gitcloudd",
		"version", version,
		"workspace", cfg.Workspace,
		"interval", cfg.Interval(),
		"repos", len(d.reconciler.Snapshot()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.engine.Run(gctx)
	})
	g.Go(func() error {
		return d.registry.Observe(gctx, d.emitter, cfg.PollTimeout())
	})
	if server != nil {
		l, err := control.Listen(cfg.Serve.ListenAddr)
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			return server.Serve(gctx, l)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		logger.Info("gitcloudd stopped")
		return nil
	}
	return err
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var selected func(*registry.Registry) ([]repo.Command, error)
	if len(args) > 0 {
		selected = namedCommands(args)
	}

	// nothing drains the event queue during the pass
	d, err := newDaemon(ctx, cfg, logger, 0, selected)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.store.Close(); err != nil {
			logger.Error("failed to close repository store", "error", err)
		}
	}()

	logger.Info("starting sync operation")
	summary := d.engine.RunPass(ctx)
	recordEvents(ctx, d)

	if err := d.registry.SaveIfDirty(ctx); err != nil {
		return err
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d repositories failed to sync", summary.Failed, summary.Synced)
	}
	logger.Info("sync completed", "repos", summary.Synced)
	return nil
}

// namedCommands forces a sync of each named repository, enabled or not
func namedCommands(names []string) func(*registry.Registry) ([]repo.Command, error) {
	return func(reg *registry.Registry) ([]repo.Command, error) {
		cmds := make([]repo.Command, 0, len(names))
		for _, name := range names {
			rp, err := reg.Get(name)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			rp.Force = true
			cmds = append(cmds, repo.CommandFor(rp))
		}
		return cmds, nil
	}
}

// recordEvents folds the events of a finished pass into the registry
func recordEvents(ctx context.Context, d *daemon) {
	for {
		select {
		case ev := <-d.emitter.Events():
			d.registry.Record(ctx, ev)
		default:
			return
		}
	}
}

func setupLogger() *slog.Logger {
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

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// configPath returns the --config value or the per-user default
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return fmt.Sprintf("%s/.config/gitcloudd/config.yaml", home), nil
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}

	logger.Info("loading configuration", "path", path)

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"workspace", cfg.Workspace,
		"interval", cfg.Interval(),
		"store", cfg.Store.Backend,
		"store_path", cfg.StorePath(),
		"serve", cfg.Serve.Enabled)

	return cfg, nil
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
