// Package cmd boots the kernel process: it loads the bootstrap
// configuration, constructs every component in dependency order, and runs
// the stdio serve loop until the front end disconnects or a signal lands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ordo-sh/ordo/internal/advisor"
	"github.com/ordo-sh/ordo/internal/config"
	"github.com/ordo-sh/ordo/internal/eventbus"
	"github.com/ordo-sh/ordo/internal/flags"
	"github.com/ordo-sh/ordo/internal/kernel"
	"github.com/ordo-sh/ordo/internal/log"
	"github.com/ordo-sh/ordo/internal/metrics"
	"github.com/ordo-sh/ordo/internal/paths"
	"github.com/ordo-sh/ordo/internal/protocol"
	"github.com/ordo-sh/ordo/internal/state"
	"github.com/ordo-sh/ordo/internal/store"
	"github.com/ordo-sh/ordo/internal/supervisor"
	"github.com/ordo-sh/ordo/internal/tracing"
	"github.com/ordo-sh/ordo/internal/workflow"
)

var (
	version = "dev"
	verbose bool
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "ordo",
	Short: "Document-automation orchestration kernel",
	Long: `ordo is a headless orchestration kernel. It speaks newline-delimited
JSON over stdin and stdout, routes operations to worker subprocesses,
runs multi-step workflows with human approval gates, and keeps the
full audit trail in SQLite under ~/.ordo.

The process is started by a front end that owns its stdio. Closing
stdin shuts the kernel down cleanly.`,
	Version: version,
	// A startup failure must not dump help text at a front end that
	// expects JSON lines.
	SilenceUsage: true,
	RunE:         runKernel,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")
}

// initConfig loads kernel.yaml from the ordo home. Every key has a compiled
// default, so a missing or empty file is fully functional; a missing file is
// materialized as a commented template so the tunables are discoverable.
func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("log.file", defaults.Log.File)
	viper.SetDefault("log.level", defaults.Log.Level)
	viper.SetDefault("queue.capacity", defaults.Queue.Capacity)
	viper.SetDefault("workers.ready_timeout", defaults.Workers.ReadyTimeout)
	viper.SetDefault("workers.send_timeout", defaults.Workers.SendTimeout)
	viper.SetDefault("workers.shutdown_grace", defaults.Workers.ShutdownGrace)
	viper.SetDefault("gateway.deny_list", defaults.Gateway.DenyList)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	for name, value := range defaults.Flags {
		viper.SetDefault("flags."+name, value)
	}

	viper.AddConfigPath(paths.Home())
	viper.SetConfigName("kernel")
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			configPath := paths.KernelConfigPath()
			if writeErr := config.WriteDefaultConfig(configPath); writeErr == nil {
				viper.SetConfigFile(configPath)
				_ = viper.ReadInConfig()
			}
			// If the write fails, the compiled defaults still apply.
		}
	}

	cfg = config.Defaults()
	_ = viper.Unmarshal(&cfg)
}

// runKernel builds the component graph bottom-up and serves until stdin
// closes, a SHUTDOWN request arrives, or a signal lands. Construction
// failures return an error so the process exits non-zero before ever
// answering a request.
func runKernel(_ *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid kernel configuration: %w", err)
	}

	home, err := paths.EnsureHome()
	if err != nil {
		return fmt.Errorf("preparing home directory: %w", err)
	}

	logPath := cfg.Log.File
	if logPath == "" {
		logPath = paths.LogPath()
	}
	closeLog, err := log.Init(logPath)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer closeLog()
	log.SetRedactor(protocol.ScrubLine)
	if lvl, ok := log.ParseLevel(cfg.Log.Level); ok {
		log.SetMinLevel(lvl)
	}
	if verbose {
		log.SetMinLevel(log.LevelDebug)
	}
	log.Info(log.CatKernel, "ordo starting", "version", version, "home", home)

	st, err := store.Open(paths.DBPath())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	bus := eventbus.New()

	settings := state.New(paths.SettingsPath(), paths.ModulesPath(), bus)
	if err := settings.Load(); err != nil {
		_ = st.Close()
		return fmt.Errorf("loading configuration documents: %w", err)
	}

	// Live reload of the configuration documents is best effort. Some
	// filesystems have no inotify; the kernel still runs, edits just
	// require a restart.
	if watcher, werr := state.NewWatcher(settings); werr != nil {
		log.ErrorErr(log.CatConfig, "config watcher unavailable", werr)
	} else if werr := watcher.Start(); werr != nil {
		log.ErrorErr(log.CatConfig, "config watcher failed to start", werr)
	} else {
		defer func() { _ = watcher.Stop() }()
	}

	registry := flags.New(cfg.Flags)
	m := metrics.New()

	provider, err := tracing.NewProvider(tracingConfig())
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("configuring tracing: %w", err)
	}

	sup, err := supervisor.New(supervisor.Config{
		Workers:       settings.Workers(),
		Bus:           bus,
		Metrics:       m,
		Flags:         registry,
		ReadyTimeout:  cfg.Workers.ReadyTimeout,
		SendTimeout:   cfg.Workers.SendTimeout,
		ShutdownGrace: cfg.Workers.ShutdownGrace,
	})
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("building supervisor: %w", err)
	}

	policy, err := advisor.LoadPolicy(paths.GuardrailPolicyPath())
	if err != nil {
		_ = st.Close()
		return fmt.Errorf("loading guardrail policy: %w", err)
	}

	k, err := kernel.New(kernel.Config{
		Store:         st,
		Bus:           bus,
		Supervisor:    sup,
		Library:       workflow.LoadLibrary(paths.WorkflowsDir()),
		Policy:        policy,
		State:         settings,
		Flags:         registry,
		Metrics:       m,
		Tracer:        provider.Tracer(),
		Version:       version,
		QueueCapacity: cfg.Queue.Capacity,
		DenyList:      cfg.Gateway.DenyList,
	})
	if err != nil {
		_ = st.Close()
		return err
	}

	// The signal context stops the serve loop only. The kernel runs on the
	// background context so in-flight worker round-trips drain during Stop
	// instead of being cut mid-send.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := k.Start(context.Background()); err != nil {
		k.Stop(context.Background())
		return fmt.Errorf("starting kernel: %w", err)
	}

	serveErr := kernel.NewServer(k, os.Stdin, os.Stdout).Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	k.Stop(shutdownCtx)

	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatKernel, "trace flush failed", err)
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	log.Info(log.CatKernel, "ordo stopped")
	return nil
}

// tracingConfig finalizes the tracing setup. The file exporter needs a
// target path, so an empty one falls back to the ordo home.
func tracingConfig() tracing.Config {
	tc := cfg.Tracing
	if tc.FilePath == "" {
		tc.FilePath = filepath.Join(paths.Home(), "traces.jsonl")
	}
	return tc
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string reported by --version, PING, and
// GET_STATUS.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
