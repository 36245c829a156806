// Command mcpnexusd is the long-running process that fronts CDB over
// MCP: it loads configuration, wires the Session Manager and its
// collaborators, and serves the MCP tool surface over stdio until a
// shutdown signal arrives.
//
// Grounded on zjrosen-perles's cmd/root.go (cobra root command, a
// custom viper instance, PersistentFlags bound via BindPFlag,
// cobra.OnInitialize) and cmd/daemon.go (the background-goroutine +
// signal-or-error-channel + timeout-bounded graceful shutdown shape).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcp-nexus/mcp-nexus-go/batch"
	"github.com/mcp-nexus/mcp-nexus-go/cdb"
	"github.com/mcp-nexus/mcp-nexus-go/config"
	"github.com/mcp-nexus/mcp-nexus-go/internal/clock"
	"github.com/mcp-nexus/mcp-nexus-go/internal/obslog"
	"github.com/mcp-nexus/mcp-nexus-go/internal/procexec"
	"github.com/mcp-nexus/mcp-nexus-go/metrics"
	"github.com/mcp-nexus/mcp-nexus-go/notify"
	"github.com/mcp-nexus/mcp-nexus-go/queue"
	"github.com/mcp-nexus/mcp-nexus-go/recovery"
	"github.com/mcp-nexus/mcp-nexus-go/resultcache"
	"github.com/mcp-nexus/mcp-nexus-go/session"
	"github.com/mcp-nexus/mcp-nexus-go/transport/mcpserver"

	"github.com/prometheus/client_golang/prometheus"
)

// version is overwritten at build time via -ldflags.
var version = "dev"

var (
	cfgFile  string
	logLevel string

	v = viper.NewWithOptions(viper.KeyDelimiter("."))
)

var rootCmd = &cobra.Command{
	Use:     "mcpnexusd",
	Short:   "MCP server fronting the Windows Debugger (CDB)",
	Long:    `mcpnexusd exposes CDB crash-dump debugging sessions as Model Context Protocol tools over stdio.`,
	Version: version,
	RunE:    runServe,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML, env prefix MCP_NEXUS)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	rootCmd.Flags().String("cdb-path", "", "path to cdb.exe (overrides debugging.cdb_path)")
	rootCmd.Flags().Int("max-concurrent-sessions", 0, "maximum concurrent CDB sessions (overrides sessions.max_concurrent_sessions, 0 = use config)")

	_ = v.BindPFlag("debugging.cdb_path", rootCmd.Flags().Lookup("cdb-path"))
}

func initConfig() {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if maxSessions, _ := cmd.Flags().GetInt("max-concurrent-sessions"); maxSessions > 0 {
		cfg.Sessions.MaxConcurrentSessions = maxSessions
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	obslog.Init(cfg.Env, logLevel)
	obslog.Info().Str("version", version).Str("env", cfg.Env).Msg("mcpnexusd starting")

	broadcaster := notify.NewBroadcaster()
	manager := session.NewManager(session.Deps{
		Launcher: procexec.PtyLauncher{},
		Clock:    clock.New(),
		Sink:     broadcaster,
	}, managerConfigFromAppConfig(cfg))

	registry := prometheus.NewRegistry()
	if err := registry.Register(metrics.NewCollector(manager)); err != nil {
		obslog.Error().Err(err).Msg("mcpnexusd: failed to register metrics collector")
	}

	srv := mcpserver.New(manager, "mcp-nexus", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go logMetricsPeriodically(ctx, registry)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ServeStdio(ctx) }()

	select {
	case sig := <-sigCh:
		obslog.Info().Str("signal", sig.String()).Msg("mcpnexusd received shutdown signal")
	case err := <-errCh:
		if err != nil {
			obslog.Error().Err(err).Msg("mcpnexusd transport exited with error")
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Sessions.DisposalTimeout+5*time.Second)
	defer shutdownCancel()
	manager.Shutdown(shutdownCtx)
	broadcaster.Shutdown()

	obslog.Info().Msg("mcpnexusd stopped")
	return nil
}

// managerConfigFromAppConfig translates the viper-backed config.Config
// into the domain Configs each core package actually depends on, so
// those packages never import viper or know the on-disk key names
// (§4.7: config is an external-collaborator boundary, not a core
// dependency).
func managerConfigFromAppConfig(cfg *config.Config) session.Config {
	d := cfg.Debugging
	s := cfg.Sessions
	b := cfg.Batching

	adapterCfg := cdb.Config{
		CdbPath:               d.CdbPath,
		SymbolSearchPath:      d.SymbolSearchPath,
		BaseCommandTimeout:    time.Duration(d.CommandTimeoutMs) * time.Millisecond,
		ComplexCommandTimeout: time.Duration(d.ComplexCommandTimeoutMs) * time.Millisecond,
		IdleTimeout:           time.Duration(d.IdleTimeoutMs) * time.Millisecond,
		StartupDelay:          time.Duration(d.StartupDelayMs) * time.Millisecond,
		StartupTimeout:        time.Duration(d.StartupTimeoutMs) * time.Millisecond,
		PerformanceMultiplier: d.PerformanceMultiplier,
		DisposalGrace:         s.DisposalTimeout,
	}

	batchCfg := batch.Config{
		Enabled:                b.Enabled,
		MaxBatchSize:           b.MaxBatchSize,
		BatchWaitTimeout:       time.Duration(b.BatchWaitTimeoutMs) * time.Millisecond,
		BatchTimeoutMultiplier: b.BatchTimeoutMultiplier,
		MaxBatchTimeoutMinutes: b.MaxBatchTimeoutMinutes,
		ExcludedCommands:       b.ExcludedCommands,
		BaseCommandTimeout:     adapterCfg.BaseCommandTimeout,
	}

	return session.Config{
		MaxConcurrentSessions: s.MaxConcurrentSessions,
		SessionTimeout:        s.SessionTimeout,
		CleanupInterval:       s.CleanupInterval,
		HeartbeatInterval:     queue.DefaultHeartbeatInterval,
		ResultCacheCapacity:   resultcache.DefaultCapacity,
		Adapter:               adapterCfg,
		Batch:                 batchCfg,
		Recovery:              recovery.Config{},
	}
}

// logMetricsPeriodically gathers the metrics registry on a fixed
// cadence and logs a condensed summary, the same stand-in role the
// teacher's own debug-only Snapshot/ExportText methods play in the
// absence of a wired HTTP exporter (DESIGN.md).
func logMetricsPeriodically(ctx context.Context, registry *prometheus.Registry) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			families, err := registry.Gather()
			if err != nil {
				obslog.Warn().Err(err).Msg("mcpnexusd: failed to gather metrics")
				continue
			}
			obslog.Debug().Int("metricFamilies", len(families)).Msg("mcpnexusd: metrics snapshot")
		}
	}
}
