package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/RaysceneNS/keeweb-azure/internal/config"
	"github.com/RaysceneNS/keeweb-azure/internal/metrics"
)

// version is set at build time via ldflags.
var version = "dev"

// CLIFlags holds the persistent flags shared by every command.
type CLIFlags struct {
	ConfigPath   string
	ContainerURL string
	JSON         bool
	Verbose      bool
	Quiet        bool
	Metrics      bool
}

// CLIContext carries the resolved configuration and output streams to
// subcommands. PersistentPreRunE stores it in the command context.
type CLIContext struct {
	Cfg     *config.Config
	CfgPath string
	Flags   CLIFlags
	Logger  *slog.Logger
	Stdout  io.Writer
	Stderr  io.Writer

	// Registry collects storage metrics for --metrics.
	Registry *prometheus.Registry
}

type cliContextKey struct{}

// cliRegistry is the process-wide registry the storage metrics register
// into. metrics.Register only takes effect once per process.
var cliRegistry = sync.OnceValue(func() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	return reg
})

// cliContextFrom returns the CLIContext stored by the root pre-run, or nil.
func cliContextFrom(ctx context.Context) *CLIContext {
	cc, _ := ctx.Value(cliContextKey{}).(*CLIContext)
	return cc
}

// mustCLIContext returns the CLIContext or panics. Every command below the
// root runs after PersistentPreRunE, so a missing context is a wiring bug.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("cli context not initialized")
	}

	return cc
}

// Statusf prints a status message to stderr unless --quiet is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	if !cc.Flags.Quiet {
		fmt.Fprintf(cc.Stderr, format, args...)
	}
}

// looseConfigCommands resolve the config without requiring a container URL
// or client ID, so they work before the config is complete.
var looseConfigCommands = map[string]bool{
	"keeweb-azure config show": true,
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered.
func newRootCmd() *cobra.Command {
	flags := &CLIFlags{}

	cmd := &cobra.Command{
		Use:     "keeweb-azure",
		Short:   "KeePass vault storage on Azure Blob",
		Long:    "Load and save .kdbx vaults in Azure Blob storage with ETag-guarded writes.",
		Version: version,
		// We print errors ourselves in main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setupContext(cmd, *flags)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			cc := cliContextFrom(cmd.Context())
			if cc == nil || !cc.Flags.Metrics {
				return nil
			}

			return writeMetrics(cc.Stderr, cc.Registry)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "config file path")
	pf.StringVar(&flags.ContainerURL, "container-url", "", "container URL (overrides storage.container_url)")
	pf.BoolVar(&flags.JSON, "json", false, "output in JSON format")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")
	pf.BoolVar(&flags.Metrics, "metrics", false, "print operation metrics to stderr on exit")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newStatCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// setupContext resolves configuration through the override chain, builds the
// logger, and stores a CLIContext in the command's context.
func setupContext(cmd *cobra.Command, flags CLIFlags) error {
	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}
	if cmd.Flags().Changed("container-url") {
		cli.ContainerURL = &flags.ContainerURL
	}

	env := config.ReadEnvOverrides()
	cfgPath := config.ConfigPath(env, cli)

	var (
		cfg *config.Config
		err error
	)

	if looseConfigCommands[cmd.CommandPath()] {
		cfg, err = config.LoadOrDefault(cfgPath)
	} else {
		cfg, err = config.Resolve(env, cli)
	}

	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cc := &CLIContext{
		Cfg:      cfg,
		CfgPath:  cfgPath,
		Flags:    flags,
		Logger:   buildLogger(cfg, flags, cmd.ErrOrStderr()),
		Stdout:   cmd.OutOrStdout(),
		Stderr:   cmd.ErrOrStderr(),
		Registry: cliRegistry(),
	}

	cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

	return nil
}

// buildLogger creates an slog.Logger from the config and CLI flags.
// The config-file level is the baseline; --verbose and --quiet override it.
func buildLogger(cfg *config.Config, flags CLIFlags, w io.Writer) *slog.Logger {
	level := slog.LevelInfo

	if cfg != nil {
		switch cfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	format := "auto"
	if cfg != nil {
		format = cfg.Logging.LogFormat
	}

	if useJSONLogs(format, w) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

// useJSONLogs resolves log_format; "auto" picks text on a terminal.
func useJSONLogs(format string, w io.Writer) bool {
	switch format {
	case "json":
		return true
	case "text":
		return false
	}

	f, ok := w.(*os.File)
	if !ok {
		return true
	}

	return !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
}

// writeMetrics dumps the registry in the Prometheus text format.
func writeMetrics(w io.Writer, reg *prometheus.Registry) error {
	if reg == nil {
		return nil
	}

	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}

	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "keeweb_") {
			continue
		}

		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("writing metrics: %w", err)
		}
	}

	return nil
}
