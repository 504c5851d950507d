// Package cli exposes the sharedqueue commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/nimburion/sharedqueue/pkg/app"
	"github.com/nimburion/sharedqueue/pkg/config"
	"github.com/nimburion/sharedqueue/pkg/observability/logger"
	"github.com/nimburion/sharedqueue/pkg/version"
)

const defaultEnvPrefix = "APP"

// Options configures the root command.
type Options struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string
	// LogOutput receives log lines. Defaults to stderr so command output stays parseable.
	LogOutput io.Writer
}

type rootFlags struct {
	configPath string
	logLevel   string
	backend    string
}

// NewRootCommand creates the CLI with serve, worker, enqueue, dlq, config and
// version subcommands.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Name == "" {
		opts.Name = "sharedqueue"
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = defaultEnvPrefix
	}
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}

	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config-file", "c", opts.ConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flags.backend, "backend", "", "queue backend override (redis, memory)")

	loadConfig := func(cmd *cobra.Command) (*config.Config, *logger.ZapLogger, error) {
		return LoadConfigAndLogger(flags.configPath, opts.EnvPrefix, cmd.Flags(), opts.LogOutput)
	}

	rootCmd.AddCommand(
		newServeCommand(loadConfig, app.ModeServe, "serve", "Start the HTTP host and the workers"),
		newServeCommand(loadConfig, app.ModeWorker, "worker", "Start the workers only"),
		newEnqueueCommand(loadConfig),
		newDLQCommand(loadConfig),
		newConfigCommand(loadConfig),
		newVersionCommand(opts.Name),
	)
	return rootCmd
}

type configLoader func(cmd *cobra.Command) (*config.Config, *logger.ZapLogger, error)

// LoadConfigAndLogger loads configuration (env > file > defaults), applies flag
// overrides and builds the process logger.
func LoadConfigAndLogger(cfgPath, envPrefix string, flags *pflag.FlagSet, logOutput io.Writer) (*config.Config, *logger.ZapLogger, error) {
	loader := config.NewViperLoader(cfgPath, envPrefix)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cfg, flags)
	if err := loader.Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("config validation failed: %w", err)
	}

	level, err := logger.ParseLogLevel(cfg.Observability.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	format, err := logger.ParseLogFormat(cfg.Observability.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.NewZapLogger(logger.Config{Level: level, Format: format, Output: logOutput})
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	log = logger.NewFromZap(log.Zap().With(zap.String("service", cfg.Service.Name)))
	if level == logger.DebugLevel {
		log.Debug("effective configuration", "config", fmt.Sprintf("%+v", *cfg))
	}
	return cfg, log, nil
}

func applyFlagOverrides(cfg *config.Config, flags *pflag.FlagSet) {
	if flags == nil {
		return
	}
	if flag := flags.Lookup("log-level"); flag != nil && flag.Changed {
		cfg.Observability.LogLevel = strings.ToLower(flag.Value.String())
	}
	if flag := flags.Lookup("backend"); flag != nil && flag.Changed {
		cfg.Queue.Backend = strings.ToLower(flag.Value.String())
	}
}

func newServeCommand(loadConfig configLoader, mode app.Mode, use, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			log.Info("starting", "mode", string(mode), "version", version.Current(cfg.Service.Name).Version)
			return app.Run(runCtx, cfg, log, mode)
		},
	}
}

func newVersionCommand(name string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			info := version.Current(name)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
		},
	}
}

// Execute runs the command and exits with status 1 on error.
func Execute(cmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
