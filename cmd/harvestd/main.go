// Package main implements harvestd, which collects Daktela support tickets
// into sanitized exports.
//
// Usage:
//
//	# Harvest one month of complaints into the current directory
//	harvestd run --from 2024-03-01 --to 2024-03-31 --category Reklamace
//
//	# Serve the job API
//	harvestd serve
//
// Configuration is read from ~/.config/harvestd/config.yaml and HARVESTD_*
// environment variables. See internal/config for details.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/harvestd/internal/carrier"
	"github.com/fyrsmithlabs/harvestd/internal/config"
	"github.com/fyrsmithlabs/harvestd/internal/daktela"
	"github.com/fyrsmithlabs/harvestd/internal/harvest"
	"github.com/fyrsmithlabs/harvestd/internal/identity"
	"github.com/fyrsmithlabs/harvestd/internal/logging"
	"github.com/fyrsmithlabs/harvestd/internal/sanitize"
	"github.com/fyrsmithlabs/harvestd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const instrumentationName = "github.com/fyrsmithlabs/harvestd/cmd/harvestd"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "harvestd",
		Short: "Harvest Daktela support tickets into sanitized exports",
		Long: `harvestd searches Daktela tickets by date range, category and status,
downloads their email and comment history, strips signatures, quoted
replies and personal data, and writes JSON, text and XLSX artifacts.`,
		Version:       version,
		SilenceUsage:  true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.config/harvestd/config.yaml)")

	cmd.AddCommand(
		newRunCmd(opts),
		newServeCmd(opts),
		newCodebookCmd(opts, "categories", "List ticket categories", (*daktela.Client).ListCategories),
		newCodebookCmd(opts, "statuses", "List ticket statuses", (*daktela.Client).ListStatuses),
		newSanitizeCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

// printVersion prints version information
func printVersion(w io.Writer) {
	fmt.Fprintf(w, "harvestd by Fyrsmith Labs\n")
	fmt.Fprintf(w, "Version:    %s\n", version)
	fmt.Fprintf(w, "Commit:     %s\n", gitCommit)
	fmt.Fprintf(w, "Build Date: %s\n", buildDate)
}

// app holds the process-wide dependencies a command needs.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	tel    *telemetry.Telemetry
}

// newApp loads configuration and initializes logging and telemetry.
// Telemetry failures are logged and the process continues without it.
func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath == "" {
		cfg, err = config.Load()
	} else {
		cfg, err = config.LoadWithFile(opts.configPath)
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logCfg, err := logging.FromAppConfig(cfg.Log, cfg.Telemetry.Enabled)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger(logCfg, global.GetLoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry, version)
	if err != nil {
		logger.Warn(ctx, "telemetry disabled", zap.Error(err))
		tel = nil
	}

	return &app{cfg: cfg, logger: logger, tel: tel}, nil
}

// close flushes telemetry and the logger.
func (a *app) close(ctx context.Context) {
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func (a *app) client() (*daktela.Client, error) {
	return daktela.NewClient(a.cfg.API,
		daktela.WithLogger(a.logger),
		daktela.WithTracer(a.tel.Tracer(instrumentationName)),
		daktela.WithMeter(a.tel.Meter(instrumentationName)),
	)
}

func (a *app) sanitizer() (*sanitize.Sanitizer, error) {
	s, err := sanitize.FromConfig(a.cfg.Sanitize)
	if err != nil {
		return nil, fmt.Errorf("building sanitizer: %w", err)
	}
	return s, nil
}

// controller builds a harvest controller reading from client.
func (a *app) controller(client *daktela.Client, san *sanitize.Sanitizer) *harvest.Controller {
	opts := append(harvest.ConfigOptions(a.cfg),
		harvest.WithLogger(a.logger),
		harvest.WithTracer(a.tel.Tracer(instrumentationName)),
		harvest.WithMeter(a.tel.Meter(instrumentationName)),
		harvest.WithSanitizer(san),
		harvest.WithClassifier(identity.New(a.cfg.Harvest.AgentName, carrier.Default())),
		harvest.WithCodebook(client),
	)
	return harvest.New(client, opts...)
}
