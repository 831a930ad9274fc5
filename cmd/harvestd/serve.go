package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/harvestd/internal/harvest"
	httpserver "github.com/fyrsmithlabs/harvestd/internal/http"
	"github.com/fyrsmithlabs/harvestd/internal/jobs"
)

type serveOptions struct {
	host           string
	port           int
	writeArtifacts bool
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the harvest job API",
		Long: `Start the HTTP job API. Jobs run in the background; progress is
published to NATS when nats.url is set and exposed on /metrics.

Examples:
  # Listen on the configured address
  harvestd serve

  # Listen on all interfaces and keep artifacts on disk
  harvestd serve --host 0.0.0.0 --port 8080 --write-artifacts`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, root, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.host, "host", "", "listen host (default server.http_host)")
	f.IntVar(&opts.port, "port", 0, "listen port (default server.http_port)")
	f.BoolVar(&opts.writeArtifacts, "write-artifacts", false, "also write each job's artifacts to export.output_dir")
	return cmd
}

// serve runs the job API until ctx is cancelled, then shuts down the HTTP
// server, the running jobs and the NATS connection in that order.
func serve(ctx context.Context, root *rootOptions, opts *serveOptions) error {
	a, err := newApp(ctx, root)
	if err != nil {
		return err
	}
	defer a.close(context.Background())
	logger := a.logger
	cfg := a.cfg

	client, err := a.client()
	if err != nil {
		return err
	}
	san, err := a.sanitizer()
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	pub, closeNATS, err := jobs.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer closeNATS()
	if cfg.NATS.URL != "" {
		logger.Info(ctx, "publishing job events", zap.String("url", cfg.NATS.URL), zap.String("subject_prefix", cfg.NATS.SubjectPrefix))
	}

	regOpts := []jobs.Option{
		jobs.WithLogger(logger),
		jobs.WithMetrics(jobs.NewMetrics(promReg)),
		jobs.WithPublisher(pub, cfg.NATS.SubjectPrefix),
	}
	if opts.writeArtifacts {
		regOpts = append(regOpts, jobs.WithArtifacts(cfg.Export.OutputDir, cfg.Export.Formats))
	}
	registry := jobs.NewRegistry(func() *harvest.Controller {
		return a.controller(client, san)
	}, regOpts...)

	serverCfg := &httpserver.Config{Host: cfg.Server.Host, Port: cfg.Server.Port}
	if opts.host != "" {
		serverCfg.Host = opts.host
	}
	if opts.port != 0 {
		serverCfg.Port = opts.port
	}
	srv, err := httpserver.NewServer(registry, san, logger, serverCfg,
		httpserver.WithCodebook(client),
		httpserver.WithMeter(a.tel.Meter(instrumentationName)),
		httpserver.WithGatherer(promReg),
	)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	timeout := cfg.Server.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := registry.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stopping jobs: %w", err))
	}
	logger.Info(shutdownCtx, "server stopped")
	return errors.Join(errs...)
}
