package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/httpapi"
	otelexport "github.com/MrEthical07/authcore/metrics/export/otel"
)

var serveMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the session sweeper and the KV health monitor",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if serveMigrate {
			cfg.Database.Migrate = true
		}

		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		m, err := authcore.New().WithConfig(cfg).WithLogger(logger).Build()
		if err != nil {
			return fmt.Errorf("build manager: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			_ = m.Shutdown(sctx)
		}()

		exporter, err := otelexport.NewExporter(otel.GetMeterProvider().Meter("github.com/MrEthical07/authcore"), m)
		if err != nil {
			return err
		}
		defer func() { _ = exporter.Close() }()

		server := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           httpapi.New(m),
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			logger.Info("listening", zap.String("addr", server.Addr), zap.String("environment", string(cfg.Environment)))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			m.StartSweeper(gctx)
			return nil
		})
		g.Go(func() error {
			m.WatchKV(gctx)
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return server.Shutdown(sctx)
		})
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "apply Postgres migrations before serving")
}
