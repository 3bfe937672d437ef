package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tesseract/codec"
	"tesseract/config"
	"tesseract/middleware"
	"tesseract/protocol"
	"tesseract/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the demo Echo and Arith services",
	Long: `Serve the demo services until SIGINT or SIGTERM:
  Arith.Add, Arith.Mul, Arith.Div  {"A":int,"B":int} -> {"Result":int}
  Echo.Say                         string -> string
  Echo.Sleep                       duration string -> string`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.address)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Address = serveAddr
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	s, err := newServer(cfg, logger)
	if err != nil {
		return err
	}

	if cfg.Server.MetricsAddress != "" {
		go serveMetrics(cfg.Server.MetricsAddress, logger)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	served := make(chan error, 1)
	go func() { served <- s.ListenAndServe(cfg.Server.Network, cfg.Server.Address) }()

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	return <-served
}

// newServer builds the server described by cfg with the demo services registered.
func newServer(cfg config.Config, logger *zap.Logger) (*server.Server, error) {
	c, err := codec.Get(cfg.Server.Codec)
	if err != nil {
		return nil, err
	}

	mws := []middleware.Middleware{middleware.Logging(logger), middleware.Metrics()}
	if cfg.Server.RateLimit > 0 {
		mws = append(mws, middleware.RateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst))
	}
	if cfg.Server.RequestTimeout > 0 {
		mws = append(mws, middleware.Timeout(cfg.Server.RequestTimeout))
	}

	s := server.New(
		server.WithCodec(c),
		server.WithLogger(logger),
		server.WithMiddleware(mws...),
		server.WithEngineOptions(
			protocol.WithLimits(cfg.Limits),
			protocol.WithWriteTimeout(cfg.Server.WriteTimeout),
		),
	)
	if err := registerDemo(s); err != nil {
		return nil, err
	}
	return s, nil
}

func serveMetrics(addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics listener", zap.Error(err))
	}
}
