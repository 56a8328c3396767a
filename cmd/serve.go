package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xiaotian947859/javbus-site/internal/api"
	"github.com/xiaotian947859/javbus-site/internal/clock/system"
	"github.com/xiaotian947859/javbus-site/internal/config"
	"github.com/xiaotian947859/javbus-site/internal/sink"
)

// newServeCmd creates the 'serve' subcommand, which hosts the movie API.
func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the movie API",
		Long: `Hosts the save endpoint used by the remote sink together with the
read-only movie listing, health and metrics routes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			cfg := e.cfg
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			return runServe(cmd.Context(), cfg, e.logger)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides server.port)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	done := &cleanup{logger: logger}
	defer done.run()

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	done.addErr("store", store.Close)

	apiServer := api.NewServer(api.Options{
		Store:  store,
		Saver:  sink.NewStoreSink(store, system.New()),
		Token:  cfg.Auth.APIToken,
		Logger: logger.Named("api"),
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
