// -- cmd/serve.go --
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/livoras/pageflow/internal/api"
	"github.com/livoras/pageflow/internal/config"
	"github.com/livoras/pageflow/internal/observability"
	"github.com/livoras/pageflow/internal/pagemanager"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pageflow HTTP/WS control plane",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := observability.GetLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pages, err := pagemanager.New(ctx, pagemanager.Options{
		Headless:           cfg.Browser.Headless,
		UserDataDir:        cfg.Browser.UserDataDir,
		RecordingsRoot:     cfg.Server.RecordingsRoot,
		ScreenshotsEnabled: cfg.Browser.ScreenshotsEnabled,
		NavTimeout:         cfg.NavTimeout(),
		CreateTimeout:      cfg.CreateTimeout(),
		PageQueueDepth:     cfg.Page.QueueDepth,
		SettleQuiet:        cfg.SettleQuiet(),
		SettleHardDeadline: cfg.SettleHardDeadline(),
	}, logger)
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = pages.Shutdown(shutdownCtx)
	}()

	hub := api.NewHub(logger)
	server := api.NewServer(api.Config{AllowedOrigin: cfg.Server.CORSOrigin}, pages, hub, logger)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}
}
