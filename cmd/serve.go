package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/KaramelBytes/datachat/internal/server"
	"github.com/KaramelBytes/datachat/internal/session"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the chat API over HTTP",
	Long: `Serve sessions over a JSON API:

  POST   /api/sessions                 upload a dataset (multipart field "file")
  GET    /api/sessions                 list sessions
  GET    /api/sessions/{id}            session document
  POST   /api/sessions/{id}/query      {"query": "..."} -> response envelope
  DELETE /api/sessions/{id}/messages   clear history and memory
  DELETE /api/sessions/{id}            delete the session

Plots are served under the configured plot URL prefix, metrics under /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := requireConfig()
		if err != nil {
			return err
		}
		addr := c.ServeAddr
		if cmd.Flags().Changed("addr") {
			addr = serveAddr
		}
		srv := server.New(server.Dependencies{
			Sessions: session.NewManager(c.SessionsDir, logger),
			Open: func(path string) (server.Chat, error) {
				a, err := openDataset(path)
				if err != nil {
					return nil, err
				}
				return a, nil
			},
			PlotsDir:      c.PlotsDir,
			PlotURLPrefix: c.PlotURLPrefix,
			Logger:        logger,
		})
		defer srv.Close()

		httpServer := &http.Server{
			Addr:              addr,
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			logger.Info("starting api server", zap.String("addr", addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
				stop()
			}
		}()

		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		logger.Info("shutting down api server")
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		select {
		case err := <-errCh:
			return err
		default:
			return nil
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "listen address (overrides config)")
}
