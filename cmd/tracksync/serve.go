package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/tracksync/internal/httpapi"
)

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sync HTTP API and event stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			hub := httpapi.NewEventHub(c.logger)
			defer hub.Close()
			a, err := c.open(hub)
			if err != nil {
				return err
			}
			defer a.Close()

			strategy, err := a.strategy("")
			if err != nil {
				return err
			}
			cfg := a.cfg.Serve
			handler := httpapi.NewServerWithConfig(httpapi.Deps{
				Sync:      a.syncer,
				Circuits:  a.invoker.Breaker(),
				Stats:     a.invoker.Stats(),
				Deferrals: a.deferrals,
				Events:    hub,
				Logger:    a.logger,
			}, httpapi.ServerConfig{
				JWTSecret:       cfg.JWTSecret,
				DefaultStrategy: strategy,
				SyncTimeout:     a.cfg.Sync.Timeout,
				RateLimitMax:    cfg.RateLimitMax,
				RateLimitWindow: cfg.RateLimitWindow,
			})
			server := &http.Server{Addr: cfg.Addr, Handler: handler}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			errCh := make(chan error, 1)
			go func() {
				a.logger.Printf("tracksync api listening on %s", cfg.Addr)
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}
			a.logger.Printf("shutting down api")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			hub.Close()
			return server.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().String("addr", "", "listen address")
	_ = c.v.BindPFlag("serve.addr", cmd.Flags().Lookup("addr"))
	return cmd
}
