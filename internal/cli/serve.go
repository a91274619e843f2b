package cli

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/xelth-com/girosync/internal/handlers"
	"golang.org/x/sync/errgroup"
)

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local sync API and the auto sync scheduler",
		Long: `Run the local HTTP API for the POS UI, stream round events over /ws
and run a full sync every SYNC_AUTO_SYNC_INTERVAL seconds.

Example:
  SYNC_SERVER_URL=https://license.example.com LICENSE_KEY=... girosync serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func runServe(parent context.Context, opts *RootOptions) error {
	a, err := openApp(opts, true)
	if err != nil {
		return err
	}
	// Note: a.close() also stops embedded PostgreSQL
	defer a.close()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go a.hub.Run()
	defer a.hub.Stop()

	a.routes.Start(time.Duration(a.syncCfg.HealthCheckInterval) * time.Second)

	router := handlers.NewRouter(a.engine, a.hub, a.cfg.APIToken)
	router.ServeRoutes(a.routes)
	server := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("🚀 Local sync API starting on port %s (%s)", a.cfg.Port, a.cfg.NodeEnv)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if a.syncCfg.Enabled && a.syncCfg.AutoSyncEnabled {
		scheduler := NewScheduler(a.engine, time.Duration(a.syncCfg.AutoSyncInterval)*time.Second,
			a.syncCfg.SyncOnStartup, a.logger("[sched] "))
		g.Go(func() error {
			scheduler.Run(gctx)
			return nil
		})
	} else {
		log.Println("⏸️ Auto sync disabled, rounds run on request only")
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Println("⚠️ Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		return nil
	})

	err = g.Wait()
	log.Println("✅ Shutdown complete")
	return err
}
