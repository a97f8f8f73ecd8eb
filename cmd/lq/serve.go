package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/steveyegge/beads-live/internal/daemon"
	"github.com/steveyegge/beads-live/internal/filesync"
	"github.com/steveyegge/beads-live/internal/logging"
	"github.com/steveyegge/beads-live/internal/remote"
	"github.com/steveyegge/beads-live/internal/ui"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "live",
	Short:   "Sync entity files into the store and serve live queries",
	Long: `Run the sync daemon and the WebSocket server in the foreground.

The daemon performs a full sync of <dir>/entities/*.json, then watches the
directory and applies every change to the store. The server lets clients open
live queries and broadcasts entity, sync, and stats events.

Endpoints:
  ws://<addr>/ws       live queries and events
  http://<addr>/health health check`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		log := logging.FromContext(ctx)

		s, err := openStore(log)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer s.Close()

		server := remote.NewServer(s, &remote.Config{Addr: cfg.Server.Addr, Logger: log})
		handler := remote.NewHandler(server, log)

		d, err := daemon.New(filesync.New(s, log), cfg.EntitiesDir(), &daemon.Config{
			DebounceInterval: cfg.Store.FileDebounce,
			FullSyncInterval: cfg.Store.FullSyncInterval,
			Notifier:         handler,
			Logger:           log,
		})
		if err != nil {
			return fmt.Errorf("failed to create daemon: %w", err)
		}

		if err := server.Start(); err != nil {
			return err
		}

		fmt.Printf("%s Serving live queries\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Entities: %s\n", cfg.EntitiesDir())
		fmt.Printf("   Store: %s\n", s.Path())
		fmt.Printf("   WebSocket: ws://%s/ws\n", server.GetAddr())
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return d.Start(gctx)
		})
		g.Go(func() error {
			<-gctx.Done()
			return server.Stop()
		})

		if err := g.Wait(); err != nil {
			return err
		}
		fmt.Printf("%s Stopped\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", "127.0.0.1:7420", "address to listen on")
	rootCmd.AddCommand(serveCmd)
}
