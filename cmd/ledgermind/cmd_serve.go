package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sl4m3/ledgermind-sub000/internal/maintenance"
	"github.com/sl4m3/ledgermind-sub000/internal/mcp"
	"github.com/sl4m3/ledgermind-sub000/internal/memory"
	"github.com/sl4m3/ledgermind-sub000/internal/telemetry"
)

func newMCPServerCmd() *cobra.Command {
	var noMaintenance bool
	cmd := &cobra.Command{
		Use:   "mcp-server",
		Short: "Run the MCP server over stdio",
		Long: `Run ledgermind as an MCP (Model Context Protocol) server speaking
JSON-RPC over stdin/stdout. Logs go to stderr.

Background maintenance (index verification, decay and reflection) runs
while the client is connected unless --no-maintenance is given.

Example MCP client configuration:
  {
    "mcpServers": {
      "ledgermind": {
        "command": "ledgermind",
        "args": ["mcp-server", "--root", "/path/to/.ledgermind"]
      }
    }
  }`,
		RunE: func(cmd *cobra.Command, args []string) error {
			mem, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()

			var sched *maintenance.Scheduler
			if !noMaintenance {
				sched = newScheduler(mem)
			}

			server, err := mcp.NewServer(&mcp.Config{
				Name:      "ledgermind",
				Version:   version,
				Memory:    mem,
				Scheduler: sched,
			})
			if err != nil {
				return fmt.Errorf("failed to create MCP server: %w", err)
			}
			defer server.Close()

			mem.Logger().Info("mcp server started", "root", mem.Config().Root, "namespace", mem.Config().Namespace)
			if err := server.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("mcp server error: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noMaintenance, "no-maintenance", false, "Disable background maintenance")
	return cmd
}

func newServeCmd() *cobra.Command {
	var opsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run background maintenance with an ops HTTP endpoint",
		Long: `Run the maintenance scheduler in the foreground and expose /healthz
and /metrics on the ops address until interrupted. An empty ops address
runs maintenance only.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			mem, err := openMemory(cmd)
			if err != nil {
				return err
			}
			defer mem.Close()
			logger := mem.Logger()

			provider, err := telemetry.Setup()
			if err != nil {
				return fmt.Errorf("failed to set up metrics: %w", err)
			}
			defer provider.Shutdown(context.Background())

			if opsAddr == "" {
				opsAddr = mem.Config().Server.OpsAddr
			}
			srv := &http.Server{
				Addr:              opsAddr,
				Handler:           telemetry.NewOpsRouter(mem.Ping, provider.Handler()),
				ReadHeaderTimeout: 5 * time.Second,
			}

			sched := newScheduler(mem)
			if err := sched.Start(ctx); err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			if opsAddr != "" {
				g.Go(func() error {
					logger.Info("ops endpoint listening", "addr", opsAddr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
			}
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			err = g.Wait()
			if stopErr := sched.Stop(); stopErr != nil {
				logger.Warn("stopping maintenance", "error", stopErr)
			}
			logger.Info("shut down")
			return err
		},
	}
	cmd.Flags().StringVar(&opsAddr, "ops-addr", "", "Ops HTTP listen address (default: server.ops_addr from config)")
	return cmd
}

func newScheduler(mem *memory.Memory) *maintenance.Scheduler {
	return maintenance.New(mem.Config().Maintenance, mem.RecordsDir(), mem, mem.Logger())
}

// signalContext returns a context cancelled on the first shutdown signal.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, mcp.ShutdownSignals...)
}
