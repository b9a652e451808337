package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mcpbridge/internal/agent"
	"mcpbridge/internal/bridge"
	"mcpbridge/internal/config"
	"mcpbridge/internal/filter"
	"mcpbridge/internal/server"
	"mcpbridge/internal/store"
	"mcpbridge/internal/upstream"
	"mcpbridge/pkg/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the capability gateway",
	Long: `Starts the gateway: connects all registered capability servers, syncs
their catalogs, and serves MCP to agents over the configured transport.

Agents authenticate per request with X-Client-Id/X-Client-Secret headers or
Basic auth. For the stdio transport, credentials come from the
MCPBRIDGE_CLIENT_ID and MCPBRIDGE_CLIENT_SECRET environment variables.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	manager := upstream.NewManager(st, nil)
	if err := manager.ConnectAll(ctx); err != nil {
		return fmt.Errorf("connecting capability servers: %w", err)
	}
	defer manager.DisconnectAll(context.Background())

	engine := agent.NewEngine(st)
	core := bridge.NewCore(filter.New(st, manager), manager, st, cfg.ForwardTimeout.Std())

	srv := server.New(cfg, core, engine, st, manager.Updates())
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}

	if cfg.Transport != config.TransportStdio {
		logging.Info("Serve", "Gateway listening on %s:%d (%s)", cfg.Host, cfg.Port, cfg.Transport)
	}

	<-ctx.Done()
	logging.Info("Serve", "Shutting down")
	return srv.Stop(context.Background())
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
