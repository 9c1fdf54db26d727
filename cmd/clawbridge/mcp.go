package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/clawbridge/internal/bridge"
	"github.com/jkaninda/clawbridge/internal/config"
	"github.com/jkaninda/clawbridge/internal/history"
	"github.com/jkaninda/clawbridge/internal/mcpserver"
	goutils "github.com/jkaninda/go-utils"
)

var mcpConfigPath string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve bridge tools over MCP stdio",
	Long: `Connects to the configured gateways and exposes sessions_list,
session_history and session_send as MCP tools on stdin/stdout. History is
kept in memory for the lifetime of the process.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

// runMCP starts the gateway bridges and serves MCP tools on stdio.
// Logs go to stderr so the protocol stream stays clean.
func runMCP(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.Load(goutils.Env("CLAWBRIDGE_CONFIG", mcpConfigPath))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hist := history.NewMemoryStore(0)
	defer hist.Close()

	manager := bridge.NewManager(cfg.Gateways, hist, nil, logger)
	manager.Start(ctx)
	defer manager.Stop()

	// Give the bridges a moment to establish before tools are callable.
	// Tools report per-gateway connection errors after that.
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	waitForConnections(waitCtx, manager)

	srv := mcpserver.New(manager, version, logger)
	if err := srv.ServeStdio(); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

func waitForConnections(ctx context.Context, manager *bridge.Manager) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		connected := true
		for _, b := range manager.List() {
			if !b.IsConnected() {
				connected = false
				break
			}
		}
		if connected {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
