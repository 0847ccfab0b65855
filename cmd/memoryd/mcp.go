package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/s11ngh/supermemory-selfhosted/internal/config"
	"github.com/s11ngh/supermemory-selfhosted/internal/mcp"
	"github.com/s11ngh/supermemory-selfhosted/internal/telemetry"
	"github.com/s11ngh/supermemory-selfhosted/pkg/client"
)

// runMCP serves the memory tools on stdio, delegating every call to a running
// memoryd over HTTP. Logs go to stderr; stdout carries the protocol.
func runMCP(ctx context.Context, configPath string, args []string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	fs := flag.NewFlagSet("mcp", flag.ContinueOnError)
	url := fs.String("url", daemonURL(cfg.Server), "memoryd base URL")
	apiKey := fs.String("api-key", cfg.Server.APIKey.Value(), "bearer token for /v3 and /v4")
	tag := fs.String("container-tag", "", "default container tag for tool calls")
	minScore := fs.Float64("min-score", 0.55, "default recall threshold")
	if err := fs.Parse(args); err != nil {
		return err
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	logger, err := initLogger(cfg, tel, true)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	c, err := client.New(*url, client.WithAPIKey(*apiKey))
	if err != nil {
		return err
	}

	mcpCfg := mcp.DefaultConfig()
	mcpCfg.Version = version
	mcpCfg.ContainerTag = *tag
	mcpCfg.MinScore = *minScore
	mcpCfg.Logger = logger
	srv, err := mcp.NewServer(mcpCfg, c)
	if err != nil {
		return fmt.Errorf("creating mcp server: %w", err)
	}

	logger.Info(ctx, "delegating MCP tools to daemon", zap.String("daemon_url", *url))
	fmt.Fprintf(os.Stderr, "memoryd mcp started (daemon at %s)\n", *url)

	return srv.Run(ctx)
}

// daemonURL is the local address of the HTTP server described by cfg.
func daemonURL(cfg config.ServerConfig) string {
	host := cfg.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Port)
}
