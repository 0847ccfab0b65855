// Package main implements memctl, a command-line client for memoryd.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/s11ngh/supermemory-selfhosted/internal/logging"
	"github.com/s11ngh/supermemory-selfhosted/pkg/client"
)

// Version information (set via ldflags during build)
var version = "dev"

const defaultURL = "http://localhost:8787"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// cli holds the persistent flags shared by every command.
type cli struct {
	url     string
	apiKey  string
	timeout time.Duration
	verbose bool
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "memctl",
		Short: "CLI for the memoryd semantic memory server",
		Long: `memctl talks to a running memoryd over HTTP.

The server URL and API key default to $MEMCTL_URL and $MEMCTL_API_KEY.

Examples:
  # Store a memory
  memctl add "we deploy on fridays only after 2pm" --tag team

  # Search it back
  memctl search "when do we deploy" --tag team`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.PersistentFlags().StringVar(&c.url, "url", envOr("MEMCTL_URL", defaultURL), "memoryd base URL")
	root.PersistentFlags().StringVar(&c.apiKey, "api-key", os.Getenv("MEMCTL_API_KEY"), "bearer token for /v3 and /v4")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "debug logging on stderr")

	root.AddCommand(
		c.healthCmd(),
		c.addCmd(),
		c.getCmd(),
		c.listCmd(),
		c.updateCmd(),
		c.deleteCmd(),
		c.uploadCmd(),
		c.searchCmd(),
		c.forgetCmd(),
		c.settingsCmd(),
		c.recallCmd(),
		c.captureCmd(),
		c.watchCmd(),
	)
	return root
}

func (c *cli) client() (*client.Client, error) {
	return client.New(c.url, client.WithAPIKey(c.apiKey), client.WithTimeout(c.timeout))
}

// logger writes console logs to stderr so stdout stays parseable.
func (c *cli) logger() (*logging.Logger, error) {
	level := "warn"
	if c.verbose {
		level = "debug"
	}
	cfg, err := logging.FromSettings(level, "console")
	if err != nil {
		return nil, err
	}
	cfg.Output.Stdout = false
	cfg.Output.Stderr = true
	return logging.NewLogger(cfg, nil)
}

func (c *cli) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check memoryd server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			h, err := cl.Health(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", c.url, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", h.Status)
			fmt.Fprintf(cmd.OutOrStdout(), "Server Version: %s\n", h.Version)
			fmt.Fprintf(cmd.OutOrStdout(), "Server URL: %s\n", c.url)
			return nil
		},
	}
}

// readContent returns args[0], or stdin when args is empty or "-".
func readContent(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("failed to read from stdin: %w", err)
	}
	return string(data), nil
}

// parseMetadata decodes a JSON object flag value. Empty yields nil.
func parseMetadata(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("metadata must be a JSON object: %w", err)
	}
	return m, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
