package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/s11ngh/supermemory-selfhosted/internal/capture"
	"github.com/s11ngh/supermemory-selfhosted/pkg/plugin"
)

// hookFlags are shared by recall and capture.
type hookFlags struct {
	tag       string
	minScore  float64
	max       int
	allowlist string
}

func (f *hookFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.tag, "tag", "", "container tag")
	cmd.Flags().Float64Var(&f.minScore, "min-score", plugin.DefaultMinScore, "recall threshold")
	cmd.Flags().IntVar(&f.max, "max", plugin.DefaultMaxResults, "maximum recalled memories")
	cmd.Flags().StringVar(&f.allowlist, "allowlist", capture.DefaultAllowlistPath(), "secret allowlist and capture patterns (TOML)")
}

func (c *cli) hooks(f *hookFlags) (*plugin.Hooks, error) {
	allow, err := capture.LoadAllowlist(f.allowlist)
	if err != nil {
		return nil, err
	}
	logger, err := c.logger()
	if err != nil {
		return nil, err
	}
	cl, err := c.client()
	if err != nil {
		return nil, err
	}
	cfg := plugin.DefaultConfig()
	cfg.ContainerTag = f.tag
	cfg.MinScore = f.minScore
	cfg.MaxResults = f.max
	cfg.Allowlist = allow
	return plugin.New(cl, cfg, logger)
}

func (c *cli) recallCmd() *cobra.Command {
	f := &hookFlags{}
	cmd := &cobra.Command{
		Use:   "recall [prompt|-]",
		Short: "Print the memory context block for a prompt",
		Long: `Print the <relevant-memories> block an agent would receive before a turn.
Prints nothing when no memory clears --min-score.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readContent(cmd, args)
			if err != nil {
				return err
			}
			h, err := c.hooks(f)
			if err != nil {
				return err
			}
			if block := h.BeforeTurn(cmd.Context(), prompt); block != "" {
				fmt.Fprintln(cmd.OutOrStdout(), block)
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func (c *cli) captureCmd() *cobra.Command {
	f := &hookFlags{}
	cmd := &cobra.Command{
		Use:   "capture [text|-]",
		Short: "Store text if it looks worth remembering",
		Long: `Run the auto-capture heuristic over text. When a pattern matches, secrets
are redacted and the text is stored.

Examples:
  memctl capture "remember that staging uses port 8443"
  echo "I prefer short commit messages" | memctl capture -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readContent(cmd, args)
			if err != nil {
				return err
			}
			h, err := c.hooks(f)
			if err != nil {
				return err
			}
			if h.AfterTurn(cmd.Context(), text) {
				fmt.Fprintln(cmd.OutOrStdout(), "captured")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "not captured")
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}
