package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/s11ngh/supermemory-selfhosted/internal/watch"
)

func (c *cli) watchCmd() *cobra.Command {
	var cfg watch.Config
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Ingest text files from a directory as they change",
		Long: `Watch a directory tree and upload created or changed files.

Include and exclude patterns are doublestar globs relative to <dir>.
.gitignore and .memoryignore in <dir> add excludes.

Examples:
  memctl watch ~/notes --tag notes --initial
  memctl watch . --include 'docs/**/*.md' --exclude '**/drafts/**'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Root = args[0]
			logger, err := c.logger()
			if err != nil {
				return err
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			w, err := watch.New(cfg, cl, logger)
			if err != nil {
				return err
			}
			if err := w.Run(cmd.Context()); err != nil {
				return err
			}
			s := w.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "ingested %d, skipped %d, failed %d\n", s.Ingested, s.Skipped, s.Failed)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.ContainerTag, "tag", "", "container tag for ingested files")
	cmd.Flags().StringSliceVar(&cfg.Includes, "include", nil, "include glob (repeatable, default **/*.md and **/*.txt)")
	cmd.Flags().StringSliceVar(&cfg.Excludes, "exclude", nil, "exclude glob (repeatable)")
	cmd.Flags().DurationVar(&cfg.Debounce, "debounce", 200*time.Millisecond, "quiet period before a changed file is uploaded")
	cmd.Flags().Int64Var(&cfg.MaxBytes, "max-bytes", 1<<20, "skip files larger than this")
	cmd.Flags().BoolVar(&cfg.Initial, "initial", false, "ingest existing files before watching")
	return cmd
}
