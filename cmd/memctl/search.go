package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/s11ngh/supermemory-selfhosted/pkg/client"
)

func (c *cli) searchCmd() *cobra.Command {
	var (
		tag       string
		limit     int
		threshold float64
		v4        bool
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Semantic search over stored documents",
		Long: `Semantic search over stored documents.

By default the v3 response is printed. --v4 prints the memory-shaped
response instead.

Examples:
  memctl search "deployment policy" --tag team --limit 3
  memctl search "editor preferences" --threshold 0.55 --v4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := client.SearchRequest{Q: args[0], ContainerTag: tag}
			if cmd.Flags().Changed("limit") {
				req.Limit = &limit
			}
			if cmd.Flags().Changed("threshold") {
				req.Threshold = &threshold
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			if v4 {
				mems, err := cl.SearchMemories(cmd.Context(), req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"memories": mems})
			}
			res, err := cl.Search(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "only this container tag")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum results")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "minimum similarity score")
	cmd.Flags().BoolVar(&v4, "v4", false, "use the v4 memory search route")
	return cmd
}

func (c *cli) forgetCmd() *cobra.Command {
	var tag string
	cmd := &cobra.Command{
		Use:   "forget [id...]",
		Short: "Delete memories by id or by container tag",
		Long: `Delete memories by id, or every memory in a container tag.
Ids take precedence when both are given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && tag == "" {
				return fmt.Errorf("pass memory ids or --tag")
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			n, err := cl.Forget(cmd.Context(), client.ForgetRequest{IDs: args, ContainerTag: tag})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "forgot %d\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "forget every memory with this tag")
	return cmd
}
