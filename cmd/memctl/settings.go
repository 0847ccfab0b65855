package main

import (
	"github.com/spf13/cobra"
)

func (c *cli) settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change server settings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the settings object",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			s, err := cl.Settings(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <json>",
		Short: "Merge a JSON object into the settings",
		Long: `Merge a JSON object into the settings. Top-level keys replace existing ones.

Example:
  memctl settings set '{"autoCapture":false}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch, err := parseMetadata(args[0])
			if err != nil {
				return err
			}
			if patch == nil {
				patch = map[string]any{}
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			s, err := cl.UpdateSettings(cmd.Context(), patch)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	})
	return cmd
}
