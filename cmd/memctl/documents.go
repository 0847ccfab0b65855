package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/s11ngh/supermemory-selfhosted/pkg/client"
)

func (c *cli) addCmd() *cobra.Command {
	var tag, metadata string
	cmd := &cobra.Command{
		Use:   "add [content|-]",
		Short: "Store a document",
		Long: `Store a document. Content is read from stdin when omitted or "-".

Examples:
  memctl add "prefers tabs over spaces" --tag personal
  git log -1 --format=%B | memctl add - --metadata '{"source":"git"}'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(cmd, args)
			if err != nil {
				return err
			}
			meta, err := parseMetadata(metadata)
			if err != nil {
				return err
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			added, err := cl.AddDocument(cmd.Context(), client.NewDocument{
				Content:      content,
				Metadata:     meta,
				ContainerTag: tag,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), added)
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "container tag (server default when empty)")
	cmd.Flags().StringVar(&metadata, "metadata", "", "metadata as a JSON object")
	return cmd
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			doc, err := cl.GetDocument(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), doc)
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	var opts client.ListOptions
	var processing bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			if processing {
				docs, err := cl.Processing(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), docs)
			}
			list, err := cl.ListDocuments(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), list)
		},
	}
	cmd.Flags().StringVar(&opts.ContainerTag, "tag", "", "only this container tag")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "page size (server default when 0)")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "rows to skip")
	cmd.Flags().BoolVar(&processing, "processing", false, "list documents still processing")
	return cmd
}

func (c *cli) updateCmd() *cobra.Command {
	var content, metadata string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Replace content and/or merge metadata",
		Long: `Replace content and/or merge metadata. Metadata keys are merged shallowly
into the existing metadata.

Examples:
  memctl update 3f2a... --content "new text"
  memctl update 3f2a... --metadata '{"reviewed":true}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := parseMetadata(metadata)
			if err != nil {
				return err
			}
			var u client.Update
			if cmd.Flags().Changed("content") {
				u.Content = &content
			}
			u.Metadata = meta
			if u.Content == nil && u.Metadata == nil {
				return fmt.Errorf("nothing to update: pass --content or --metadata")
			}
			cl, err := c.client()
			if err != nil {
				return err
			}
			if err := cl.UpdateDocument(cmd.Context(), args[0], u); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "new content")
	cmd.Flags().StringVar(&metadata, "metadata", "", "metadata patch as a JSON object")
	return cmd
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete documents by id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				if err := cl.DeleteDocument(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			}
			deleted, err := cl.DeleteDocuments(cmd.Context(), args)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d of %d\n", len(deleted), len(args))
			return nil
		},
	}
}

func (c *cli) uploadCmd() *cobra.Command {
	var tag, metadata string
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Store a text file as a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := parseMetadata(metadata)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to read file %s: %w", args[0], err)
			}
			defer f.Close()

			cl, err := c.client()
			if err != nil {
				return err
			}
			added, err := cl.UploadFile(cmd.Context(), filepath.Base(args[0]), f, tag, meta)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), added)
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "container tag")
	cmd.Flags().StringVar(&metadata, "metadata", "", "metadata as a JSON object")
	return cmd
}
