package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// PurgeOptions holds flags for cache purge.
type PurgeOptions struct {
	Where string
	Tag   string
}

// NewCacheCommand creates the cache command group.
func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the durable cache",
	}
	cmd.AddCommand(newPurgeCommand(rootOpts))
	return cmd
}

func newPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PurgeOptions{}

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove cache entries matching a CEL expression or tag",
		Long: `Remove cache entries from every configured tier.

--where takes a CEL expression over "entry" (key, verb, url, name, tag, mode,
stored_at, expire_at) and "now" (unix milliseconds), for example:

  reqflow cache purge --where 'entry.url.startsWith("/widgets")'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Where, "where", "", "CEL predicate selecting entries")
	cmd.Flags().StringVar(&opts.Tag, "tag", "", "remove entries stored under this tag")

	return cmd
}

func runPurge(rootOpts *RootOptions, opts *PurgeOptions, cmd *cobra.Command) error {
	if (opts.Where == "") == (opts.Tag == "") {
		return fmt.Errorf("exactly one of --where or --tag is required")
	}

	formatter := &OutputFormatter{
		Format:    rootOpts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   rootOpts.Verbose,
	}

	ctx := cmd.Context()
	client, err := newClient(ctx, rootOpts, cmd)
	if err != nil {
		return err
	}
	defer closeClient(client)

	var removed int
	if opts.Tag != "" {
		removed = client.Cache().InvalidateTag(ctx, opts.Tag)
	} else {
		removed, err = client.Cache().InvalidateExpr(ctx, opts.Where)
		if err != nil {
			return err
		}
	}

	return formatter.Write(map[string]int{"removed": removed}, fmt.Sprintf("removed %d entries", removed))
}
