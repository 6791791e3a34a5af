// Package cli implements the reqflow command line tool.
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ambiyansyah-risyal/reqflow"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Config  string
	BaseURL string
	Verbose bool
	Format  string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the reqflow CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "reqflow",
		Short: "reqflow - cached, de-duplicated requests from the shell",
		Long:  "Send requests through the reqflow engine and manage its durable cache.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.BaseURL, "base-url", "", "base URL for relative request URLs")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewCacheCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// newClient builds a client from the config file (if any) and global flags.
func newClient(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*reqflow.Client, error) {
	cfg := reqflow.DefaultConfig()
	if opts.Config != "" {
		loaded, err := reqflow.LoadConfig(opts.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.Verbose {
		cfg.Logging = reqflow.LoggingConfig{Enabled: true, Level: "debug", Format: "console"}
	}

	logger := reqflow.NewLogger(cfg.Logging, cmd.ErrOrStderr())
	return reqflow.NewFromConfig(ctx, cfg, reqflow.WithLogger(logger))
}

func closeClient(client *reqflow.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return client.Close(ctx)
}
