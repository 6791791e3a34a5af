package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/ambiyansyah-risyal/reqflow"
)

// GetOptions holds flags for the get command.
type GetOptions struct {
	Repeat     int
	Concurrent bool
	Cache      string
	Params     []string
	Force      bool
}

// GetResult is the JSON form of one send.
type GetResult struct {
	Key       string `json:"key"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	FromCache bool   `json:"fromCache"`
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GetOptions{}

	cmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Send a GET request through the engine",
		Long: `Send a GET request through the reqflow engine.

With --repeat the request is sent several times; later sends are served from
the cache when the policy allows. With --concurrent the repeats run at once and
share a single transport call.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(rootOpts, opts, args[0], cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Repeat, "repeat", "n", 1, "number of sends")
	cmd.Flags().BoolVar(&opts.Concurrent, "concurrent", false, "run repeats concurrently")
	cmd.Flags().StringVar(&opts.Cache, "cache", "", `cache directives, e.g. "max-age=60, persist"`)
	cmd.Flags().StringArrayVarP(&opts.Params, "param", "p", nil, "query parameter name=value (repeatable)")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "bypass the cache")

	return cmd
}

func runGet(rootOpts *RootOptions, opts *GetOptions, url string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    rootOpts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   rootOpts.Verbose,
	}

	if opts.Repeat < 1 {
		return fmt.Errorf("--repeat must be at least 1")
	}

	methodOpts := make([]reqflow.MethodOption, 0, len(opts.Params)+1)
	for _, p := range opts.Params {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return fmt.Errorf("invalid --param %q: want name=value", p)
		}
		methodOpts = append(methodOpts, reqflow.WithParam(name, value))
	}
	if opts.Cache != "" {
		policy, err := reqflow.ParseCachePolicy(opts.Cache)
		if err != nil {
			return err
		}
		methodOpts = append(methodOpts, reqflow.WithCache(policy))
	}

	m, err := reqflow.Get(url, methodOpts...)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	client, err := newClient(ctx, rootOpts, cmd)
	if err != nil {
		return err
	}
	defer closeClient(client)

	var sendOpts []reqflow.SendOption
	if opts.Force {
		sendOpts = append(sendOpts, reqflow.Force())
	}

	results := make([]GetResult, opts.Repeat)
	send := func(i int) {
		inv := client.Invoke(ctx, m, sendOpts...)
		data, err := inv.Wait(ctx)
		results[i] = GetResult{Key: m.Key(), Data: data, FromCache: inv.FromCache()}
		if err != nil {
			results[i].Error = err.Error()
		}
	}

	if opts.Concurrent {
		var wg sync.WaitGroup
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				send(i)
			}(i)
		}
		wg.Wait()
	} else {
		for i := range results {
			send(i)
		}
	}

	formatter.VerboseLog("sent %s %d time(s)", m, opts.Repeat)

	var failed bool
	for i, r := range results {
		if r.Error != "" {
			failed = true
		}
		if err := formatter.Write(r, formatText(i, r)); err != nil {
			return err
		}
	}
	if failed {
		return fmt.Errorf("request failed")
	}
	return nil
}

func formatText(i int, r GetResult) string {
	source := "network"
	if r.FromCache {
		source = "cache"
	}
	if r.Error != "" {
		return fmt.Sprintf("#%d %s error: %s", i+1, source, r.Error)
	}
	body, err := json.Marshal(r.Data)
	if err != nil {
		body = []byte(fmt.Sprint(r.Data))
	}
	return fmt.Sprintf("#%d %s %s", i+1, source, body)
}
