package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/spf13/cobra"

	"github.com/fluxcd/kudu/pkg/env"
	"github.com/fluxcd/kudu/pkg/hooks"
	transport "github.com/fluxcd/kudu/pkg/http"
	"github.com/fluxcd/kudu/pkg/settings"
)

type hooksOpts struct {
	*rootOpts
	events []string
}

func newHooks(parent *rootOpts) *hooksOpts {
	return &hooksOpts{rootOpts: parent}
}

func (opts *hooksOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hooks",
		Short: "Manage the webhooks told about a site's deployments",
	}
	add := &cobra.Command{
		Use:   "add <siteRoot> <url>",
		Short: "Register a webhook",
		Example: `  kudu hooks add /home/apps/myapp/site https://ci.example.com/kudu
  kudu hooks add /home/apps/myapp/site https://chat.example.com/hook --event 'deploy.*'`,
		RunE: opts.add,
	}
	add.Flags().StringSliceVar(&opts.events, "event", nil, "event kinds the hook wants, as glob patterns; all events if not given")
	cmd.AddCommand(
		add,
		&cobra.Command{
			Use:   "remove <siteRoot> <id>",
			Short: "Unregister a webhook",
			RunE:  opts.remove,
		},
		&cobra.Command{
			Use:   "list <siteRoot>",
			Short: "List the registered webhooks",
			RunE:  opts.list,
		},
	)
	return cmd
}

func (opts *hooksOpts) notifier(siteRoot string) (*hooks.Notifier, error) {
	e, err := env.New(siteRoot, opts.getenv)
	if err != nil {
		return nil, err
	}
	s, err := settings.Load(e.DeploymentsPath, opts.getenv)
	if err != nil {
		return nil, err
	}
	logger, err := opts.logger()
	if err != nil {
		return nil, err
	}
	client := transport.NewClient(s.SkipSSLValidation, time.Duration(s.HookTimeout))
	return hooks.NewNotifier(e, client, log.With(logger, "cmd", "hooks")), nil
}

func (opts *hooksOpts) add(cmd *cobra.Command, args []string) error {
	if len(args) != 2 {
		return newUsageError("expected a site root and a webhook URL")
	}
	n, err := opts.notifier(args[0])
	if err != nil {
		return err
	}
	h, err := n.Register(context.Background(), hooks.Hook{URL: args[1], Events: opts.events})
	if err != nil {
		return err
	}
	fmt.Fprintln(opts.stdout, h.ID)
	return nil
}

func (opts *hooksOpts) remove(cmd *cobra.Command, args []string) error {
	if len(args) != 2 {
		return newUsageError("expected a site root and a webhook id")
	}
	n, err := opts.notifier(args[0])
	if err != nil {
		return err
	}
	return n.Unregister(context.Background(), args[1])
}

func (opts *hooksOpts) list(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return newUsageError("expected a site root")
	}
	n, err := opts.notifier(args[0])
	if err != nil {
		return err
	}
	registered, err := n.List(context.Background())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(opts.stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tURL\tEVENTS\n")
	for _, h := range registered {
		events := "*"
		if len(h.Events) > 0 {
			events = strings.Join(h.Events, ",")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", h.ID, h.URL, events)
	}
	return w.Flush()
}
