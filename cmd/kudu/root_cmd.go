package main

import (
	"io"
	"os"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/spf13/cobra"
)

type rootOpts struct {
	LogFormat string

	getenv func(string) string
	stdout io.Writer
	stderr io.Writer
}

func newRoot(getenv func(string) string, stdout, stderr io.Writer) *rootOpts {
	if getenv == nil {
		getenv = os.Getenv
	}
	return &rootOpts{getenv: getenv, stdout: stdout, stderr: stderr}
}

var rootLongHelp = strings.TrimSpace(`
kudu deploys a site from its git repository.

It is started by the site repository's post-receive hook, or by a build
worker pod, and runs one deployment before exiting.

  kudu run /home/apps/myapp/site app.csproj     # deploy the site repository
  kudu run /home/apps/myapp/site https://...    # (as a build worker) fetch and deploy
  kudu hooks list /home/apps/myapp/site         # webhooks told about deployments
`)

func (opts *rootOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "kudu",
		Long:          rootLongHelp,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "fmt", "change the log format (fmt or json)")

	cmd.AddCommand(
		newRun(opts).Command(),
		newHooks(opts).Command(),
		newVersionCommand(),
	)
	return cmd
}

// logger is the console logger, which writes to stderr; stdout is
// kept for what the person pushing needs to see.
func (opts *rootOpts) logger() (log.Logger, error) {
	var logger log.Logger
	switch opts.LogFormat {
	case "fmt":
		logger = log.NewLogfmtLogger(log.NewSyncWriter(opts.stderr))
	case "json":
		logger = log.NewJSONLogger(log.NewSyncWriter(opts.stderr))
	default:
		return nil, newUsageError("unknown log format " + opts.LogFormat + ", expected fmt or json")
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)
	return logger, nil
}
