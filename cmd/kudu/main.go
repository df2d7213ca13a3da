package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"

	kuduerr "github.com/fluxcd/kudu/pkg/errors"
)

func main() {
	os.Exit(run(os.Args[1:], os.Getenv, os.Stdout, os.Stderr))
}

// run is main, less the process. It returns the exit code.
func run(args []string, getenv func(string) string, stdout, stderr io.Writer) int {
	root := newRoot(getenv, stdout, stderr)
	rootCmd := root.Command()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	cmd, err := rootCmd.ExecuteC()
	if err == nil {
		return kuduerr.ExitSuccess
	}
	if _, ok := err.(usageError); ok {
		fmt.Fprintln(stderr, err)
		fmt.Fprintln(stderr, "")
		fmt.Fprintln(stderr, cmd.UsageString())
		return kuduerr.ExitFailure
	}
	fmt.Fprintf(stderr, "Error: %s\n", err.Error())
	var kerr *kuduerr.Error
	if errors.As(err, &kerr) && kerr.Help != "" {
		fmt.Fprintf(stderr, "\n%s", kerr.Help)
	}
	return kuduerr.ExitCode(err)
}
