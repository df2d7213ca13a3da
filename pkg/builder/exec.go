package builder

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"os/exec"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/go-kit/kit/log"
)

// Executor runs the commands a build needs.
type Executor interface {
	Run(ctx context.Context, dir string, env []string, name string, args ...string) error
}

// CommandExecutor runs commands as child processes, sending their
// output to Output.
type CommandExecutor struct {
	Output  io.Writer
	Logger  log.Logger
	Timeout time.Duration
}

func (e CommandExecutor) Run(ctx context.Context, dir string, env []string, name string, args ...string) error {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	out := e.Output
	if out == nil {
		out = ioutil.Discard
	}
	commandLine := shellescape.QuoteCommand(append([]string{name}, args...))
	if e.Logger != nil {
		e.Logger.Log("exec", commandLine, "dir", dir)
	}

	// the tail of the output goes into the error, so the reason a
	// build failed is on the status record
	tail := &tailBuffer{max: 512}
	c := exec.CommandContext(ctx, name, args...)
	c.Dir = dir
	c.Env = append(os.Environ(), env...)
	combined := io.MultiWriter(out, tail)
	c.Stdout = combined
	c.Stderr = combined
	err := c.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%s timed out after %s", commandLine, e.Timeout)
	}
	if err != nil {
		if msg := strings.TrimSpace(tail.String()); msg != "" {
			return fmt.Errorf("%s: %v: %s", commandLine, err, msg)
		}
		return fmt.Errorf("%s: %v", commandLine, err)
	}
	return nil
}

type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}
