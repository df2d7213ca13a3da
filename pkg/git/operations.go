package git

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Env vars that are allowed to be inherited from the OS
var allowedEnvVars = []string{
	// these are for people using (no) proxies. Git follows the curl conventions, so HTTP_PROXY
	// is intentionally missing
	"http_proxy", "https_proxy", "no_proxy", "HTTPS_PROXY", "NO_PROXY", "GIT_PROXY_COMMAND",
	"HOME", "PATH",
}

// zeroID as the old value to update-ref means the ref must not exist.
const zeroID = "0000000000000000000000000000000000000000"

type gitCmdConfig struct {
	dir string
	env []string
	out io.Writer
}

func initRepo(ctx context.Context, dir string) error {
	if err := execGitCmd(ctx, []string{"init", dir}, gitCmdConfig{}); err != nil {
		return errors.Wrap(err, "git init")
	}
	return nil
}

func config(ctx context.Context, workingDir string, settings map[string]string) error {
	for k, v := range settings {
		args := []string{"config", k, v}
		if err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir}); err != nil {
			return errors.Wrap(err, "setting git config")
		}
	}
	return nil
}

// fetch updates the refs in refspec from the upstream given.
func fetch(ctx context.Context, workingDir string, env []string, upstream string, refspec ...string) error {
	args := append([]string{"fetch", "--no-tags", upstream}, refspec...)
	return execGitCmd(ctx, args, gitCmdConfig{dir: workingDir, env: env})
}

func refExists(ctx context.Context, workingDir, ref string) (bool, error) {
	args := []string{"rev-parse", "--verify", "--quiet", ref + "^{commit}"}
	out := &bytes.Buffer{}
	if err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir, out: out}); err != nil {
		// --quiet exits non-zero with no output for a missing ref
		if out.Len() == 0 && !strings.Contains(err.Error(), "fatal") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Get the commit hash for a reference
func refRevision(ctx context.Context, workingDir, ref string) (string, error) {
	out := &bytes.Buffer{}
	args := []string{"rev-list", "--max-count", "1", ref, "--"}
	if err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir, out: out}); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}

// createRef points ref at rev, only if ref doesn't exist yet. Losing a
// race to create it is not an error.
func createRef(ctx context.Context, workingDir, ref, rev string) error {
	args := []string{"update-ref", ref, rev, zeroID}
	err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir})
	if err != nil && strings.Contains(err.Error(), "already exists") {
		return nil
	}
	return err
}

const changeSetFormat = "%H%x00%an%x00%ae%x00%aI%x00%B"

func changeSetFor(ctx context.Context, workingDir, rev string) (*ChangeSet, error) {
	out := &bytes.Buffer{}
	args := []string{"log", "--max-count", "1", "--format=" + changeSetFormat, rev, "--"}
	if err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir, out: out}); err != nil {
		return nil, err
	}
	return parseChangeSet(out.String())
}

func parseChangeSet(s string) (*ChangeSet, error) {
	fields := strings.SplitN(s, "\x00", 5)
	if len(fields) != 5 {
		return nil, fmt.Errorf("unexpected git log output %q", s)
	}
	when, err := time.Parse(time.RFC3339, fields[3])
	if err != nil {
		return nil, errors.Wrap(err, "parsing commit date")
	}
	return &ChangeSet{
		ID:          fields[0],
		AuthorName:  fields[1],
		AuthorEmail: fields[2],
		Timestamp:   when,
		Message:     strings.TrimSpace(fields[4]),
	}, nil
}

func checkoutForce(ctx context.Context, workingDir, rev string) error {
	args := []string{"checkout", "--force", "--detach", rev, "--"}
	return execGitCmd(ctx, args, gitCmdConfig{dir: workingDir})
}

func clean(ctx context.Context, workingDir string) error {
	args := []string{"clean", "-x", "-d", "-f", "-f"}
	return execGitCmd(ctx, args, gitCmdConfig{dir: workingDir})
}

type threadSafeBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *threadSafeBuffer) Write(p []byte) (n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *threadSafeBuffer) Read(p []byte) (n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Read(p)
}

func (b *threadSafeBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Bytes()
}

func (b *threadSafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// execGitCmd runs a `git` command with the supplied arguments.
func execGitCmd(ctx context.Context, args []string, config gitCmdConfig) error {
	c := exec.CommandContext(ctx, "git", args...)

	if config.dir != "" {
		c.Dir = config.dir
	}
	c.Env = append(env(), config.env...)
	stdOutAndStdErr := &threadSafeBuffer{}
	c.Stdout = stdOutAndStdErr
	c.Stderr = stdOutAndStdErr
	if config.out != nil {
		c.Stdout = io.MultiWriter(c.Stdout, config.out)
	}

	err := c.Run()
	if err != nil {
		if len(stdOutAndStdErr.Bytes()) > 0 {
			err = errors.New(stdOutAndStdErr.String())
			msg := findErrorMessage(stdOutAndStdErr)
			if msg != "" {
				err = fmt.Errorf("%s, full output:\n %s", msg, err.Error())
			}
		}
	}

	if ctx.Err() == context.DeadlineExceeded {
		return errors.Wrap(ctx.Err(), fmt.Sprintf("running git command: %s %v", "git", args))
	} else if ctx.Err() == context.Canceled {
		return errors.Wrap(ctx.Err(), fmt.Sprintf("context was unexpectedly cancelled when running git command: %s %v", "git", args))
	}
	return err
}

func env() []string {
	env := []string{"GIT_TERMINAL_PROMPT=0"}

	// include allowed env vars from os
	for _, k := range allowedEnvVars {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}

	return env
}

func findErrorMessage(output io.Reader) string {
	sc := bufio.NewScanner(output)
	for sc.Scan() {
		switch {
		case strings.HasPrefix(sc.Text(), "fatal: "):
			return sc.Text()
		case strings.HasPrefix(sc.Text(), "ERROR fatal: "): // Saw this error on ubuntu systems
			return sc.Text()
		case strings.HasPrefix(sc.Text(), "error:"):
			return strings.TrimPrefix(sc.Text(), "error: ")
		}
	}
	return ""
}
