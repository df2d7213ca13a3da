// Package trace records what a kudu process did, step by step, for
// whoever has to work out afterwards why a deployment went wrong.
package trace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/fluxcd/kudu/pkg/env"
)

const (
	// FileVar names the trace file, under the trace directory, in
	// place of the default.
	FileVar = "KUDU_TRACE_FILE"

	defaultFile = "trace.log"
)

type Tracer struct {
	logger  log.Logger
	closers []io.Closer
}

// New makes a Tracer writing to logger.
func New(logger log.Logger) *Tracer {
	return &Tracer{logger: logger}
}

// Nop is a Tracer that records nothing.
func Nop() *Tracer {
	return New(log.NewNopLogger())
}

// Open makes a Tracer for the site, writing to the site's trace file
// and to console. If tracing is off, the trace only goes to console.
func Open(e env.Environment, enabled bool, getenv func(string) string, console log.Logger) (*Tracer, error) {
	if !enabled {
		return New(console), nil
	}
	if err := os.MkdirAll(e.TracePath, 0755); err != nil {
		return nil, errors.Wrap(err, "creating trace directory")
	}
	name := getenv(FileVar)
	if name == "" {
		name = defaultFile
	}
	f, err := os.OpenFile(filepath.Join(e.TracePath, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening trace file %s", name)
	}
	fileLogger := log.NewLogfmtLogger(log.NewSyncWriter(f))
	fileLogger = log.With(fileLogger, "ts", log.DefaultTimestampUTC, "request_id", e.RequestID)
	return &Tracer{
		logger:  teeLogger{fileLogger, console},
		closers: []io.Closer{f},
	}, nil
}

func (t *Tracer) Logger() log.Logger {
	return t.logger
}

func (t *Tracer) Trace(keyvals ...interface{}) {
	t.logger.Log(keyvals...)
}

func (t *Tracer) Error(err error) {
	t.logger.Log("err", err, "detail", fmt.Sprintf("%+v", err))
}

// Step marks the start of a step, and returns the func that marks
// its end. Use it as
//
//     defer tracer.Step("Fetching changes", "url", url)()
func (t *Tracer) Step(name string, keyvals ...interface{}) func() {
	started := time.Now()
	t.logger.Log(append([]interface{}{"step", name, "event", "start"}, keyvals...)...)
	return func() {
		t.logger.Log("step", name, "event", "end", "duration", time.Since(started).String())
	}
}

// Run runs fn as a step, recording whether it failed.
func (t *Tracer) Run(name string, fn func() error, keyvals ...interface{}) error {
	end := t.Step(name, keyvals...)
	defer end()
	err := fn()
	if err != nil {
		t.logger.Log("step", name, "err", err)
	}
	return err
}

func (t *Tracer) Close() error {
	var first error
	for _, c := range t.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	t.closers = nil
	return first
}

// teeLogger logs to each of its loggers in turn, returning the first
// error.
type teeLogger []log.Logger

func (t teeLogger) Log(keyvals ...interface{}) error {
	var first error
	for _, l := range t {
		if err := l.Log(keyvals...); err != nil && first == nil {
			first = err
		}
	}
	return first
}
