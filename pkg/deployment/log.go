package deployment

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
)

// Log is the log kept for a changeset, as JSON lines. It's what an
// operator reads to find out what happened to a deployment.
type Log struct {
	file      *os.File
	logger    log.Logger
	hasErrors int32

	writerOnce sync.Once
	writer     *io.PipeWriter
	done       chan struct{}
}

func OpenLog(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "opening deployment log")
	}
	logger := log.NewJSONLogger(log.NewSyncWriter(f))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	return &Log{file: f, logger: logger}, nil
}

// Log writes an entry. Any entry with a non-nil "err" marks the log as
// having errors.
func (l *Log) Log(keyvals ...interface{}) error {
	for i := 0; i+1 < len(keyvals); i += 2 {
		if keyvals[i] == "err" && keyvals[i+1] != nil {
			atomic.StoreInt32(&l.hasErrors, 1)
		}
	}
	return l.logger.Log(keyvals...)
}

func (l *Log) HasErrors() bool {
	return atomic.LoadInt32(&l.hasErrors) == 1
}

// Writer gives a writer whose every line becomes an "output" entry,
// for the output of build commands.
func (l *Log) Writer() io.Writer {
	l.writerOnce.Do(func() {
		r, w := io.Pipe()
		l.writer = w
		l.done = make(chan struct{})
		go func() {
			defer close(l.done)
			sc := bufio.NewScanner(r)
			sc.Buffer(make([]byte, 64*1024), 1024*1024)
			for sc.Scan() {
				l.logger.Log("output", sc.Text())
			}
			// drain, so writers never block on a line too long to scan
			io.Copy(io.Discard, r)
		}()
	})
	return l.writer
}

func (l *Log) Close() error {
	if l.writer != nil {
		l.writer.Close()
		<-l.done
	}
	return l.file.Close()
}
