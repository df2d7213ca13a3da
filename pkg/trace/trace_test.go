package trace

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxcd/kudu/pkg/env"
)

func TestStep(t *testing.T) {
	var buf bytes.Buffer
	tr := New(log.NewLogfmtLogger(&buf))

	err := tr.Run("Building", func() error { return errors.New("exit status 2") }, "builder", "node")
	assert.EqualError(t, err, "exit status 2")

	out := buf.String()
	assert.Contains(t, out, `step=Building event=start builder=node`)
	assert.Contains(t, out, `err="exit status 2"`)
	assert.Contains(t, out, `event=end`)
}

func TestOpenWritesTraceFile(t *testing.T) {
	for _, c := range []struct {
		override string
		expected string
	}{
		{"", "trace.log"},
		{"push.log", "push.log"},
	} {
		e, err := env.New(filepath.Join(t.TempDir(), "site"), func(string) string { return "" })
		require.NoError(t, err)

		var console bytes.Buffer
		tr, err := Open(e, true, func(k string) string {
			if k == FileVar {
				return c.override
			}
			return ""
		}, log.NewLogfmtLogger(&console))
		require.NoError(t, err)
		tr.Trace("info", "hello")
		require.NoError(t, tr.Close())

		entries, err := os.ReadDir(e.TracePath)
		require.NoError(t, err)
		require.Len(t, entries, 1, c.expected)
		assert.Equal(t, c.expected, entries[0].Name())
		b, err := os.ReadFile(filepath.Join(e.TracePath, c.expected))
		require.NoError(t, err)
		assert.True(t, strings.Contains(string(b), "info=hello"), c.expected)
		assert.Contains(t, console.String(), "info=hello")
	}
}

func TestOpenDisabled(t *testing.T) {
	e, err := env.New(filepath.Join(t.TempDir(), "site"), func(string) string { return "" })
	require.NoError(t, err)
	tr, err := Open(e, false, func(string) string { return "" }, log.NewNopLogger())
	require.NoError(t, err)
	tr.Trace("info", "nothing")
	_, err = os.Stat(e.TracePath)
	assert.True(t, os.IsNotExist(err))
}
