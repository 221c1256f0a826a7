package exec

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRunner_StreamMergesOutput(t *testing.T) {
	dir := t.TempDir()
	var lines []string
	err := NewCommandRunner().Stream(context.Background(), dir, func(l string) { lines = append(lines, l) },
		"sh", "-c", "echo out; echo err 1>&2; echo done > file.txt")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"out", "err"}, lines)

	_, err = os.Stat(filepath.Join(dir, "file.txt"))
	assert.NoError(t, err, "command runs inside dir")
}

func TestCommandRunner_RunReportsStderr(t *testing.T) {
	out, err := NewCommandRunner().Run(context.Background(), "sh", "-c", "echo '{}'")
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(out))

	_, err = NewCommandRunner().Run(context.Background(), "sh", "-c", "echo boom 1>&2; exit 3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestCommandRunner_StreamExitError(t *testing.T) {
	err := NewCommandRunner().Stream(context.Background(), t.TempDir(), nil, "sh", "-c", "exit 2")
	assert.Error(t, err)
}
