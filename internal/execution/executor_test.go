package execution

import (
	"bytes"
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"

	"stateguard/internal/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipWithoutShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestExecutor_RunCapturesStdoutAndEnv(t *testing.T) {
	skipWithoutShell(t)

	var out bytes.Buffer
	executor := NewExecutor(logging.NewNopLogger(), 0)

	err := executor.Run(context.Background(), Command{
		Name:   "sh",
		Args:   []string{"-c", "printf %s \"$SG_TEST_VALUE\""},
		Env:    []string{"SG_TEST_VALUE=hello"},
		Stdout: &out,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", out.String())
}

func TestExecutor_RunReadsStdin(t *testing.T) {
	skipWithoutShell(t)

	var out bytes.Buffer
	err := NewExecutor(nil, 0).Run(context.Background(), Command{
		Name:   "cat",
		Stdin:  strings.NewReader("piped"),
		Stdout: &out,
	})
	require.NoError(t, err)
	assert.Equal(t, "piped", out.String())
}

func TestExecutor_RunFailureCapturesStderr(t *testing.T) {
	skipWithoutShell(t)

	err := NewExecutor(nil, 0).Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo 'access denied for user' >&2; exit 3"},
	})
	require.Error(t, err)

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 3, cmdErr.ExitCode)
	assert.Contains(t, cmdErr.Stderr, "access denied for user")
	assert.Contains(t, cmdErr.Error(), "exited with status 3")
}

func TestExecutor_RunMissingBinary(t *testing.T) {
	err := NewExecutor(nil, 0).Run(context.Background(), Command{Name: "definitely-not-a-real-tool-xyz"})
	require.Error(t, err)

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, -1, cmdErr.ExitCode)
}

func TestCommandString(t *testing.T) {
	cmd := Command{Name: "mysqldump", Args: []string{"--host", "db", "booking"}, Env: []string{"MYSQL_PWD=secret"}}
	assert.Equal(t, "mysqldump --host db booking", cmd.String())
	assert.NotContains(t, cmd.String(), "secret")
}

func TestLimitedBuffer(t *testing.T) {
	b := &limitedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "abcd", b.String())
}
