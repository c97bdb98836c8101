//go:build !windows

package process

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// collect drains the child's output and returns it together with the exit record.
func collect(t *testing.T, c *Child) (string, string, Exit) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	timeout := time.After(10 * time.Second)
	for {
		select {
		case chunk, ok := <-c.Chunks():
			if !ok {
				select {
				case exit := <-c.Exit():
					return stdout.String(), stderr.String(), exit
				case <-timeout:
					t.Fatal("timed out waiting for exit")
				}
			}
			if chunk.Stream == Stderr {
				stderr.Write(chunk.Data)
			} else {
				stdout.Write(chunk.Data)
			}
		case <-timeout:
			t.Fatal("timed out waiting for output")
		}
	}
}

func TestSpawnBuilder_MissingExecutable_ReturnsErrSpawn(t *testing.T) {
	_, err := NewSpawnBuilder(context.Background()).Build()
	require.ErrorIs(t, err, ErrSpawn)
	require.Contains(t, err.Error(), "executable path is required")
}

func TestSpawnBuilder_NotFound_ReturnsErrSpawn(t *testing.T) {
	_, err := NewSpawnBuilder(context.Background()).
		WithExecutable("/nonexistent/installer", nil).
		Build()
	require.ErrorIs(t, err, ErrSpawn)
}

func TestSpawnBuilder_ProcessActuallyRuns(t *testing.T) {
	c, err := NewSpawnBuilder(context.Background()).
		WithExecutable("/bin/sh", []string{"-c", "echo out; echo err >&2; exit 3"}).
		Build()
	require.NoError(t, err)
	require.Positive(t, c.PID())

	stdout, stderr, exit := collect(t, c)
	require.Equal(t, "out\n", stdout)
	require.Equal(t, "err\n", stderr)
	require.NotNil(t, exit.Code)
	require.Equal(t, 3, *exit.Code)
	require.Empty(t, exit.Signal)
	require.NoError(t, exit.Err)
}

func TestSpawnBuilder_WithEnvAndWorkDir(t *testing.T) {
	dir := t.TempDir()
	c, err := NewSpawnBuilder(context.Background()).
		WithExecutable("/bin/sh", []string{"-c", `printf '%s|%s' "$RELAY_TEST" "$(pwd -P)"`}).
		WithEnv([]string{"RELAY_TEST=yes"}).
		WithWorkDir(dir).
		Build()
	require.NoError(t, err)

	stdout, _, _ := collect(t, c)
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	require.Equal(t, "yes|"+resolved, stdout)
}

func TestSpawnBuilder_WithCommandFactory_AllowsMocking(t *testing.T) {
	var called string
	c, err := NewSpawnBuilder(context.Background()).
		WithExecutable("installer", []string{"install"}).
		WithCommandFactory(func(ctx context.Context, name string, args ...string) *exec.Cmd {
			called = name + " " + strings.Join(args, " ")
			return exec.CommandContext(ctx, "/bin/echo", "mocked")
		}).
		Build()
	require.NoError(t, err)

	stdout, _, _ := collect(t, c)
	require.Equal(t, "installer install", called)
	require.Equal(t, "mocked\n", stdout)
}

func TestChild_WriteLineReachesStdin(t *testing.T) {
	c, err := NewSpawnBuilder(context.Background()).
		WithExecutable("/bin/sh", []string{"-c", `printf 'name? '; read v; echo "got:$v"`}).
		Build()
	require.NoError(t, err)

	require.NoError(t, c.WriteLine("relay"))
	stdout, _, exit := collect(t, c)
	require.Equal(t, "name? got:relay\n", stdout)
	require.Equal(t, 0, *exit.Code)

	require.Error(t, c.WriteLine("late"), "stdin is closed once the child is reaped")
}

func TestChild_TerminateReportsSignal(t *testing.T) {
	c, err := NewSpawnBuilder(context.Background()).
		WithExecutable("/bin/sleep", []string{"30"}).
		Build()
	require.NoError(t, err)

	require.NoError(t, c.Terminate())
	_, _, exit := collect(t, c)
	require.Nil(t, exit.Code)
	require.Equal(t, "SIGTERM", exit.Signal)
	require.Equal(t, "signal SIGTERM", exit.String())
}

func TestChild_SmallReadSizeKeepsBytes(t *testing.T) {
	c, err := NewSpawnBuilder(context.Background()).
		WithExecutable("/bin/sh", []string{"-c", "printf 'abcdefghij'"}).
		WithReadSize(3).
		Build()
	require.NoError(t, err)

	stdout, _, _ := collect(t, c)
	require.Equal(t, "abcdefghij", stdout)
}

func TestIsAlive(t *testing.T) {
	require.True(t, IsAlive(os.Getpid()))
	require.False(t, IsAlive(0))
	require.False(t, IsAlive(-1))

	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	require.NoError(t, cmd.Wait())
	require.False(t, IsAlive(pid))
}

func TestDetachedSpawner_Spawn(t *testing.T) {
	marker := t.TempDir() + "/ran"
	pid, err := DetachedSpawner{Env: []string{"MARKER=" + marker}}.
		Spawn("/bin/sh", []string{"-c", `touch "$MARKER"`})
	require.NoError(t, err)
	require.Positive(t, pid)

	require.Eventually(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDetachedSpawner_MissingBinary(t *testing.T) {
	_, err := DetachedSpawner{}.Spawn("/nonexistent/bin", nil)
	require.ErrorIs(t, err, ErrSpawn)
}
