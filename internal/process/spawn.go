// Package process runs the wrapped installer and other helper processes.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/zjrosen/installrelay/internal/log"
)

// ErrSpawn is returned when a process could not be started.
var ErrSpawn = errors.New("spawn failed")

// defaultReadSize is the largest chunk delivered by a single pipe read.
const defaultReadSize = 32 * 1024

// CommandFactoryFunc creates an exec.Cmd. Tests use it to substitute commands.
type CommandFactoryFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// SpawnBuilder configures and starts an interactive child process with all
// three standard streams piped.
type SpawnBuilder struct {
	ctx            context.Context
	execPath       string
	args           []string
	workDir        string
	env            []string
	readSize       int
	commandFactory CommandFactoryFunc
}

// NewSpawnBuilder creates a new SpawnBuilder bound to ctx. Cancelling ctx
// kills the child.
func NewSpawnBuilder(ctx context.Context) *SpawnBuilder {
	return &SpawnBuilder{
		ctx:      ctx,
		readSize: defaultReadSize,
	}
}

// WithExecutable sets the executable path and arguments.
func (b *SpawnBuilder) WithExecutable(path string, args []string) *SpawnBuilder {
	b.execPath = path
	b.args = args
	return b
}

// WithWorkDir sets the working directory for the process.
func (b *SpawnBuilder) WithWorkDir(dir string) *SpawnBuilder {
	b.workDir = dir
	return b
}

// WithEnv sets additional environment variables to append to os.Environ().
// Variables are in the format "KEY=VALUE".
func (b *SpawnBuilder) WithEnv(env []string) *SpawnBuilder {
	b.env = env
	return b
}

// WithReadSize caps the size of each output chunk.
func (b *SpawnBuilder) WithReadSize(n int) *SpawnBuilder {
	if n > 0 {
		b.readSize = n
	}
	return b
}

// WithCommandFactory sets a custom command factory for testing.
func (b *SpawnBuilder) WithCommandFactory(fn CommandFactoryFunc) *SpawnBuilder {
	b.commandFactory = fn
	return b
}

// Build starts the process and its output pumps. Every failure wraps ErrSpawn.
// On error, all created resources are cleaned up.
func (b *SpawnBuilder) Build() (*Child, error) {
	if b.execPath == "" {
		return nil, fmt.Errorf("%w: executable path is required", ErrSpawn)
	}
	ctx := b.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	var cmd *exec.Cmd
	if b.commandFactory != nil {
		cmd = b.commandFactory(ctx, b.execPath, b.args...)
	} else {
		// #nosec G204 -- the installer command comes from configuration
		cmd = exec.CommandContext(ctx, b.execPath, b.args...)
	}
	cmd.Dir = b.workDir
	if len(b.env) > 0 {
		cmd.Env = append(os.Environ(), b.env...)
	}

	var stdin io.WriteCloser
	var stdout, stderr io.ReadCloser
	cleanup := func() {
		for _, c := range []io.Closer{stdin, stdout, stderr} {
			if c != nil {
				_ = c.Close()
			}
		}
	}

	var err error
	if stdin, err = cmd.StdinPipe(); err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: creating stdin pipe: %w", ErrSpawn, err)
	}
	if stdout, err = cmd.StdoutPipe(); err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: creating stdout pipe: %w", ErrSpawn, err)
	}
	if stderr, err = cmd.StderrPipe(); err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: creating stderr pipe: %w", ErrSpawn, err)
	}

	log.Debug(log.CatSupervisor, "Spawning installer",
		"execPath", b.execPath,
		"args", b.args,
		"workDir", b.workDir)

	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: starting %s: %w", ErrSpawn, b.execPath, err)
	}

	child := newChild(ctx, cmd, stdin, stdout, stderr, b.readSize)
	child.startGoroutines()

	log.Info(log.CatSupervisor, "Installer started", "pid", child.PID())
	return child, nil
}
