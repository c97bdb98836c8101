package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/zjrosen/installrelay/internal/log"
)

// Stream identifies which pipe a chunk came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Chunk is one read from the child's stdout or stderr.
type Chunk struct {
	Stream Stream
	Data   []byte
	At     time.Time
}

// Exit describes how the child terminated. Code is nil when the child was
// killed by a signal.
type Exit struct {
	Code   *int
	Signal string
	Err    error
}

// Child is a running installer process.
//
// Output arrives on Chunks in read order per stream. Exit receives exactly one
// value, after every chunk has been delivered and the process was reaped.
type Child struct {
	ctx    context.Context
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	readSize int
	chunks   chan Chunk
	exit     chan Exit
	pumps    sync.WaitGroup

	mu          sync.Mutex
	stdinClosed bool
}

func newChild(ctx context.Context, cmd *exec.Cmd, stdin io.WriteCloser, stdout, stderr io.ReadCloser, readSize int) *Child {
	return &Child{
		ctx:      ctx,
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		stderr:   stderr,
		readSize: readSize,
		chunks:   make(chan Chunk),
		exit:     make(chan Exit, 1),
	}
}

// PID returns the process id.
func (c *Child) PID() int {
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Chunks returns the output channel. It is closed once both pipes reach EOF.
func (c *Child) Chunks() <-chan Chunk {
	return c.chunks
}

// Exit returns the channel that receives the termination record.
func (c *Child) Exit() <-chan Exit {
	return c.exit
}

// WriteLine writes s followed by a newline to the child's stdin.
func (c *Child) WriteLine(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdinClosed {
		return fmt.Errorf("writing to installer stdin: %w", io.ErrClosedPipe)
	}
	if _, err := io.WriteString(c.stdin, s+"\n"); err != nil {
		return fmt.Errorf("writing to installer stdin: %w", err)
	}
	return nil
}

// CloseStdin closes the child's stdin. Safe to call more than once.
func (c *Child) CloseStdin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stdinClosed {
		return nil
	}
	c.stdinClosed = true
	return c.stdin.Close()
}

// Terminate asks the child to exit gracefully. It does not wait.
func (c *Child) Terminate() error {
	if c.cmd == nil || c.cmd.Process == nil {
		return errors.New("process not started")
	}
	return terminate(c.cmd.Process)
}

func (c *Child) startGoroutines() {
	c.pumps.Add(2)
	go c.pump(Stdout, c.stdout)
	go c.pump(Stderr, c.stderr)
	go c.waitForCompletion()
}

// pump forwards raw reads from r. Bytes are never split or re-joined, so a
// consumer that appends chunks in arrival order reproduces the stream.
func (c *Child) pump(stream Stream, r io.Reader) {
	defer c.pumps.Done()

	buf := make([]byte, c.readSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case c.chunks <- Chunk{Stream: stream, Data: data, At: time.Now()}:
			case <-c.ctx.Done():
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				log.Debug(log.CatSupervisor, "pipe read error", "stream", stream, "error", err)
			}
			return
		}
	}
}

// waitForCompletion reaps the process once both pipes are drained, then
// publishes the exit record.
func (c *Child) waitForCompletion() {
	c.pumps.Wait()
	close(c.chunks)

	err := c.cmd.Wait()
	c.mu.Lock()
	c.stdinClosed = true
	c.mu.Unlock()

	exit := exitFromState(c.cmd)
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		exit.Err = err
	}

	log.Info(log.CatSupervisor, "Installer exited", "pid", c.PID(), "exit", exit)
	c.exit <- exit
}

func (e Exit) String() string {
	switch {
	case e.Signal != "":
		return "signal " + e.Signal
	case e.Code != nil:
		return fmt.Sprintf("code %d", *e.Code)
	default:
		return "unknown"
	}
}

func exitFromState(cmd *exec.Cmd) Exit {
	ps := cmd.ProcessState
	if ps == nil {
		return Exit{}
	}
	if sig := exitSignal(ps); sig != "" {
		return Exit{Signal: sig}
	}
	code := ps.ExitCode()
	return Exit{Code: &code}
}
