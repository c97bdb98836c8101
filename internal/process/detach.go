package process

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/zjrosen/installrelay/internal/log"
)

// DetachedSpawner starts background processes that outlive the caller.
type DetachedSpawner struct {
	// Env is appended to os.Environ().
	Env []string
	// Dir is the working directory; empty inherits the caller's.
	Dir string
}

// Spawn starts path with args in a new session with all standard streams
// discarded, and returns its pid. The caller does not wait for it.
func (s DetachedSpawner) Spawn(path string, args []string) (int, error) {
	// #nosec G204 -- path is the running executable
	cmd := exec.Command(path, args...)
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("%w: starting %s: %w", ErrSpawn, path, err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		log.Warn(log.CatClient, "releasing detached process", "pid", pid, "error", err)
	}

	log.Debug(log.CatClient, "Spawned detached process", "path", path, "args", args, "pid", pid)
	return pid, nil
}
