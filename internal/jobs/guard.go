package jobs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// ErrJobRunning is returned when another run of the same job holds the guard.
var ErrJobRunning = errors.New("job already running")

// Guard keeps each job single-flight: an in-process set stops concurrent runs
// inside one binary and a lock file per job stops them across processes.
type Guard struct {
	dir string

	mu      sync.Mutex
	running map[string]struct{}
}

// NewGuard returns a guard that keeps its lock files in dir. An empty dir
// disables the cross-process lock.
func NewGuard(dir string) *Guard {
	return &Guard{dir: dir, running: make(map[string]struct{})}
}

// Acquire claims job or fails with ErrJobRunning. The returned func releases
// the claim.
func (g *Guard) Acquire(job string) (func(), error) {
	g.mu.Lock()
	if _, busy := g.running[job]; busy {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobRunning, job)
	}
	g.running[job] = struct{}{}
	g.mu.Unlock()

	release := func() {
		g.mu.Lock()
		delete(g.running, job)
		g.mu.Unlock()
	}
	if g.dir == "" {
		return release, nil
	}

	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		release()
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	lock := flock.New(filepath.Join(g.dir, job+".lock"))
	ok, err := lock.TryLock()
	if err != nil {
		release()
		return nil, fmt.Errorf("acquire %s lock: %w", job, err)
	}
	if !ok {
		release()
		return nil, fmt.Errorf("%w: %s (locked by another process)", ErrJobRunning, job)
	}
	return func() {
		_ = lock.Unlock()
		release()
	}, nil
}
