package git

import (
	"context"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"
)

// SerialPuller wraps a Puller so that at most one pull runs per working copy.
// Pulls against different directories still run concurrently.
type SerialPuller struct {
	next Puller

	mu    sync.Mutex // guards gates
	gates map[string]*semaphore.Weighted
}

// Serialize returns next guarded by a per-directory lock
func Serialize(next Puller) *SerialPuller {
	return &SerialPuller{
		next:  next,
		gates: make(map[string]*semaphore.Weighted),
	}
}

// Pull waits for any pull already running against dir, then runs its own.
// Giving up while waiting (ctx done) is reported as an *ExecutionError.
func (p *SerialPuller) Pull(ctx context.Context, dir string) (Outcome, error) {
	gate := p.gate(dir)
	if err := gate.Acquire(ctx, 1); err != nil {
		return Outcome{}, &ExecutionError{Op: "wait for running pull", Err: err}
	}
	defer gate.Release(1)

	return p.next.Pull(ctx, dir)
}

func (p *SerialPuller) gate(dir string) *semaphore.Weighted {
	key := filepath.Clean(dir)

	p.mu.Lock()
	defer p.mu.Unlock()

	g, ok := p.gates[key]
	if !ok {
		g = semaphore.NewWeighted(1)
		p.gates[key] = g
	}
	return g
}
