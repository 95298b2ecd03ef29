// Package runstate implements the process-wide RUNNING/SHUTTING_DOWN
// gate from spec.md §4.9/§5. The dispatcher (C9) waits on it before each
// scrape task and the download engine (C7) before each transfer attempt.
// The rate governor (C3) does not consult it, and a transfer that is
// already streaming is not paused mid-stream; pause/resume (or shutdown)
// takes effect at those two waits only.
package runstate

import "sync"

// Gate is a process-wide pause/resume + shutdown signal.
type Gate struct {
	mu        sync.Mutex
	running   bool
	resumeCh  chan struct{}
	shutdown  bool
	shutdownCh chan struct{}
}

// New returns a Gate in the running state.
func New() *Gate {
	return &Gate{
		running:    true,
		resumeCh:   closedChan(),
		shutdownCh: make(chan struct{}),
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Pause suspends every future Wait call until Resume is called.
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return
	}
	g.running = false
	g.resumeCh = make(chan struct{})
}

// Resume releases every Wait call blocked on the gate.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return
	}
	g.running = true
	close(g.resumeCh)
}

// Wait blocks while the gate is paused. It returns immediately if the
// gate has been shut down, so callers should check ShuttingDown after
// Wait returns.
func (g *Gate) Wait() {
	g.mu.Lock()
	ch := g.resumeCh
	g.mu.Unlock()
	<-ch
}

// Shutdown marks the gate as shutting down and releases any paused
// waiters so they can observe ShuttingDown and unwind.
func (g *Gate) Shutdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shutdown {
		return
	}
	g.shutdown = true
	close(g.shutdownCh)
	if !g.running {
		g.running = true
		close(g.resumeCh)
	}
}

// ShuttingDown reports whether Shutdown has been called.
func (g *Gate) ShuttingDown() bool {
	select {
	case <-g.shutdownCh:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when Shutdown is called, for use in
// select statements alongside context cancellation.
func (g *Gate) Done() <-chan struct{} {
	return g.shutdownCh
}
