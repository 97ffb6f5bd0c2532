package rostercsv

import "sync"

// Gate admits one holder at a time and hands off to waiters in arrival
// order. It never times out or drops a waiter.
type Gate struct {
	mu      sync.Mutex
	busy    bool
	waiters []chan struct{}
}

func NewGate() *Gate { return &Gate{} }

func (g *Gate) Acquire() {
	g.mu.Lock()
	if !g.busy {
		g.busy = true
		g.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	g.waiters = append(g.waiters, ch)
	g.mu.Unlock()
	<-ch
}

// Release passes the gate straight to the oldest waiter, if any.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.waiters) == 0 {
		g.busy = false
		return
	}
	next := g.waiters[0]
	g.waiters[0] = nil
	g.waiters = g.waiters[1:]
	close(next)
}

// Queued is the number of callers waiting behind the current holder.
func (g *Gate) Queued() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}

// RunGated runs fn while holding g.
func RunGated[T any](g *Gate, fn func() (T, error)) (T, error) {
	g.Acquire()
	defer g.Release()
	return fn()
}
