// Package downloader bounds the number of concurrent downloads.
package downloader

import "sync"

// Semaphore limits the number of simultaneous acquisitions.
//
// It uses a sync.Cond, so it's slower than a channel based semaphore, but it supports an unlimited
// capacity. That doesn't matter for coarse resources like file downloads.
type Semaphore struct {
	cond              sync.Cond
	capacity, current int
}

// NewSemaphore returns a Semaphore that allows at most capacity simultaneous acquisitions.
// If capacity <= 0, there is no limit on acquisitions.
func NewSemaphore(capacity int) *Semaphore {
	return &Semaphore{
		cond:     sync.Cond{L: &sync.Mutex{}},
		capacity: capacity,
	}
}

// Acquire blocks until a resource is available.
// It must be matched by exactly one call to Semaphore.Release.
func (s *Semaphore) Acquire() {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	for s.capacity > 0 && s.current >= s.capacity {
		s.cond.Wait()
	}
	s.current++
}

// Release resource previously allocated with Semaphore.Acquire.
func (s *Semaphore) Release() {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	s.current--
	s.cond.Signal()
}

// Group runs functions in goroutines, at most Semaphore capacity at a time, and collects their errors.
type Group struct {
	semaphore *Semaphore
	wg        sync.WaitGroup
	mu        sync.Mutex
	errs      []error
}

// NewGroup creates a Group running at most maxParallel functions at a time (no limit if <= 0).
func NewGroup(maxParallel int) *Group {
	return &Group{semaphore: NewSemaphore(maxParallel)}
}

// Go runs fn in a new goroutine, once the semaphore allows it. It blocks while the group is at capacity.
func (g *Group) Go(fn func() error) {
	g.semaphore.Acquire()
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.semaphore.Release()
		if err := fn(); err != nil {
			g.mu.Lock()
			g.errs = append(g.errs, err)
			g.mu.Unlock()
		}
	}()
}

// Wait for all functions started with Go, and return the errors they returned, in completion order.
func (g *Group) Wait() []error {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.errs
}
