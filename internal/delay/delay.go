// Package delay schedules one-shot deferred tasks. Tasks are held in
// memory only; pending tasks are lost on process restart, which
// callers must tolerate.
package delay

import (
	"context"
	"sync"
	"time"
)

type Scheduler struct {
	mu      sync.Mutex
	pending map[*time.Timer]struct{}
	stopped bool

	wg sync.WaitGroup
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		pending: make(map[*time.Timer]struct{}),
	}
}

// After runs task once after d. The task receives a background context
// because it outlives the request that armed it.
func (s *Scheduler) After(d time.Duration, task func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	s.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		defer s.wg.Done()

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		delete(s.pending, t)
		s.mu.Unlock()

		task(context.Background())
	})
	s.pending[t] = struct{}{}
}

// Shutdown cancels pending tasks and waits for any currently running
// task to finish.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for t := range s.pending {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.pending, t)
	}
	s.mu.Unlock()

	s.wg.Wait()
}
