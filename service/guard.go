package service

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"wimctl/config"
	"wimctl/pathres"
)

// ErrInProgress is returned by Guard.Acquire under the fail-fast policy.
var ErrInProgress = errors.New("another operation is in progress on this mount directory")

// Guard serializes mutating operations per mount directory. Entries are
// reference counted and dropped when no caller holds or waits on them.
type Guard struct {
	wait bool

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem  *semaphore.Weighted
	refs int
}

// NewGuard creates a Guard for the given concurrency policy.
func NewGuard(policy string) *Guard {
	return &Guard{
		wait:  policy == config.PolicyWait,
		slots: make(map[string]*slot),
	}
}

// Acquire takes the slot for mountDir. Under fail-fast it returns
// ErrInProgress immediately when the slot is taken; under wait it blocks
// until the slot frees or ctx ends.
func (g *Guard) Acquire(ctx context.Context, mountDir string) (release func(), err error) {
	key := pathres.Key(mountDir)

	g.mu.Lock()
	s, ok := g.slots[key]
	if !ok {
		s = &slot{sem: semaphore.NewWeighted(1)}
		g.slots[key] = s
	}
	s.refs++
	g.mu.Unlock()

	if g.wait {
		err = s.sem.Acquire(ctx, 1)
	} else if !s.sem.TryAcquire(1) {
		err = ErrInProgress
	}
	if err != nil {
		g.unref(key, s)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.sem.Release(1)
			g.unref(key, s)
		})
	}, nil
}

// Busy reports whether an operation currently holds mountDir.
func (g *Guard) Busy(mountDir string) bool {
	g.mu.Lock()
	s, ok := g.slots[pathres.Key(mountDir)]
	g.mu.Unlock()
	if !ok {
		return false
	}
	if s.sem.TryAcquire(1) {
		s.sem.Release(1)
		return false
	}
	return true
}

func (g *Guard) unref(key string, s *slot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(g.slots, key)
	}
}
