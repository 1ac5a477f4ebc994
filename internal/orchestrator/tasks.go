package orchestrator

import (
	"context"
	"sync"
)

// task is the translation work of one message generation. Editing or
// deleting a message invalidates its task; commits check it under mu.
type task struct {
	ctx    context.Context
	cancel context.CancelFunc
	gen    uint64
	refs   int

	mu          sync.Mutex
	invalidated bool
}

// commit runs fn unless the task was invalidated. It reports whether fn ran.
func (t *task) commit(fn func() error) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.invalidated || t.ctx.Err() != nil {
		return false, nil
	}
	return true, fn()
}

func (t *task) live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.invalidated && t.ctx.Err() == nil
}

type taskSet struct {
	base  context.Context
	next  uint64
	tasks map[string]*task

	mu sync.Mutex
}

func newTaskSet(base context.Context) *taskSet {
	return &taskSet{base: base, tasks: make(map[string]*task)}
}

// begin joins the current task of a message, creating it if needed.
// The returned release must be called when the caller is done with it.
func (s *taskSet) begin(messageID string) (*task, func()) {
	s.mu.Lock()
	t, ok := s.tasks[messageID]
	if !ok {
		s.next++
		ctx, cancel := context.WithCancel(s.base)
		t = &task{ctx: ctx, cancel: cancel, gen: s.next}
		s.tasks[messageID] = t
	}
	t.refs++
	s.mu.Unlock()

	return t, sync.OnceFunc(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		t.refs--
		if t.refs > 0 {
			return
		}
		if s.tasks[messageID] == t {
			delete(s.tasks, messageID)
		}
		t.cancel()
	})
}

// invalidate cancels the current task of a message. Commits that already
// hold the task lock finish first, so callers may clean up after it returns.
func (s *taskSet) invalidate(messageID string) bool {
	s.mu.Lock()
	t, ok := s.tasks[messageID]
	delete(s.tasks, messageID)
	s.mu.Unlock()
	if !ok {
		return false
	}

	t.mu.Lock()
	t.invalidated = true
	t.mu.Unlock()
	t.cancel()
	return true
}

func (s *taskSet) inFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// keyedMutex hands out one mutex per key and forgets it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock locks key and returns the matching unlock.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
