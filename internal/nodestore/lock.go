package nodestore

import (
	"context"
	"fmt"
	"sync"
)

// lockRegistry hands out one lock per node UUID. Entries are created on
// first use and kept for the life of the process; the node population on
// a deploy host is small.
type lockRegistry struct {
	mu    sync.Mutex
	locks map[string]*nodeLock
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{locks: make(map[string]*nodeLock)}
}

func (r *lockRegistry) get(uuid string) *nodeLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[uuid]
	if !ok {
		l = &nodeLock{}
		r.locks[uuid] = l
	}
	return l
}

// nodeLock is a readers-writer lock with context-aware acquisition.
// readers counts shared holders; writer marks an exclusive holder.
type nodeLock struct {
	mu      sync.Mutex
	readers int
	writer  bool
	waiters []chan struct{}
}

func (l *nodeLock) acquire(ctx context.Context, shared bool) error {
	for {
		l.mu.Lock()
		free := !l.writer
		if !shared {
			free = free && l.readers == 0
		}
		if free {
			if shared {
				l.readers++
			} else {
				l.writer = true
			}
			l.mu.Unlock()
			return nil
		}
		wait := make(chan struct{})
		l.waiters = append(l.waiters, wait)
		l.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			l.drop(wait)
			return ctx.Err()
		}
	}
}

func (l *nodeLock) release(shared bool) {
	l.mu.Lock()
	if shared {
		l.readers--
	} else {
		l.writer = false
	}
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

func (l *nodeLock) drop(wait chan struct{}) {
	l.mu.Lock()
	for i, w := range l.waiters {
		if w == wait {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
}

// Task is a held reservation on one node. The node snapshot was loaded
// at acquisition time; Save persists changes made through it.
type Task struct {
	Node *Node

	store    *Store
	lock     *nodeLock
	shared   bool
	released bool
}

// Acquire loads the node and takes its lock, shared or exclusive.
// The caller must Release the task when done.
func (s *Store) Acquire(ctx context.Context, uuid string, shared bool) (*Task, error) {
	l := s.locks.get(uuid)
	if err := l.acquire(ctx, shared); err != nil {
		return nil, err
	}
	n, err := s.Get(uuid)
	if err != nil {
		l.release(shared)
		return nil, err
	}
	return &Task{Node: n, store: s, lock: l, shared: shared}, nil
}

// UpgradeLock trades a shared hold for an exclusive one. The lock is
// given up while waiting, so the node snapshot is reloaded afterwards.
func (t *Task) UpgradeLock(ctx context.Context) error {
	if !t.shared {
		return nil
	}
	t.lock.release(true)
	if err := t.lock.acquire(ctx, false); err != nil {
		t.released = true
		return err
	}
	t.shared = false
	n, err := t.store.Get(t.Node.UUID)
	if err != nil {
		t.lock.release(false)
		t.released = true
		return fmt.Errorf("reload after lock upgrade: %w", err)
	}
	t.Node = n
	return nil
}

// Save persists the task's node. Requires an exclusive hold.
func (t *Task) Save() error {
	if t.shared {
		return fmt.Errorf("node %s held shared, refusing write", t.Node.UUID)
	}
	return t.store.Save(t.Node)
}

// Release drops the lock. Safe to call more than once.
func (t *Task) Release() {
	if t.released {
		return
	}
	t.released = true
	t.lock.release(t.shared)
}
