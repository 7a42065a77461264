// Package grouplock serializes writers of the same bucket/section group.
package grouplock

import (
	"context"
	"slices"
	"sync"
)

// Locker acquires every key or none. The returned release func is safe to
// call more than once.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (release func(), err error)
}

// normalize sorts and dedupes keys so multi-key callers cannot deadlock.
func normalize(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}

type slot struct {
	ch   chan struct{}
	refs int
}

// Local is an in-process Locker. The zero value is not usable; use NewLocal.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

func NewLocal() *Local {
	return &Local{slots: map[string]*slot{}}
}

func (l *Local) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *Local) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *Local) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalize(keys)
	held := make([]string, 0, len(keys))

	unlock := func() {
		for i := len(held) - 1; i >= 0; i-- {
			k := held[i]
			l.mu.Lock()
			s := l.slots[k]
			l.mu.Unlock()
			<-s.ch
			l.unref(k)
		}
		held = held[:0]
	}

	for _, k := range keys {
		s := l.ref(k)
		select {
		case s.ch <- struct{}{}:
			held = append(held, k)
		case <-ctx.Done():
			l.unref(k)
			unlock()
			return nil, ctx.Err()
		}
	}
	var once sync.Once
	return func() { once.Do(unlock) }, nil
}

// size is the number of keys with waiters or holders.
func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
