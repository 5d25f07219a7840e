// Package keylock provides mutual exclusion scoped to a logical key (an entity id or a cohort key).
//
// Writers on different keys never contend. The in-process implementation serves a single
// instance; RedisLocker extends the same guarantee across instances sharing one ledger store.
package keylock

import (
	"context"
	"sync"
)

// Locker acquires an exclusive hold on key. The returned release func must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// KeyedMutex is an in-process Locker. Idle keys are dropped so the map does not grow without bound.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch      chan struct{}
	waiters int
}

// New returns an empty KeyedMutex.
func New() *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*slot)}
}

// Lock blocks until key is free or ctx is done.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.waiters++
	k.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		k.leave(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			k.leave(key, s)
		})
	}, nil
}

func (k *KeyedMutex) leave(key string, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.waiters--
	if s.waiters == 0 {
		delete(k.slots, key)
	}
}

// Len returns the number of keys currently held or waited on.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}

// Prefixed namespaces every key of an underlying Locker.
type Prefixed struct {
	Locker Locker
	Prefix string
}

func (p Prefixed) Lock(ctx context.Context, key string) (func(), error) {
	return p.Locker.Lock(ctx, p.Prefix+key)
}
