package stomp

import "sync"

// syncMap is an implementation of a map that is safe for concurrent usage.
// The client uses it for receipt waiters and live subscriptions, which are
// touched from both the caller's goroutine and the read loop.
type syncMap[K comparable, V any] struct {
	m  map[K]V
	mu sync.RWMutex
}

func newSyncMap[K comparable, V any]() *syncMap[K, V] {
	return &syncMap[K, V]{
		m: make(map[K]V),
	}
}

func (s *syncMap[K, V]) Load(key K) (value V, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok = s.m[key]
	return
}

func (s *syncMap[K, V]) Store(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
}

// LoadAndDelete removes the key and returns the value that was stored.
// It guarantees that the whole operation is atomic, so a receipt waiter
// can only be completed once.
func (s *syncMap[K, V]) LoadAndDelete(key K) (value V, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok = s.m[key]
	delete(s.m, key)
	return
}

func (s *syncMap[K, V]) Delete(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

// Drain removes all entries and returns them.
func (s *syncMap[K, V]) Drain() map[K]V {
	s.mu.Lock()
	defer s.mu.Unlock()
	drained := s.m
	s.m = make(map[K]V)
	return drained
}

func (s *syncMap[K, V]) Range(f func(key K, value V) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.m {
		if !f(k, v) {
			break
		}
	}
}
