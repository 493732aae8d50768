package pipeline

import "sync/atomic"

// slot is a single-writer, atomically swapped snapshot holder. Readers never
// observe a partially updated value: writers publish a fresh copy and the
// pointer swap is the only synchronization.
type slot[T any] struct {
	p atomic.Pointer[T]
}

func (s *slot[T]) set(v T) {
	s.p.Store(&v)
}

func (s *slot[T]) get() (T, bool) {
	p := s.p.Load()
	if p == nil {
		var zero T
		return zero, false
	}
	return *p, true
}

func (s *slot[T]) clear() {
	s.p.Store(nil)
}
