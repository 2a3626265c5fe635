// Package stream provides a small push-based observer abstraction used to
// compose the host's reactive state.
//
// Every operator is synchronous: a value pushed into a Subject is delivered to
// each subscriber before Next returns. Nothing is buffered; only the latest
// value of each Subject is retained, so late subscribers observe the current
// state and never a history of it.
package stream

import (
	"sync"
)

// Source is anything that can be observed.
type Source[T any] interface {
	// Subscribe registers fn to receive values. The returned function cancels
	// the subscription and is safe to call more than once.
	Subscribe(fn func(T)) (cancel func())
}

// SourceFunc adapts a plain function to the Source interface.
type SourceFunc[T any] func(fn func(T)) (cancel func())

// Subscribe implements Source.
func (f SourceFunc[T]) Subscribe(fn func(T)) (cancel func()) {
	return f(fn)
}

// Subject is a latest-value source. Subscribers receive the current value
// immediately (if one has been pushed), then every subsequent value.
type Subject[T any] struct {
	mu         sync.Mutex
	listeners  map[int]func(T)
	nextListID int
	value      T
	hasValue   bool
}

// NewSubject creates an empty Subject; subscribers receive nothing until the
// first call to Next.
func NewSubject[T any]() *Subject[T] {
	return &Subject[T]{
		listeners:  make(map[int]func(T)),
		nextListID: 1,
	}
}

// NewSubjectWith creates a Subject seeded with an initial value.
func NewSubjectWith[T any](initial T) *Subject[T] {
	s := NewSubject[T]()
	s.value = initial
	s.hasValue = true
	return s
}

// Next replaces the current value and notifies all subscribers, in
// subscription order.
func (s *Subject[T]) Next(v T) {
	s.mu.Lock()
	s.value = v
	s.hasValue = true
	listeners := s.snapshotListeners()
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(v)
	}
}

// Value returns the current value, if any.
func (s *Subject[T]) Value() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.hasValue
}

// Subscribe implements Source.
func (s *Subject[T]) Subscribe(fn func(T)) (cancel func()) {
	s.mu.Lock()
	id := s.nextListID
	s.nextListID++
	s.listeners[id] = fn
	v, ok := s.value, s.hasValue
	s.mu.Unlock()

	if ok {
		fn(v)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// snapshotListeners returns the listeners ordered by registration.
// It ASSUMES that s.mu is already held by the caller.
func (s *Subject[T]) snapshotListeners() []func(T) {
	out := make([]func(T), 0, len(s.listeners))
	for id := 1; id < s.nextListID; id++ {
		if fn, ok := s.listeners[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}

// Just returns a source that emits v once to every subscriber.
func Just[T any](v T) Source[T] {
	return SourceFunc[T](func(fn func(T)) func() {
		fn(v)
		return func() {}
	})
}

// Map projects every value of src through fn.
func Map[A, B any](src Source[A], fn func(A) B) Source[B] {
	return SourceFunc[B](func(emit func(B)) func() {
		return src.Subscribe(func(a A) {
			emit(fn(a))
		})
	})
}

// Distinct suppresses values equal (per eq) to the previously emitted one.
func Distinct[T any](src Source[T], eq func(a, b T) bool) Source[T] {
	return SourceFunc[T](func(emit func(T)) func() {
		var (
			mu   sync.Mutex
			last T
			seen bool
		)
		return src.Subscribe(func(v T) {
			mu.Lock()
			if seen && eq(last, v) {
				mu.Unlock()
				return
			}
			last, seen = v, true
			mu.Unlock()
			emit(v)
		})
	})
}

// CombineLatest2 emits fn(a, b) whenever either input changes, once both
// inputs have produced at least one value.
func CombineLatest2[A, B, C any](a Source[A], b Source[B], fn func(A, B) C) Source[C] {
	return SourceFunc[C](func(emit func(C)) func() {
		var (
			mu        sync.Mutex
			lastA     A
			lastB     B
			haveA     bool
			haveB     bool
			cancelled bool
		)
		push := func() {
			// mu held
			if cancelled || !haveA || !haveB {
				mu.Unlock()
				return
			}
			out := fn(lastA, lastB)
			mu.Unlock()
			emit(out)
		}
		cancelA := a.Subscribe(func(v A) {
			mu.Lock()
			lastA, haveA = v, true
			push()
		})
		cancelB := b.Subscribe(func(v B) {
			mu.Lock()
			lastB, haveB = v, true
			push()
		})
		return func() {
			mu.Lock()
			cancelled = true
			mu.Unlock()
			cancelA()
			cancelB()
		}
	})
}

// SwitchMap maps every outer value to an inner source and mirrors only the
// most recent inner source. When the outer source emits, the subscription to
// the previous inner source is cancelled before the new one is subscribed, and
// any value the stale inner source still delivers is dropped.
func SwitchMap[A, B any](outer Source[A], fn func(A) Source[B]) Source[B] {
	return SourceFunc[B](func(emit func(B)) func() {
		var (
			mu          sync.Mutex
			generation  uint64
			cancelInner func()
			cancelled   bool
		)
		cancelOuter := outer.Subscribe(func(a A) {
			mu.Lock()
			if cancelled {
				mu.Unlock()
				return
			}
			generation++
			gen := generation
			prev := cancelInner
			cancelInner = nil
			mu.Unlock()

			if prev != nil {
				prev()
			}

			inner := fn(a)
			cancel := inner.Subscribe(func(b B) {
				mu.Lock()
				live := !cancelled && gen == generation
				mu.Unlock()
				if live {
					emit(b)
				}
			})

			mu.Lock()
			if cancelled || gen != generation {
				mu.Unlock()
				cancel()
				return
			}
			cancelInner = cancel
			mu.Unlock()
		})
		return func() {
			mu.Lock()
			cancelled = true
			prev := cancelInner
			cancelInner = nil
			mu.Unlock()
			cancelOuter()
			if prev != nil {
				prev()
			}
		}
	})
}
