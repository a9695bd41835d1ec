package supervisor

import "sync"

// oneshot is a result slot that accepts exactly one value. Later commits are
// ignored and report false.
type oneshot[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
}

func newOneshot[T any]() *oneshot[T] {
	return &oneshot[T]{done: make(chan struct{})}
}

// Commit stores v if the slot is empty and reports whether it won.
func (o *oneshot[T]) Commit(v T) bool {
	won := false
	o.once.Do(func() {
		o.value = v
		won = true
		close(o.done)
	})
	return won
}

// Done is closed once a value has been committed.
func (o *oneshot[T]) Done() <-chan struct{} { return o.done }

// Value returns the committed value. It must only be called after Done.
func (o *oneshot[T]) Value() T {
	<-o.done
	return o.value
}
