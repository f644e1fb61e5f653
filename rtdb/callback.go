package rtdb

// Callback is a small generic result-callback abstraction; the
// public-surface operations themselves take plain funcs, and a
// Callback's Result method can be passed as one. Result runs on
// whatever goroutine the operation completes on: for Fetch, Mutate,
// Merge, Delete, Auth and Deauth that is the session scheduler
// goroutine, called directly. Only subscription listeners are posted
// to a MainScheduler.
type Callback[R any] interface {
	Result(result R, err error)
}

type funcCallback[R any] struct {
	fn func(result R, err error)
}

func NewCallback[R any](fn func(result R, err error)) Callback[R] {
	return &funcCallback[R]{fn: fn}
}

func (self *funcCallback[R]) Result(result R, err error) {
	if self.fn != nil {
		self.fn(result, err)
	}
}

// CallbackResult is the value delivered on the channel returned by
// NewBlockingCallback, for call sites that want to block on an async
// operation (e.g. tests, CLI tools).
type CallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingCallback[R any]() (Callback[R], chan CallbackResult[R]) {
	c := make(chan CallbackResult[R], 1)
	callback := NewCallback[R](func(result R, err error) {
		c <- CallbackResult[R]{Result: result, Error: err}
	})
	return callback, c
}

// CallbackList is a copy-on-write set of listeners. Mutation makes a
// fresh backing slice so that a concurrent iteration over Get() is
// never affected by an in-progress Add/Remove.
type CallbackList[T comparable] struct {
	callbacks []T
}

func (self *CallbackList[T]) Get() []T {
	return self.callbacks
}

func (self *CallbackList[T]) Add(callback T) {
	for _, existing := range self.callbacks {
		if existing == callback {
			return
		}
	}
	next := make([]T, len(self.callbacks), len(self.callbacks)+1)
	copy(next, self.callbacks)
	self.callbacks = append(next, callback)
}

func (self *CallbackList[T]) Remove(callback T) {
	index := -1
	for i, existing := range self.callbacks {
		if existing == callback {
			index = i
			break
		}
	}
	if index < 0 {
		return
	}
	next := make([]T, 0, len(self.callbacks)-1)
	next = append(next, self.callbacks[:index]...)
	next = append(next, self.callbacks[index+1:]...)
	self.callbacks = next
}

func (self *CallbackList[T]) Len() int {
	return len(self.callbacks)
}
