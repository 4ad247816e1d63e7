package redis

import "sync"

// Future is a single-resolution completion handle: the eventual outcome of
// one issued command, or of the client's first successful connect. Exactly
// one of Succeed or Fail may ever take effect; the first call wins and every
// later call is a no-op. Observers may register success and failure
// listeners before or after resolution — listeners added after resolution
// fire immediately, synchronously, from the registering goroutine, with the
// stored outcome.
type Future struct {
	mu       sync.Mutex
	done     bool
	value    interface{}
	err      error
	onOK     []func(interface{})
	onFail   []func(error)
}

// NewFuture returns an unresolved Future.
func NewFuture() *Future {
	return &Future{}
}

// Succeed resolves the future with a value. A no-op if already resolved.
func (f *Future) Succeed(value interface{}) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.done = true
	f.value = value
	listeners := f.onOK
	f.onOK = nil
	f.onFail = nil
	f.mu.Unlock()

	for _, fn := range listeners {
		fn(value)
	}
}

// Fail resolves the future with a typed error. A no-op if already resolved.
func (f *Future) Fail(err error) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.done = true
	f.err = err
	listeners := f.onFail
	f.onOK = nil
	f.onFail = nil
	f.mu.Unlock()

	for _, fn := range listeners {
		fn(err)
	}
}

// OnSuccess registers fn to run with the resolved value. If the future is
// already resolved successfully, fn runs immediately on the calling
// goroutine.
func (f *Future) OnSuccess(fn func(interface{})) {
	f.mu.Lock()
	if f.done {
		value, err := f.value, f.err
		f.mu.Unlock()
		if err == nil {
			fn(value)
		}
		return
	}
	f.onOK = append(f.onOK, fn)
	f.mu.Unlock()
}

// OnFailure registers fn to run with the resolved error. If the future is
// already resolved with a failure, fn runs immediately on the calling
// goroutine.
func (f *Future) OnFailure(fn func(error)) {
	f.mu.Lock()
	if f.done {
		err := f.err
		f.mu.Unlock()
		if err != nil {
			fn(err)
		}
		return
	}
	f.onFail = append(f.onFail, fn)
	f.mu.Unlock()
}

// Wait blocks the calling goroutine until the future resolves, returning its
// value and error. It is a convenience for synchronous call sites (tests,
// simple scripts); the library itself never calls it internally.
func (f *Future) Wait() (interface{}, error) {
	done := make(chan struct{})
	var value interface{}
	var err error
	f.OnSuccess(func(v interface{}) {
		value = v
		close(done)
	})
	f.OnFailure(func(e error) {
		err = e
		close(done)
	})
	<-done
	return value, err
}
