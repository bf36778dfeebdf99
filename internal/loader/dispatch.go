package loader

// Dispatcher runs delivery callbacks on the consumer's preferred execution
// context, for example a UI thread or an event queue.
type Dispatcher interface {
	Dispatch(fn func())
}

// DispatchFunc adapts a function to a Dispatcher.
type DispatchFunc func(fn func())

func (f DispatchFunc) Dispatch(fn func()) {
	f(fn)
}

// Inline runs callbacks on the calling goroutine: the Bind caller for cache
// hits, the worker for completed loads.
var Inline Dispatcher = DispatchFunc(func(fn func()) { fn() })
