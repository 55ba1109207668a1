// Package evloop defines the readiness-event loop adapter the core consumes
// and provides a Linux epoll implementation.
package evloop

// Event carries one readiness notification for fd.
type Event struct {
	FD       int
	Readable bool
	Writable bool
	Err      bool
}

// Callback handles one Event. It must not block.
type Callback func(ev Event)

// Loop is the event-loop adapter contract the core requires: register an
// fd with an interest set and callback, unregister it, and run until
// stopped.
type Loop interface {
	// Register adds or replaces the registration for fd, requesting
	// notifications for readable and/or writable readiness.
	Register(fd int, readable, writable bool, cb Callback) error
	// Unregister removes fd's registration. Unregistering an fd that was
	// never registered, or already removed, is a no-op.
	Unregister(fd int) error
	// Run blocks, dispatching readiness events to their callbacks, until
	// Stop is called or an unrecoverable error occurs.
	Run() error
	// Stop asks Run to return soon. Safe to call from another goroutine.
	Stop()
	// Close releases the loop's own resources (e.g. the epoll fd).
	Close() error
}
