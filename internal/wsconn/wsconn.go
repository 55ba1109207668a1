// Package wsconn implements the connection registry and per-socket state
// machine: it owns one Stream per file descriptor, drives it through
// CONNECTING/OPEN/CLOSING/CLOSED on each readiness event, and is the
// callback target the event loop adapter invokes.
package wsconn

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/longztian/socketloop/internal/evloop"
	"github.com/longztian/socketloop/internal/frame"
	"github.com/longztian/socketloop/internal/handshake"
	"github.com/longztian/socketloop/internal/metrics"
	"github.com/longztian/socketloop/internal/wsio"
	"github.com/longztian/socketloop/internal/wsproto"
)

// ConnID identifies a connection to the hosting application. It is the
// socket file descriptor, typed to keep call sites self-documenting.
type ConnID int

// State is one of the four connection states a Stream can be in.
type State int

// Connection states. The zero value is Closed, matching a freshly
// allocated (never-registered) Stream slot.
const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	default:
		return "CLOSED"
	}
}

// Application is the hosting application's callback surface. OnMessage is
// invoked on the event loop's own goroutine for every completed text/binary
// message and must not perform blocking I/O itself.
type Application interface {
	OnMessage(id ConnID, opcode frame.Opcode, payload []byte)
}

// Logger is the small interface the core logs through, so packages in this
// module stay independent of any concrete logging library (see
// internal/wslog for the zap-backed implementation).
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}
func (noopLogger) Infof(string, ...interface{})  {}
func (noopLogger) Warnf(string, ...interface{})  {}
func (noopLogger) Errorf(string, ...interface{}) {}

// Errors returned by Registry.Send.
var (
	ErrUnknownConnection = errors.New("wsconn: unknown connection")
	ErrNotOpen           = errors.New("wsconn: connection is not open")
)

// Config configures a Registry.
type Config struct {
	BufferSize        int // slab size B; 0 selects wsio.DefaultBufferSize
	PoolCap           int // free-list cap P; 0 selects wsio.DefaultPoolCap
	MaxHandshakeBytes int // 0 selects handshake.DefaultMaxBytes
	MaxMessageBytes   int // 0 selects frame.DefaultMaxMessageBytes
	Logger            Logger
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = wsio.DefaultBufferSize
	}
	if c.PoolCap <= 0 {
		c.PoolCap = wsio.DefaultPoolCap
	}
	if c.Logger == nil {
		c.Logger = noopLogger{}
	}
	return c
}

// pendingMessage is one completed text/binary message queued for delivery
// to the application once the stream's lock is released (frame.Handler
// invokes its callback synchronously from inside Process, which runs with
// st.mu held; queuing here instead of calling the application directly lets
// onRecv deliver after unlocking, so an application handler that calls back
// into Registry.Send never re-enters st.mu on the same goroutine).
type pendingMessage struct {
	opcode  frame.Opcode
	payload []byte
}

// stream is one Stream entity: state, current handler, and its input/output
// byte queues. mu serializes access so that Registry.Send (called from
// arbitrary goroutines) can safely interleave with the event loop's own
// processing of the same fd.
type stream struct {
	mu           sync.Mutex
	state        State
	handler      wsproto.Handler
	in           *wsio.InStream
	out          *wsio.OutStream
	pool         *wsio.Pool
	lastActivity time.Time
	pending      []pendingMessage
}

func newStream(pool *wsio.Pool) *stream {
	return &stream{
		in:   wsio.NewInStream(pool),
		out:  wsio.NewOutStream(pool),
		pool: pool,
	}
}

// init transitions a stream into CONNECTING with a fresh handshake handler.
func (s *stream) init(maxHandshakeBytes int) {
	s.state = StateConnecting
	s.handler = handshake.New(maxHandshakeBytes)
}

// open transitions a stream into OPEN with a fresh frame handler. Completed
// messages are queued on s.pending rather than delivered straight to the
// application, since Process runs with s.mu held.
func (s *stream) open(maxMessageBytes int) {
	s.state = StateOpen
	s.handler = frame.NewHandler(func(opcode frame.Opcode, payload []byte) {
		s.pending = append(s.pending, pendingMessage{opcode, payload})
	}, maxMessageBytes)
}

// takePending detaches and returns any messages queued during the most
// recent Process call, for the caller to deliver after unlocking s.mu.
func (s *stream) takePending() []pendingMessage {
	if len(s.pending) == 0 {
		return nil
	}
	msgs := s.pending
	s.pending = nil
	return msgs
}

// closeLocked is the Stream-local half of close-path: unconditionally
// drops the handler and releases both buffers. Idempotent.
func (s *stream) closeLocked() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.handler = nil
	s.pending = nil
	for _, b := range s.in.Take() {
		s.pool.Release(b)
	}
	s.out.Clear()
}

// Registry maps file descriptors to streams and is the event loop's
// callback target.
type Registry struct {
	mu      sync.Mutex
	streams map[int]*stream

	pool *wsio.Pool
	loop evloop.Loop
	app  Application
	cfg  Config
	log  Logger
}

// NewRegistry builds a registry driven by loop, delivering messages to app.
func NewRegistry(loop evloop.Loop, app Application, cfg Config) *Registry {
	cfg = cfg.withDefaults()
	return &Registry{
		streams: make(map[int]*stream),
		pool:    wsio.NewPool(cfg.BufferSize, cfg.PoolCap),
		loop:    loop,
		app:     app,
		cfg:     cfg,
		log:     cfg.Logger,
	}
}

// PoolMetrics exposes the registry's shared buffer pool metrics.
func (r *Registry) PoolMetrics() wsio.PoolMetrics {
	return r.pool.Metrics()
}

func (r *Registry) getStream(fd int) (*stream, bool) {
	r.mu.Lock()
	st, ok := r.streams[fd]
	r.mu.Unlock()
	return st, ok
}

// Add registers fd with the event loop, requesting both readable and
// writable readiness for the lifetime of the connection; the core never
// toggles its interest set afterward. Because writable interest is level
// triggered and never disarmed, onSend fires on every writable wakeup even
// when the output queue is empty; onSend's own Empty check makes that a
// cheap no-op rather than a bug. A reused fd's stale entry, if any, is
// reset first.
func (r *Registry) Add(fd int) error {
	r.mu.Lock()
	st, exists := r.streams[fd]
	if !exists {
		st = newStream(r.pool)
		r.streams[fd] = st
	}
	r.mu.Unlock()

	if exists {
		st.mu.Lock()
		st.closeLocked()
		st.mu.Unlock()
	}

	return r.loop.Register(fd, true, true, func(ev evloop.Event) {
		r.onEvent(ConnID(fd), ev)
	})
}

func (r *Registry) onEvent(id ConnID, ev evloop.Event) {
	fd := int(id)
	st, ok := r.getStream(fd)
	if !ok {
		return
	}

	if ev.Err {
		st.mu.Lock()
		r.closePathLocked(fd, st, true)
		st.mu.Unlock()
		return
	}

	if ev.Readable {
		r.onRecv(fd)
	}
	if ev.Writable {
		r.onSend(fd)
	}
}

// onRecv drains as much as the socket currently has buffered and feeds it
// to the active handler, reacting to SUCCESS/ERROR/PARSING. Completed
// messages are delivered to the application after st.mu is released, so an
// application callback that turns around and calls Registry.Send cannot
// re-enter the same, non-reentrant mutex on this goroutine.
func (r *Registry) onRecv(fd int) {
	st, ok := r.getStream(fd)
	if !ok {
		return
	}
	st.mu.Lock()

	var messages []pendingMessage
	defer func() {
		st.mu.Unlock()
		for _, m := range messages {
			r.app.OnMessage(ConnID(fd), m.opcode, m.payload)
		}
	}()

	if st.state == StateClosing {
		r.closePathLocked(fd, st, false)
		return
	}

	n, err := st.in.Recv(fd)
	if err != nil {
		r.closePathLocked(fd, st, false)
		return
	}
	if n == 0 {
		return
	}
	st.lastActivity = time.Now()

	if st.state == StateClosed {
		st.init(r.cfg.MaxHandshakeBytes)
	}

	status := st.handler.Process(st.in, st.out)
	messages = st.takePending()

	switch status {
	case wsproto.SUCCESS:
		if st.state == StateConnecting {
			st.open(r.cfg.MaxMessageBytes)

			if !st.in.Empty() {
				// residual bytes after a successful handshake are a client
				// protocol error; discard them.
				st.in.Clear()
			}
			if st.out.Empty() {
				r.closePathLocked(fd, st, false)
				return
			}
		}

	case wsproto.ERROR:
		metrics.ProtocolError()
		if st.state == StateOpen {
			if st.out.Empty() {
				r.closePathLocked(fd, st, false)
				return
			}
			st.state = StateClosing
		} else {
			r.closePathLocked(fd, st, false)
			return
		}
	}

	if !st.out.Empty() {
		if _, err := st.out.Send(fd); err != nil {
			r.closePathLocked(fd, st, false)
			return
		}
		if st.out.Empty() && st.state == StateClosing {
			r.closePathLocked(fd, st, false)
		}
	}
}

// onSend flushes as much of the pending output queue as the socket accepts.
func (r *Registry) onSend(fd int) {
	st, ok := r.getStream(fd)
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.out.Empty() {
		return
	}

	n, err := st.out.Send(fd)
	if err != nil {
		r.closePathLocked(fd, st, false)
		return
	}
	if n > 0 {
		st.lastActivity = time.Now()
	}
	if st.out.Empty() && st.state == StateClosing {
		r.closePathLocked(fd, st, false)
	}
}

// closePathLocked tears down fd's registration and releases its stream.
// st.mu must already be held.
func (r *Registry) closePathLocked(fd int, st *stream, alreadyErrored bool) {
	if st.state == StateClosed {
		return
	}
	if !alreadyErrored {
		if err := r.loop.Unregister(fd); err != nil {
			r.log.Warnf("unregister fd %d: %v", fd, err)
		}
	}
	if err := unix.Close(fd); err != nil {
		r.log.Warnf("close fd %d: %v", fd, err)
	}
	st.closeLocked()
	metrics.ClosedConnection()
	r.log.Debugf("connection %d closed", fd)
}

// Send queues an application-originated message on id's connection and
// attempts an immediate flush. Safe to call from any goroutine; any bytes
// that do not fit in one non-blocking write remain queued and are flushed
// by the event loop's next on-send delivery (both readable and writable
// interest are always registered, per Add).
func (r *Registry) Send(id ConnID, opcode frame.Opcode, payload []byte) error {
	fd := int(id)
	st, ok := r.getStream(fd)
	if !ok {
		return ErrUnknownConnection
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.state != StateOpen {
		return ErrNotOpen
	}

	frame.SendMessage(st.out, opcode, payload)
	if _, err := st.out.Send(fd); err != nil {
		r.closePathLocked(fd, st, false)
		return err
	}
	return nil
}

// State reports id's current connection state.
func (r *Registry) State(id ConnID) (State, bool) {
	st, ok := r.getStream(int(id))
	if !ok {
		return StateClosed, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state, true
}

// Sweep closes any connection that has neither received bytes nor flushed
// bytes from the event loop's on-send for at least idleAfter; bytes written
// by Registry.Send do not count as activity. A registered socket that has
// not yet delivered its first bytes is still in the CLOSED slot state and
// is not swept. idleAfter<=0 disables sweeping; the core imposes no
// timeouts on its own, this is an opt-in external watchdog.
func (r *Registry) Sweep(idleAfter time.Duration) {
	if idleAfter <= 0 {
		return
	}
	cutoff := time.Now().Add(-idleAfter)

	r.mu.Lock()
	fds := make([]int, 0, len(r.streams))
	for fd := range r.streams {
		fds = append(fds, fd)
	}
	r.mu.Unlock()

	for _, fd := range fds {
		st, ok := r.getStream(fd)
		if !ok {
			continue
		}
		st.mu.Lock()
		if st.state != StateClosed && st.lastActivity.Before(cutoff) {
			r.closePathLocked(fd, st, false)
		}
		st.mu.Unlock()
	}
}
