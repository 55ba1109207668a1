//go:build linux

package evloop

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// pollTimeoutMillis bounds how long Run blocks in EpollWait between checks
// of the stop flag, so Stop (called from another goroutine) takes effect
// promptly without needing a self-pipe.
const pollTimeoutMillis = 1000

// EpollLoop is the Linux epoll implementation of Loop, grounded on the
// classic create/ctl/wait event loop shape: one epoll fd, level-triggered
// readiness, EPOLLRDHUP treated as a hang-up.
type EpollLoop struct {
	epfd int

	mu        sync.Mutex
	callbacks map[int]Callback

	stopped int32
}

// NewEpollLoop creates a new epoll instance.
func NewEpollLoop() (*EpollLoop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EpollLoop{epfd: epfd, callbacks: make(map[int]Callback)}, nil
}

// Register implements Loop.
func (l *EpollLoop) Register(fd int, readable, writable bool, cb Callback) error {
	var events uint32 = unix.EPOLLRDHUP
	if readable {
		events |= unix.EPOLLIN
	}
	if writable {
		events |= unix.EPOLLOUT
	}

	l.mu.Lock()
	_, exists := l.callbacks[fd]
	l.callbacks[fd] = cb
	l.mu.Unlock()

	op := unix.EPOLL_CTL_ADD
	if exists {
		op = unix.EPOLL_CTL_MOD
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	err := unix.EpollCtl(l.epfd, op, fd, &ev)
	if err == unix.ENOENT && op == unix.EPOLL_CTL_MOD {
		// fd was closed without Unregister, so the kernel already dropped it
		// from the epoll set; a reused fd number is added afresh.
		err = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	}
	return err
}

// Unregister implements Loop.
func (l *EpollLoop) Unregister(fd int) error {
	l.mu.Lock()
	_, exists := l.callbacks[fd]
	delete(l.callbacks, fd)
	l.mu.Unlock()

	if !exists {
		return nil
	}
	err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

// Run implements Loop.
func (l *EpollLoop) Run() error {
	atomic.StoreInt32(&l.stopped, 0)
	events := make([]unix.EpollEvent, 128)

	for atomic.LoadInt32(&l.stopped) == 0 {
		n, err := unix.EpollWait(l.epfd, events, pollTimeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			raw := events[i]
			fd := int(raw.Fd)

			l.mu.Lock()
			cb, ok := l.callbacks[fd]
			l.mu.Unlock()
			if !ok {
				continue
			}

			ev := Event{FD: fd}
			if raw.Events&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
				ev.Err = true
			}
			if raw.Events&unix.EPOLLIN != 0 {
				ev.Readable = true
			}
			if raw.Events&unix.EPOLLOUT != 0 {
				ev.Writable = true
			}
			cb(ev)
		}
	}
	return nil
}

// Stop implements Loop.
func (l *EpollLoop) Stop() {
	atomic.StoreInt32(&l.stopped, 1)
}

// Close implements Loop.
func (l *EpollLoop) Close() error {
	return unix.Close(l.epfd)
}
