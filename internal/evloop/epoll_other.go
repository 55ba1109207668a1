//go:build !linux

package evloop

import "errors"

// ErrUnsupportedPlatform is returned by NewEpollLoop on non-Linux builds.
// The core's event loop adapter is epoll-specific; a kqueue or IOCP
// implementation would live in its own platform file following this same
// pattern, but is out of scope here.
var ErrUnsupportedPlatform = errors.New("evloop: epoll is only available on linux")

// EpollLoop is a non-functional stand-in so the package builds on
// non-Linux platforms; NewEpollLoop always fails.
type EpollLoop struct{}

// NewEpollLoop always returns ErrUnsupportedPlatform on this platform.
func NewEpollLoop() (*EpollLoop, error) {
	return nil, ErrUnsupportedPlatform
}

func (l *EpollLoop) Register(fd int, readable, writable bool, cb Callback) error {
	return ErrUnsupportedPlatform
}

func (l *EpollLoop) Unregister(fd int) error { return ErrUnsupportedPlatform }

func (l *EpollLoop) Run() error { return ErrUnsupportedPlatform }

func (l *EpollLoop) Stop() {}

func (l *EpollLoop) Close() error { return nil }
