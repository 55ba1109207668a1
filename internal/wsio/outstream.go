package wsio

import (
	"errors"

	"golang.org/x/sys/unix"
)

// OutStream is the symmetric counterpart of InStream: application bytes are
// appended at the tail, send(fd) drains from the head.
type OutStream struct {
	pool    *Pool
	buffers []*Buffer
	size    int
}

// NewOutStream returns an empty output stream backed by pool.
func NewOutStream(pool *Pool) *OutStream {
	return &OutStream{pool: pool}
}

// Size returns the total number of queued, unsent bytes.
func (s *OutStream) Size() int { return s.size }

// Empty reports whether the stream currently holds no bytes.
func (s *OutStream) Empty() bool { return s.size == 0 }

// Append copies data into the stream, acquiring new tail slabs as needed.
func (s *OutStream) Append(data []byte) {
	for len(data) > 0 {
		var tail *Buffer
		if n := len(s.buffers); n > 0 {
			tail = s.buffers[n-1]
		}
		if tail == nil || len(tail.Writable()) == 0 {
			tail = s.pool.Acquire()
			s.buffers = append(s.buffers, tail)
		}
		w := tail.Writable()
		n := copy(w, data)
		tail.AdvanceWrite(n)
		data = data[n:]
		s.size += n
	}
}

// Send drains as much of the head as the kernel accepts without blocking.
// A would-block signal ends the call successfully with any remaining bytes
// still queued. A transport error returns that error; bytes already sent
// this call are not re-queued.
func (s *OutStream) Send(fd int) (int, error) {
	var total int

	for len(s.buffers) > 0 {
		head := s.buffers[0]
		r := head.Readable()
		if len(r) == 0 {
			s.pool.Release(head)
			s.buffers = s.buffers[1:]
			continue
		}

		n, err := unix.Write(fd, r)
		switch {
		case n > 0:
			head.AdvanceRead(n)
			s.size -= n
			total += n
			if head.Len() == 0 {
				s.pool.Release(head)
				s.buffers = s.buffers[1:]
			}
		case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK):
			return total, nil
		case errors.Is(err, unix.EINTR):
			// retry without consuming anything
		default:
			return total, err
		}
	}

	return total, nil
}

// Clear releases every held buffer back to the pool and resets the size to
// zero.
func (s *OutStream) Clear() {
	for _, b := range s.buffers {
		s.pool.Release(b)
	}
	s.buffers = s.buffers[:0]
	s.size = 0
}
