package wsio

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ErrPeerClosed is returned by Recv when the kernel reports a zero-length
// read, meaning the peer has closed its write side.
var ErrPeerClosed = errors.New("wsio: peer closed connection")

// InStream is an ordered queue of Buffers forming a logical byte stream,
// fed by recv(fd) at the tail and drained from the head.
type InStream struct {
	pool    *Pool
	buffers []*Buffer
	size    int
}

// NewInStream returns an empty input stream backed by pool.
func NewInStream(pool *Pool) *InStream {
	return &InStream{pool: pool}
}

// Size returns the total number of readable bytes currently queued.
func (s *InStream) Size() int { return s.size }

// Empty reports whether the stream currently holds no bytes.
func (s *InStream) Empty() bool { return s.size == 0 }

// Recv drains fd without blocking, appending complete reads to the stream.
// It returns the number of bytes received this call. A returned error of
// ErrPeerClosed signals an orderly peer shutdown; any other error signals a
// transport failure. Bytes already appended to the stream in prior
// iterations of this call remain queued even when an error is returned.
func (s *InStream) Recv(fd int) (int, error) {
	var total int

	for {
		buf := s.pool.Acquire()
		w := buf.Writable()
		bufSize := len(w)
		written := 0
		peerClosed := false
		var ioErr error

	readLoop:
		for written < bufSize {
			n, err := unix.Read(fd, w[written:])
			switch {
			case n > 0:
				written += n
			case err == nil:
				// zero-length, no error: orderly close.
				peerClosed = true
				break readLoop
			case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK):
				break readLoop
			case errors.Is(err, unix.EINTR):
				continue
			default:
				ioErr = err
				break readLoop
			}
		}

		if written > 0 {
			buf.AdvanceWrite(written)
			s.buffers = append(s.buffers, buf)
			s.size += written
			total += written
		} else {
			s.pool.Release(buf)
		}

		if peerClosed {
			return total, ErrPeerClosed
		}
		if ioErr != nil {
			return total, ioErr
		}
		if written < bufSize {
			// stopped on EAGAIN with room left in this slab.
			return total, nil
		}
		// slab filled completely without a would-block signal: keep reading.
	}
}

// GetReadable returns the head buffer's readable window, or nil if the
// stream holds no bytes.
func (s *InStream) GetReadable() []byte {
	if len(s.buffers) == 0 {
		return nil
	}
	return s.buffers[0].Readable()
}

// PopFront discards the first n bytes of the stream.
func (s *InStream) PopFront(n int) {
	if n >= s.size {
		s.Clear()
		return
	}

	s.size -= n
	for n > 0 {
		head := s.buffers[0]
		hLen := head.Len()
		if hLen <= n {
			s.pool.Release(head)
			s.buffers = s.buffers[1:]
			n -= hLen
		} else {
			head.AdvanceRead(n)
			n = 0
		}
	}
}

// Extract copies len(dst) head bytes into dst and advances the stream,
// returning true. If the stream holds fewer bytes than len(dst) it returns
// false and leaves the stream untouched.
func (s *InStream) Extract(dst []byte) bool {
	count := len(dst)
	if count > s.size {
		return false
	}
	s.size -= count
	off := 0
	for count > 0 {
		head := s.buffers[0]
		r := head.Readable()
		if len(r) <= count {
			n := copy(dst[off:], r)
			off += n
			count -= n
			s.pool.Release(head)
			s.buffers = s.buffers[1:]
		} else {
			n := copy(dst[off:], r[:count])
			off += n
			head.AdvanceRead(n)
			count = 0
		}
	}
	return true
}

// MaskedExtract copies len(dst) head bytes into dst, XOR-ing each byte
// against a rotating 4-byte mask starting at maskStart, and returns the
// updated mask phase ((maskStart + len(dst)) mod 4). Same precondition and
// failure mode as Extract.
func (s *InStream) MaskedExtract(dst []byte, mask [4]byte, maskStart int) (int, bool) {
	count := len(dst)
	if count > s.size {
		return maskStart, false
	}
	s.size -= count
	off := 0
	mi := maskStart
	for count > 0 {
		head := s.buffers[0]
		r := head.Readable()
		n := len(r)
		if n <= count {
			for i := 0; i < n; i++ {
				dst[off+i] = r[i] ^ mask[(mi+i)%4]
			}
			mi = (mi + n) % 4
			off += n
			count -= n
			s.pool.Release(head)
			s.buffers = s.buffers[1:]
		} else {
			for i := 0; i < count; i++ {
				dst[off+i] = r[i] ^ mask[(mi+i)%4]
			}
			mi = (mi + count) % 4
			off += count
			head.AdvanceRead(count)
			count = 0
		}
	}
	return mi, true
}

// Clear releases every held buffer back to the pool and resets the size to
// zero.
func (s *InStream) Clear() {
	for _, b := range s.buffers {
		s.pool.Release(b)
	}
	s.buffers = s.buffers[:0]
	s.size = 0
}

// Peek copies up to n bytes of the stream's current readable content into a
// freshly allocated slice without mutating the stream. Used by the
// handshake handler, which must scan for a terminator before it knows how
// many bytes to eventually pop.
func (s *InStream) Peek(n int) []byte {
	if n > s.size {
		n = s.size
	}
	out := make([]byte, 0, n)
	remaining := n
	for _, b := range s.buffers {
		if remaining <= 0 {
			break
		}
		r := b.Readable()
		if len(r) > remaining {
			r = r[:remaining]
		}
		out = append(out, r...)
		remaining -= len(r)
	}
	return out
}

// Take transfers ownership of this stream's buffer chain to the caller and
// resets the stream to empty, giving genuine move semantics.
func (s *InStream) Take() []*Buffer {
	bufs := s.buffers
	s.buffers = nil
	s.size = 0
	return bufs
}
