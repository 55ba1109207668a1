package wsio

import (
	"bytes"
	"testing"

	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestInStreamExtractRoundTrip(t *testing.T) {
	a, b := socketpair(t)

	payload := bytes.Repeat([]byte("abcdefgh"), 1200) // > one 4096 buffer
	if _, err := unix.Write(b, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	pool := NewPool(DefaultBufferSize, DefaultPoolCap)
	in := NewInStream(pool)

	n, err := in.Recv(a)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("recv got %d bytes, want %d", n, len(payload))
	}
	if in.Size() != len(payload) {
		t.Fatalf("stream size %d, want %d", in.Size(), len(payload))
	}

	dst := make([]byte, len(payload))
	if !in.Extract(dst) {
		t.Fatal("extract returned false")
	}
	if !bytes.Equal(dst, payload) {
		t.Fatal("extracted bytes do not match original")
	}
	if in.Size() != 0 {
		t.Fatalf("stream size after full extract = %d, want 0", in.Size())
	}
}

func TestInStreamExtractTooMuchFails(t *testing.T) {
	pool := NewPool(64, 4)
	in := NewInStream(pool)

	dst := make([]byte, 10)
	if in.Extract(dst) {
		t.Fatal("extract on empty stream should fail")
	}
	if in.Size() != 0 {
		t.Fatal("failed extract must not mutate stream size")
	}
}

func TestInStreamPopFront(t *testing.T) {
	a, b := socketpair(t)
	payload := bytes.Repeat([]byte{0xAB}, 5000)
	if _, err := unix.Write(b, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	pool := NewPool(DefaultBufferSize, DefaultPoolCap)
	in := NewInStream(pool)
	if _, err := in.Recv(a); err != nil {
		t.Fatalf("recv: %v", err)
	}

	in.PopFront(100)
	if in.Size() != len(payload)-100 {
		t.Fatalf("size after pop_front(100) = %d, want %d", in.Size(), len(payload)-100)
	}

	in.PopFront(1 << 30)
	if in.Size() != 0 {
		t.Fatalf("pop_front beyond size must zero size, got %d", in.Size())
	}
	if len(in.buffers) != 0 {
		t.Fatalf("pop_front beyond size must release all buffers")
	}
}

func TestInStreamGetReadableEmptyIsNil(t *testing.T) {
	pool := NewPool(64, 4)
	in := NewInStream(pool)
	if got := in.GetReadable(); got != nil {
		t.Fatalf("GetReadable on empty stream = %v, want nil", got)
	}
}

func TestMaskedExtractSelfInverse(t *testing.T) {
	pool := NewPool(64, 4)
	mask := [4]byte{0x37, 0xfa, 0x21, 0x3d}
	payload := []byte("Hello, WebSocket world! This spans more than four bytes.")

	masked := make([]byte, len(payload))
	for i, c := range payload {
		masked[i] = c ^ mask[i%4]
	}

	a, b := socketpair(t)
	if _, err := unix.Write(b, masked); err != nil {
		t.Fatalf("write: %v", err)
	}
	in := NewInStream(pool)
	if _, err := in.Recv(a); err != nil {
		t.Fatalf("recv: %v", err)
	}

	dst := make([]byte, len(masked))
	newStart, ok := in.MaskedExtract(dst, mask, 0)
	if !ok {
		t.Fatal("masked extract failed")
	}
	if !bytes.Equal(dst, payload) {
		t.Fatalf("unmasked result = %q, want %q", dst, payload)
	}
	if want := len(masked) % 4; newStart != want {
		t.Fatalf("newStart = %d, want %d", newStart, want)
	}
}

func TestRecvPeerClosed(t *testing.T) {
	a, b := socketpair(t)
	unix.Close(b)

	pool := NewPool(64, 4)
	in := NewInStream(pool)
	n, err := in.Recv(a)
	if err != ErrPeerClosed {
		t.Fatalf("expected ErrPeerClosed, got %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 bytes, got %d", n)
	}
}
