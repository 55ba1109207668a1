package wsio

import "testing"

func TestPoolNeverExceedsCap(t *testing.T) {
	pool := NewPool(64, 4)

	var bufs []*Buffer
	for i := 0; i < 10; i++ {
		bufs = append(bufs, pool.Acquire())
	}
	for _, b := range bufs {
		pool.Release(b)
	}

	if got := pool.Len(); got > 4 {
		t.Fatalf("pool length %d exceeds cap 4", got)
	}

	m := pool.Metrics()
	if m.Discards != 6 {
		t.Fatalf("expected 6 discards, got %d", m.Discards)
	}
}

func TestPoolAcquireReleaseRoundTrip(t *testing.T) {
	pool := NewPool(16, 2)

	a := pool.Acquire()
	a.AdvanceWrite(4)
	pool.Release(a)

	if got := pool.Len(); got != 1 {
		t.Fatalf("expected 1 idle buffer, got %d", got)
	}

	b := pool.Acquire()
	if b.Len() != 0 {
		t.Fatalf("acquired buffer should be cleared, got len %d", b.Len())
	}
}
