// Package app is the hosting application wired into the registry: it
// implements wsconn.Application and tracks the atomic counters shockwave's
// server.Stats models (messages, bytes in/out, start time).
package app

import (
	"sync/atomic"
	"time"

	"github.com/longztian/socketloop/internal/frame"
	"github.com/longztian/socketloop/internal/metrics"
	"github.com/longztian/socketloop/internal/wsconn"
)

// Sender is the subset of *wsconn.Registry the application needs to talk
// back to a connection. Defined here so app never imports wsconn's Registry
// concrete type directly in its method signatures.
type Sender interface {
	Send(id wsconn.ConnID, opcode frame.Opcode, payload []byte) error
}

// Stats are the application-level counters Echo keeps. The admin server in
// internal/metrics does not publish them.
type Stats struct {
	TotalMessages atomic.Uint64
	TotalBytesIn  atomic.Uint64
	TotalBytesOut atomic.Uint64
	StartTime     time.Time
}

func NewStats() *Stats {
	return &Stats{StartTime: time.Now()}
}

func (s *Stats) Uptime() time.Duration {
	return time.Since(s.StartTime)
}

// Config configures Echo.
type Config struct {
	// MaxEchoBytes caps how much of an inbound message is echoed back; 0
	// means no cap.
	MaxEchoBytes int
}

// Echo is the reference Application: every text or binary message it
// receives is sent back verbatim on the same connection. It exists so the
// daemon has a runnable default without requiring a user-supplied handler.
type Echo struct {
	cfg   Config
	stats *Stats
	out   Sender
}

func NewEcho(cfg Config, stats *Stats, out Sender) *Echo {
	if stats == nil {
		stats = NewStats()
	}
	return &Echo{cfg: cfg, stats: stats, out: out}
}

// OnMessage implements wsconn.Application. It runs on the event loop
// goroutine and must not block.
func (e *Echo) OnMessage(id wsconn.ConnID, opcode frame.Opcode, payload []byte) {
	if opcode != frame.OpText && opcode != frame.OpBinary {
		return
	}

	e.stats.TotalMessages.Add(1)
	e.stats.TotalBytesIn.Add(uint64(len(payload)))
	metrics.ReceivedMessage()

	echoed := payload
	if e.cfg.MaxEchoBytes > 0 && len(echoed) > e.cfg.MaxEchoBytes {
		echoed = echoed[:e.cfg.MaxEchoBytes]
	}

	if err := e.out.Send(id, opcode, echoed); err == nil {
		e.stats.TotalBytesOut.Add(uint64(len(echoed)))
	}
}

func (e *Echo) Stats() *Stats { return e.stats }
