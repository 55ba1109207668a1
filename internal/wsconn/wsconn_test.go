package wsconn

import (
	"bytes"
	"encoding/binary"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/longztian/socketloop/internal/evloop"
	"github.com/longztian/socketloop/internal/frame"
)

// fakeLoop is a manually-driven stand-in for evloop.Loop: tests fire
// readiness events explicitly instead of running a real epoll wait.
type fakeLoop struct {
	cbs map[int]evloop.Callback
}

func newFakeLoop() *fakeLoop { return &fakeLoop{cbs: make(map[int]evloop.Callback)} }

func (f *fakeLoop) Register(fd int, readable, writable bool, cb evloop.Callback) error {
	f.cbs[fd] = cb
	return nil
}
func (f *fakeLoop) Unregister(fd int) error { delete(f.cbs, fd); return nil }
func (f *fakeLoop) Run() error              { return nil }
func (f *fakeLoop) Stop()                   {}
func (f *fakeLoop) Close() error            { return nil }

func (f *fakeLoop) fire(fd int, ev evloop.Event) {
	if cb, ok := f.cbs[fd]; ok {
		cb(ev)
	}
}

func (f *fakeLoop) registered(fd int) bool {
	_, ok := f.cbs[fd]
	return ok
}

type capturingApp struct {
	messages []struct {
		id      ConnID
		opcode  frame.Opcode
		payload []byte
	}
}

func (a *capturingApp) OnMessage(id ConnID, opcode frame.Opcode, payload []byte) {
	a.messages = append(a.messages, struct {
		id      ConnID
		opcode  frame.Opcode
		payload []byte
	}{id, opcode, append([]byte(nil), payload...)})
}

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	unix.SetNonblock(fds[0], true)
	unix.SetNonblock(fds[1], true)
	t.Cleanup(func() {
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

const rfcRequest = "GET /chat HTTP/1.1\r\n" +
	"Host: server.example.com\r\n" +
	"Upgrade: websocket\r\n" +
	"Connection: Upgrade\r\n" +
	"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
	"Sec-WebSocket-Version: 13\r\n" +
	"\r\n"

func mustWrite(t *testing.T, fd int, data []byte) {
	t.Helper()
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil && err != unix.EAGAIN {
			t.Fatalf("write: %v", err)
		}
		data = data[n:]
	}
}

func readAll(t *testing.T, fd int, max int) []byte {
	t.Helper()
	buf := make([]byte, max)
	n, err := unix.Read(fd, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return buf[:n]
}

func maskPayload(payload []byte, mask [4]byte) []byte {
	out := make([]byte, len(payload))
	for i, b := range payload {
		out[i] = b ^ mask[i%4]
	}
	return out
}

func buildClientFrame(opcode frame.Opcode, fin bool, payload []byte, mask [4]byte) []byte {
	n := len(payload)
	var b0 byte
	if fin {
		b0 = 0x80
	}
	b0 |= byte(opcode)
	var buf bytes.Buffer
	buf.WriteByte(b0)
	buf.WriteByte(0x80 | byte(n)) // test payloads stay under 126 bytes
	buf.Write(mask[:])
	buf.Write(maskPayload(payload, mask))
	return buf.Bytes()
}

func TestHappyHandshakeTransitionsToOpen(t *testing.T) {
	loop := newFakeLoop()
	app := &capturingApp{}
	reg := NewRegistry(loop, app, Config{})

	server, client := socketpair(t)
	if err := reg.Add(server); err != nil {
		t.Fatalf("Add: %v", err)
	}

	mustWrite(t, client, []byte(rfcRequest))
	loop.fire(server, evloop.Event{FD: server, Readable: true})

	state, ok := reg.State(ConnID(server))
	if !ok || state != StateOpen {
		t.Fatalf("state = %v (ok=%v), want OPEN", state, ok)
	}

	resp := readAll(t, client, 4096)
	if !bytes.Contains(resp, []byte("101")) {
		t.Fatalf("response missing 101 status: %q", resp)
	}
	if !bytes.Contains(resp, []byte("s3pPLMBiTxaQ9kYGzzhZRbK+xOo=")) {
		t.Fatalf("response missing expected accept key: %q", resp)
	}
}

func TestSmallMaskedTextFrameDeliversToApp(t *testing.T) {
	loop := newFakeLoop()
	app := &capturingApp{}
	reg := NewRegistry(loop, app, Config{})
	server, client := socketpair(t)
	reg.Add(server)
	mustWrite(t, client, []byte(rfcRequest))
	loop.fire(server, evloop.Event{FD: server, Readable: true})
	readAll(t, client, 4096) // drain handshake response

	mustWrite(t, client, []byte{0x81, 0x85, 0x37, 0xfa, 0x21, 0x3d, 0x7f, 0x9f, 0x4d, 0x51, 0x58})
	loop.fire(server, evloop.Event{FD: server, Readable: true})

	if len(app.messages) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(app.messages))
	}
	if app.messages[0].opcode != frame.OpText || string(app.messages[0].payload) != "Hello" {
		t.Fatalf("got %+v, want text \"Hello\"", app.messages[0])
	}
}

func TestServerEchoViaSend(t *testing.T) {
	loop := newFakeLoop()
	app := &capturingApp{}
	reg := NewRegistry(loop, app, Config{})
	server, client := socketpair(t)
	reg.Add(server)
	mustWrite(t, client, []byte(rfcRequest))
	loop.fire(server, evloop.Event{FD: server, Readable: true})
	readAll(t, client, 4096)

	if err := reg.Send(ConnID(server), frame.OpText, []byte("Hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := readAll(t, client, 64)
	want := []byte{0x81, 0x05, 0x48, 0x65, 0x6c, 0x6c, 0x6f}
	if !bytes.Equal(got, want) {
		t.Fatalf("wire bytes = % x, want % x", got, want)
	}
}

func TestPingPongStaysOpen(t *testing.T) {
	loop := newFakeLoop()
	app := &capturingApp{}
	reg := NewRegistry(loop, app, Config{})
	server, client := socketpair(t)
	reg.Add(server)
	mustWrite(t, client, []byte(rfcRequest))
	loop.fire(server, evloop.Event{FD: server, Readable: true})
	readAll(t, client, 4096)

	mask := [4]byte{0x01, 0x02, 0x03, 0x04}
	mustWrite(t, client, buildClientFrame(frame.OpPing, true, nil, mask))
	loop.fire(server, evloop.Event{FD: server, Readable: true})

	got := readAll(t, client, 16)
	if !bytes.Equal(got, []byte{0x8A, 0x00}) {
		t.Fatalf("pong bytes = % x, want 8a 00", got)
	}
	state, _ := reg.State(ConnID(server))
	if state != StateOpen {
		t.Fatalf("state after ping/pong = %v, want OPEN", state)
	}
}

func TestOrderlyCloseReachesClosed(t *testing.T) {
	loop := newFakeLoop()
	app := &capturingApp{}
	reg := NewRegistry(loop, app, Config{})
	server, client := socketpair(t)
	reg.Add(server)
	mustWrite(t, client, []byte(rfcRequest))
	loop.fire(server, evloop.Event{FD: server, Readable: true})
	readAll(t, client, 4096)

	mask := [4]byte{0x11, 0x22, 0x33, 0x44}
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, frame.CloseNormalClosure)
	mustWrite(t, client, buildClientFrame(frame.OpClose, true, payload, mask))
	loop.fire(server, evloop.Event{FD: server, Readable: true})

	state, _ := reg.State(ConnID(server))
	if state != StateClosed {
		t.Fatalf("state after close drain = %v, want CLOSED", state)
	}
	if loop.registered(server) {
		t.Fatal("fd should have been unregistered on close")
	}

	got := readAll(t, client, 16)
	if !bytes.Equal(got, []byte{0x88, 0x02, 0x03, 0xe8}) {
		t.Fatalf("close echo bytes = % x, want 88 02 03 e8", got)
	}
}

func TestProtocolAbortOnUnmaskedFrame(t *testing.T) {
	loop := newFakeLoop()
	app := &capturingApp{}
	reg := NewRegistry(loop, app, Config{})
	server, client := socketpair(t)
	reg.Add(server)
	mustWrite(t, client, []byte(rfcRequest))
	loop.fire(server, evloop.Event{FD: server, Readable: true})
	readAll(t, client, 4096)

	unmasked := append([]byte{0x81, 0x05}, []byte("Hello")...)
	mustWrite(t, client, unmasked)
	loop.fire(server, evloop.Event{FD: server, Readable: true})

	if len(app.messages) != 0 {
		t.Fatal("payload must not reach the application on protocol abort")
	}
	state, _ := reg.State(ConnID(server))
	if state != StateClosed {
		t.Fatalf("state after protocol abort = %v, want CLOSED", state)
	}

	got := readAll(t, client, 16)
	if !bytes.Equal(got, []byte{0x88, 0x02, 0x03, 0xea}) {
		t.Fatalf("close bytes = % x, want 88 02 03 ea (1002)", got)
	}
}

func TestAddResetsStaleFdEntry(t *testing.T) {
	loop := newFakeLoop()
	app := &capturingApp{}
	reg := NewRegistry(loop, app, Config{})
	server, client := socketpair(t)

	reg.Add(server)
	mustWrite(t, client, []byte(rfcRequest))
	loop.fire(server, evloop.Event{FD: server, Readable: true})
	readAll(t, client, 4096)
	if state, _ := reg.State(ConnID(server)); state != StateOpen {
		t.Fatalf("precondition: state = %v, want OPEN", state)
	}

	// kernel reuses the fd for a brand new accept
	if err := reg.Add(server); err != nil {
		t.Fatalf("Add (reuse): %v", err)
	}
	state, _ := reg.State(ConnID(server))
	if state != StateClosed {
		t.Fatalf("state after re-Add = %v, want CLOSED (fresh slot)", state)
	}
}
