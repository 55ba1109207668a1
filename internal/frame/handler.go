package frame

import (
	"encoding/binary"

	"github.com/longztian/socketloop/internal/wsio"
	"github.com/longztian/socketloop/internal/wsproto"
)

// MessageFunc delivers one completed text/binary message to the hosting
// application. It is invoked on the event loop's goroutine and must not
// block on socket I/O.
type MessageFunc func(opcode Opcode, payload []byte)

type phase int

const (
	phaseHeader phase = iota
	phaseExtLen
	phaseMask
	phasePayload
)

// Handler is the frame-codec MessageHandler variant: it owns per-connection
// frame-reassembly state and a back-reference (here, a plain closure) to
// the hosting application.
type Handler struct {
	onMessage       MessageFunc
	maxMessageBytes int

	phase      phase
	fin        bool
	opcode     Opcode
	payloadLen uint64
	extLenSize int
	mask       [4]byte

	assembling      bool
	assembledOpcode Opcode
	assembled       []byte
}

// NewHandler returns a frame handler delivering completed messages to
// onMessage, capping any single reassembled message at maxMessageBytes
// (<=0 selects DefaultMaxMessageBytes).
func NewHandler(onMessage MessageFunc, maxMessageBytes int) *Handler {
	if maxMessageBytes <= 0 {
		maxMessageBytes = DefaultMaxMessageBytes
	}
	return &Handler{onMessage: onMessage, maxMessageBytes: maxMessageBytes}
}

func (h *Handler) resetFrame() {
	h.phase = phaseHeader
	h.fin = false
	h.opcode = 0
	h.payloadLen = 0
	h.extLenSize = 0
	h.mask = [4]byte{}
}

// Process implements wsproto.Handler. It consumes as many complete frames
// as the input stream currently holds, dispatching each, and returns
// PARSING once it needs more bytes than are available. SUCCESS is never
// returned by this handler.
func (h *Handler) Process(in *wsio.InStream, out *wsio.OutStream) wsproto.Status {
	for {
		switch h.phase {
		case phaseHeader:
			if in.Size() < 2 {
				return wsproto.PARSING
			}
			hdr := make([]byte, 2)
			in.Extract(hdr)

			h.fin = hdr[0]&0x80 != 0
			if hdr[0]&0x70 != 0 {
				return h.abort(out, CloseProtocolError)
			}
			h.opcode = Opcode(hdr[0] & 0x0F)
			if !validOpcode(h.opcode) {
				return h.abort(out, CloseProtocolError)
			}

			masked := hdr[1]&0x80 != 0
			if !masked {
				return h.abort(out, CloseProtocolError)
			}

			len7 := hdr[1] & 0x7F
			if h.opcode.IsControl() {
				if !h.fin || len7 > 125 {
					return h.abort(out, CloseProtocolError)
				}
			}
			if h.opcode == OpContinuation && !h.assembling {
				return h.abort(out, CloseProtocolError)
			}
			if (h.opcode == OpText || h.opcode == OpBinary) && h.assembling {
				return h.abort(out, CloseProtocolError)
			}

			switch len7 {
			case 126:
				h.extLenSize = 2
				h.phase = phaseExtLen
			case 127:
				h.extLenSize = 8
				h.phase = phaseExtLen
			default:
				h.payloadLen = uint64(len7)
				h.phase = phaseMask
			}

		case phaseExtLen:
			if in.Size() < h.extLenSize {
				return wsproto.PARSING
			}
			buf := make([]byte, h.extLenSize)
			in.Extract(buf)
			if h.extLenSize == 2 {
				h.payloadLen = uint64(binary.BigEndian.Uint16(buf))
			} else {
				if buf[0]&0x80 != 0 {
					return h.abort(out, CloseProtocolError)
				}
				h.payloadLen = binary.BigEndian.Uint64(buf)
			}
			h.phase = phaseMask

		case phaseMask:
			if in.Size() < 4 {
				return wsproto.PARSING
			}
			in.Extract(h.mask[:])

			if h.opcode.IsData() {
				prospective := len(h.assembled) + int(h.payloadLen)
				if h.payloadLen > uint64(h.maxMessageBytes) || prospective > h.maxMessageBytes {
					return h.abort(out, CloseMessageTooBig)
				}
			}
			h.phase = phasePayload

		case phasePayload:
			if uint64(in.Size()) < h.payloadLen {
				return wsproto.PARSING
			}
			var payload []byte
			if h.payloadLen > 0 {
				payload = make([]byte, h.payloadLen)
				in.MaskedExtract(payload, h.mask, 0)
			}

			status := h.dispatch(payload, out)
			h.resetFrame()
			if status == wsproto.ERROR {
				return status
			}
			// loop back to phaseHeader: more frames may already be buffered.
		}
	}
}

func (h *Handler) dispatch(payload []byte, out *wsio.OutStream) wsproto.Status {
	switch h.opcode {
	case OpText, OpBinary:
		h.assembling = true
		h.assembledOpcode = h.opcode
		h.assembled = append(h.assembled[:0], payload...)
		if h.fin {
			h.deliver()
		}
		return wsproto.PARSING

	case OpContinuation:
		h.assembled = append(h.assembled, payload...)
		if h.fin {
			h.deliver()
		}
		return wsproto.PARSING

	case OpPing:
		SendMessage(out, OpPong, payload)
		return wsproto.PARSING

	case OpPong:
		return wsproto.PARSING

	case OpClose:
		SendMessage(out, OpClose, closeEcho(payload))
		return wsproto.ERROR

	default:
		return h.abort(out, CloseProtocolError)
	}
}

func (h *Handler) deliver() {
	h.onMessage(h.assembledOpcode, h.assembled)
	h.assembling = false
	h.assembledOpcode = 0
	h.assembled = nil
}

// abort synthesizes a close frame with the given status code and reports
// ERROR, letting the registry drain it before tearing the connection down.
func (h *Handler) abort(out *wsio.OutStream, code uint16) wsproto.Status {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, code)
	SendMessage(out, OpClose, payload)
	h.resetFrame()
	h.assembling = false
	h.assembled = nil
	return wsproto.ERROR
}

func closeEcho(received []byte) []byte {
	if len(received) < 2 {
		return nil
	}
	code := binary.BigEndian.Uint16(received[:2])
	if !validCloseCode(code) {
		return nil
	}
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, code)
	return out
}
