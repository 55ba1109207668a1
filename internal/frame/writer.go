package frame

import (
	"encoding/binary"

	"github.com/longztian/socketloop/internal/wsio"
)

// Encode serializes one unfragmented, unmasked frame with FIN=1 and the
// shortest valid length encoding.
func Encode(opcode Opcode, payload []byte) []byte {
	n := len(payload)
	b0 := byte(0x80) | byte(opcode&0x0F)

	var header []byte
	switch {
	case n <= 125:
		header = []byte{b0, byte(n)}
	case n <= 0xFFFF:
		header = make([]byte, 4)
		header[0] = b0
		header[1] = 126
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0] = b0
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}

	buf := make([]byte, 0, len(header)+n)
	buf = append(buf, header...)
	buf = append(buf, payload...)
	return buf
}

// SendMessage queues one unfragmented frame onto out. Callers must pass
// only opcodes valid for server-originated frames (RFC 6455 leaves the
// choice to the application).
func SendMessage(out *wsio.OutStream, opcode Opcode, payload []byte) {
	out.Append(Encode(opcode, payload))
}
