package devsrv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Frame layout: 0x99, protocol, little-endian uint16 payload length, payload, '\n'.
const (
	START_BYTE byte = 0x99
	END_BYTE   byte = '\n'
	headerLen       = 4
)

const (
	LOGIN           byte = 0x01
	LOCATION_UPDATE byte = 0x02
	REPLY           byte = 0x07
	PING            byte = 0x08
	LOGOUT          byte = 0x09
)

var errBadFrame = errors.New("bad frame")

type FrameMessage struct {
	Length   int
	Protocol byte
	Payload  []byte
	Buffer   []byte
}

// ReadMessage reads one frame into msg.Buffer. Payload aliases the buffer and
// is only valid until the next read.
func ReadMessage(r io.Reader, msg *FrameMessage) error {
	if len(msg.Buffer) < headerLen+1 {
		return fmt.Errorf("buffer too small")
	}
	if _, err := io.ReadFull(r, msg.Buffer[:headerLen]); err != nil {
		return err
	}
	if msg.Buffer[0] != START_BYTE {
		return errBadFrame
	}
	msg.Protocol = msg.Buffer[1]
	msg.Length = int(binary.LittleEndian.Uint16(msg.Buffer[2:4])) + headerLen + 1
	if len(msg.Buffer) < msg.Length {
		return fmt.Errorf("frame of %d bytes exceeds buffer", msg.Length)
	}
	if _, err := io.ReadFull(r, msg.Buffer[headerLen:msg.Length]); err != nil {
		return err
	}
	if msg.Buffer[msg.Length-1] != END_BYTE {
		return errBadFrame
	}
	msg.Payload = msg.Buffer[headerLen : msg.Length-1]
	return nil
}

func AppendMessage(b []byte, protocol byte, payload []byte) ([]byte, error) {
	if len(payload) > math.MaxUint16 {
		return b, fmt.Errorf("payload too large : %d", len(payload))
	}
	b = append(b, START_BYTE, protocol, 0, 0)
	binary.LittleEndian.PutUint16(b[len(b)-2:], uint16(len(payload)))
	b = append(b, payload...)
	return append(b, END_BYTE), nil
}

func WriteMessage(w io.Writer, protocol byte, payload []byte) error {
	b, err := AppendMessage(make([]byte, 0, len(payload)+headerLen+1), protocol, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
