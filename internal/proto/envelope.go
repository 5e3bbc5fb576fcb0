package proto

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame layout (big-endian):
//
//	0   : 4 : magic "QORT"
//	4   : 4 : message type
//	8   : 1 : has-id flag
//	9   : 4 : payload length
//	13  : 4 : SHA-256(payload)[0:4]
//	17  : N : payload
const (
	HeaderSize     = 17
	ChecksumSize   = 4
	MaxPayloadSize = 1 << 20
)

var Magic = [4]byte{'Q', 'O', 'R', 'T'}

var (
	ErrIncomplete       = errors.New("proto: incomplete frame")
	ErrBadMagic         = errors.New("proto: bad magic")
	ErrChecksumMismatch = errors.New("proto: checksum mismatch")
	ErrFrameTooLarge    = errors.New("proto: frame too large")
)

// Frame is one decoded wire frame. Payload aliases the decode buffer.
type Frame struct {
	Type    MessageType
	HasID   bool
	Payload []byte
	// Size is the number of buffer bytes the frame occupies.
	Size int
}

// IsProtocolViolation reports whether err means the stream can no
// longer be trusted, as opposed to simply needing more bytes.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrChecksumMismatch) || errors.Is(err, ErrFrameTooLarge)
}

func checksum(payload []byte) [ChecksumSize]byte {
	sum := sha256.Sum256(payload)
	var out [ChecksumSize]byte
	copy(out[:], sum[:ChecksumSize])
	return out
}

func EncodeFrame(t MessageType, payload []byte, hasID bool) []byte {
	out := make([]byte, HeaderSize+len(payload))
	copy(out[0:4], Magic[:])
	binary.BigEndian.PutUint32(out[4:8], uint32(t))
	if hasID {
		out[8] = 1
	}
	binary.BigEndian.PutUint32(out[9:13], uint32(len(payload)))
	sum := checksum(payload)
	copy(out[13:17], sum[:])
	copy(out[HeaderSize:], payload)
	return out
}

// DecodeFrame parses one frame from the front of buf without consuming
// anything. ErrIncomplete and ErrBadMagic mean "no frame yet". On
// ErrChecksumMismatch the returned Frame.Size covers the bad frame so
// the caller can drop it.
func DecodeFrame(buf []byte) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{}, ErrIncomplete
	}
	if !bytes.Equal(buf[0:4], Magic[:]) {
		return Frame{}, ErrBadMagic
	}
	n := binary.BigEndian.Uint32(buf[9:13])
	if n > MaxPayloadSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	total := HeaderSize + int(n)
	if len(buf) < total {
		return Frame{}, ErrIncomplete
	}
	payload := buf[HeaderSize:total:total]
	f := Frame{
		Type:    MessageType(binary.BigEndian.Uint32(buf[4:8])),
		HasID:   buf[8] != 0,
		Payload: payload,
		Size:    total,
	}
	sum := checksum(payload)
	if !bytes.Equal(buf[13:17], sum[:]) {
		return Frame{Size: total}, ErrChecksumMismatch
	}
	return f, nil
}

func WriteFrame(w io.Writer, t MessageType, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return ErrFrameTooLarge
	}
	frame := EncodeFrame(t, payload, false)
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write")
		}
		total += n
	}
	return nil
}

// WriteMessage encodes m and writes it as a single frame.
func WriteMessage(w io.Writer, m Message) error {
	payload, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	return WriteFrame(w, m.Type(), payload)
}
