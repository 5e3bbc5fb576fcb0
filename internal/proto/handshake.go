package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

type MessageType uint32

const (
	TypeHello     MessageType = 0
	TypeChallenge MessageType = 2
	TypeResponse  MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeChallenge:
		return "CHALLENGE"
	case TypeResponse:
		return "RESPONSE"
	default:
		return fmt.Sprintf("TYPE(%d)", uint32(t))
	}
}

const (
	PublicKeySize      = 32
	ChallengeNonceSize = 32
	ResponseHashSize   = 32

	ChallengeSize = PublicKeySize + ChallengeNonceSize
	ResponseSize  = 4 + ResponseHashSize

	// HELLO strings are bounded well below MaxPayloadSize.
	MaxHelloStringSize = 255
)

var (
	ErrUnknownType = errors.New("proto: unknown message type")
	ErrBadPayload  = errors.New("proto: malformed payload")
)

// Message is implemented only by the handshake message types below.
type Message interface {
	Type() MessageType
	MarshalBinary() ([]byte, error)
	isMessage()
}

type Hello struct {
	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64
	Version   string
	Address   string
}

type Challenge struct {
	PublicKey [PublicKeySize]byte
	Nonce     [ChallengeNonceSize]byte
}

type Response struct {
	Nonce uint32
	Hash  [ResponseHashSize]byte
}

func (Hello) Type() MessageType     { return TypeHello }
func (Challenge) Type() MessageType { return TypeChallenge }
func (Response) Type() MessageType  { return TypeResponse }

func (Hello) isMessage()     {}
func (Challenge) isMessage() {}
func (Response) isMessage()  {}

func (m Hello) MarshalBinary() ([]byte, error) {
	if len(m.Version) > MaxHelloStringSize || len(m.Address) > MaxHelloStringSize {
		return nil, fmt.Errorf("%w: hello string too long", ErrBadPayload)
	}
	b := make([]byte, 0, 8+4+len(m.Version)+4+len(m.Address))
	b = binary.BigEndian.AppendUint64(b, uint64(m.Timestamp))
	b = binary.BigEndian.AppendUint32(b, uint32(len(m.Version)))
	b = append(b, m.Version...)
	b = binary.BigEndian.AppendUint32(b, uint32(len(m.Address)))
	b = append(b, m.Address...)
	return b, nil
}

func DecodeHello(p []byte) (Hello, error) {
	if len(p) < 8 {
		return Hello{}, fmt.Errorf("%w: short hello", ErrBadPayload)
	}
	m := Hello{Timestamp: int64(binary.BigEndian.Uint64(p[:8]))}
	rest := p[8:]
	var err error
	if m.Version, rest, err = readString(rest); err != nil {
		return Hello{}, fmt.Errorf("bad hello version: %w", err)
	}
	if m.Address, rest, err = readString(rest); err != nil {
		return Hello{}, fmt.Errorf("bad hello address: %w", err)
	}
	if len(rest) != 0 {
		return Hello{}, fmt.Errorf("%w: trailing hello bytes", ErrBadPayload)
	}
	return m, nil
}

func readString(p []byte) (string, []byte, error) {
	if len(p) < 4 {
		return "", nil, ErrBadPayload
	}
	n := binary.BigEndian.Uint32(p[:4])
	if n > MaxHelloStringSize || int(n) > len(p)-4 {
		return "", nil, ErrBadPayload
	}
	return string(p[4 : 4+n]), p[4+n:], nil
}

func (m Challenge) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, ChallengeSize)
	b = append(b, m.PublicKey[:]...)
	b = append(b, m.Nonce[:]...)
	return b, nil
}

func DecodeChallenge(p []byte) (Challenge, error) {
	if len(p) != ChallengeSize {
		return Challenge{}, fmt.Errorf("%w: challenge is %d bytes", ErrBadPayload, len(p))
	}
	var m Challenge
	copy(m.PublicKey[:], p[:PublicKeySize])
	copy(m.Nonce[:], p[PublicKeySize:])
	return m, nil
}

func (m Response) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, ResponseSize)
	b = binary.BigEndian.AppendUint32(b, m.Nonce)
	b = append(b, m.Hash[:]...)
	return b, nil
}

func DecodeResponse(p []byte) (Response, error) {
	if len(p) != ResponseSize {
		return Response{}, fmt.Errorf("%w: response is %d bytes", ErrBadPayload, len(p))
	}
	var m Response
	m.Nonce = binary.BigEndian.Uint32(p[:4])
	copy(m.Hash[:], p[4:])
	return m, nil
}

// ParseMessage decodes the payload of f according to its type.
func ParseMessage(f Frame) (Message, error) {
	switch f.Type {
	case TypeHello:
		return DecodeHello(f.Payload)
	case TypeChallenge:
		return DecodeChallenge(f.Payload)
	case TypeResponse:
		return DecodeResponse(f.Payload)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, f.Type)
	}
}
