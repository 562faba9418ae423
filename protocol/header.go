// Package protocol implements the framed request/response wire format spoken
// between the delegate client and a remote processing endpoint.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderLength is the size of the fixed frame header in bytes.
	HeaderLength = 20
	// Magic opens every frame.
	Magic uint16 = 0x1D6E
	// Version is the only frame version this package speaks.
	Version byte = 0x01
	// MaxBodyLength caps the uncompressed body of a single frame.
	MaxBodyLength = 64 << 20
	// MaxImageLength is the largest encoded image a request may carry. The
	// rest of MaxBodyLength is left for the operation name and parameters.
	MaxImageLength = MaxBodyLength - 64<<10
)

// ErrMalformedFrame is returned (wrapped) when a frame cannot be parsed.
var ErrMalformedFrame = errors.New("malformed frame")

// MessageType distinguishes requests from responses.
type MessageType byte

const (
	MsgTypeRequest  MessageType = 0x01
	MsgTypeResponse MessageType = 0x02
)

func (t MessageType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// Flags is a bit set describing the body encoding.
type Flags byte

const (
	// FlagGzip marks a gzip-compressed body.
	FlagGzip Flags = 1 << 0
)

// Header is the fixed 20-byte frame prefix.
//
// Byte layout, big-endian:
//
//	0  1  2   3   4   5  6  7  8                    16          20
//	+--+--+---+---+---+--+--+--+--------------------+-----------+
//	|Magic|Ver|Typ|Flg|Reserved| Request ID         | BodyLen   |
//	+--+--+---+---+---+--+--+--+--------------------+-----------+
type Header struct {
	Magic      uint16
	Version    byte
	MsgType    MessageType
	Flags      Flags
	Reserved   [3]byte
	RequestID  uint64
	BodyLength uint32
}

// NewHeader returns a header for a frame of the given type and body size.
func NewHeader(msgType MessageType, requestID uint64, bodyLen uint32) *Header {
	return &Header{
		Magic:      Magic,
		Version:    Version,
		MsgType:    msgType,
		RequestID:  requestID,
		BodyLength: bodyLen,
	}
}

// Encode serializes the header into HeaderLength bytes.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderLength)

	binary.BigEndian.PutUint16(buf[0:2], h.Magic)
	buf[2] = h.Version
	buf[3] = byte(h.MsgType)
	buf[4] = byte(h.Flags)
	copy(buf[5:8], h.Reserved[:])
	binary.BigEndian.PutUint64(buf[8:16], h.RequestID)
	binary.BigEndian.PutUint32(buf[16:20], h.BodyLength)

	return buf
}

// Decode parses buf into h, rejecting unknown magic, version, or oversize bodies.
func (h *Header) Decode(buf []byte) error {
	if len(buf) < HeaderLength {
		return fmt.Errorf("%w: header length %d, expected %d", ErrMalformedFrame, len(buf), HeaderLength)
	}

	h.Magic = binary.BigEndian.Uint16(buf[0:2])
	if h.Magic != Magic {
		return fmt.Errorf("%w: magic 0x%X, expected 0x%X", ErrMalformedFrame, h.Magic, Magic)
	}

	h.Version = buf[2]
	if h.Version != Version {
		return fmt.Errorf("%w: unsupported protocol version %d", ErrMalformedFrame, h.Version)
	}

	h.MsgType = MessageType(buf[3])
	h.Flags = Flags(buf[4])
	copy(h.Reserved[:], buf[5:8])
	h.RequestID = binary.BigEndian.Uint64(buf[8:16])
	h.BodyLength = binary.BigEndian.Uint32(buf[16:20])

	if h.BodyLength > MaxBodyLength {
		return fmt.Errorf("%w: body length %d exceeds %d", ErrMalformedFrame, h.BodyLength, MaxBodyLength)
	}

	return nil
}

func (h *Header) String() string {
	return fmt.Sprintf("Header{Type=%s, Flags=%d, RequestID=%d, BodyLen=%d}",
		h.MsgType, h.Flags, h.RequestID, h.BodyLength)
}
