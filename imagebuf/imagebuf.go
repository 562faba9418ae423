// Package imagebuf defines the in-memory raster passed to and returned from the
// delegate client, together with a length-prefixed binary codec used on the wire.
package imagebuf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// MaxChannels is the largest channel count an ImageBuffer may carry.
const MaxChannels = 4

// ErrInvalidImage is returned (wrapped) for empty or inconsistent buffers.
var ErrInvalidImage = errors.New("invalid image")

// ImageBuffer is a tightly packed, row-major raster. Pixel (x, y) channel c
// lives at Pix[(y*Width+x)*Channels+c].
type ImageBuffer struct {
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Channels int    `json:"channels"`
	Pix      []byte `json:"pix"`
}

// New allocates a zeroed ImageBuffer of the given shape.
//
// Parameters:
//   - width, height: Dimensions in pixels; must be positive
//   - channels: Channel count between 1 and MaxChannels
//
// Returns:
//   - The new buffer, or an error wrapping ErrInvalidImage for a bad shape
func New(width, height, channels int) (*ImageBuffer, error) {
	img := &ImageBuffer{Width: width, Height: height, Channels: channels}
	if err := img.validateShape(); err != nil {
		return nil, err
	}

	img.Pix = make([]byte, width*height*channels)
	return img, nil
}

// Validate reports whether the buffer is non-empty and internally consistent.
//
// Returns:
//   - nil for a usable buffer; otherwise an error wrapping ErrInvalidImage
func (b *ImageBuffer) Validate() error {
	if b == nil {
		return fmt.Errorf("%w: nil buffer", ErrInvalidImage)
	}

	if err := b.validateShape(); err != nil {
		return err
	}

	if len(b.Pix) == 0 {
		return fmt.Errorf("%w: empty pixel data", ErrInvalidImage)
	}

	if want := uint64(b.Width) * uint64(b.Height) * uint64(b.Channels); uint64(len(b.Pix)) != want {
		return fmt.Errorf("%w: pixel data has %d bytes, expected %d for %dx%dx%d",
			ErrInvalidImage, len(b.Pix), want, b.Width, b.Height, b.Channels)
	}

	return nil
}

func (b *ImageBuffer) validateShape() error {
	if b.Width <= 0 || b.Height <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d must be positive", ErrInvalidImage, b.Width, b.Height)
	}

	if b.Channels < 1 || b.Channels > MaxChannels {
		return fmt.Errorf("%w: channel count %d out of range 1..%d", ErrInvalidImage, b.Channels, MaxChannels)
	}

	// keeps width*height*channels and the wire length field inside uint32;
	// divided rather than multiplied so huge dimensions cannot wrap
	limit := uint64(math.MaxUint32)
	if uint64(b.Width) > limit/uint64(b.Height) || uint64(b.Width)*uint64(b.Height) > limit/uint64(b.Channels) {
		return fmt.Errorf("%w: %dx%dx%d exceeds maximum size", ErrInvalidImage, b.Width, b.Height, b.Channels)
	}

	return nil
}

// Clone returns a deep copy of the buffer.
func (b *ImageBuffer) Clone() *ImageBuffer {
	if b == nil {
		return nil
	}

	c := *b
	c.Pix = bytes.Clone(b.Pix)
	return &c
}

// Equal reports whether two buffers have the same shape and identical pixels.
func (b *ImageBuffer) Equal(o *ImageBuffer) bool {
	if b == nil || o == nil {
		return b == o
	}

	return b.Width == o.Width && b.Height == o.Height && b.Channels == o.Channels && bytes.Equal(b.Pix, o.Pix)
}

func (b *ImageBuffer) String() string {
	return fmt.Sprintf("ImageBuffer{%dx%dx%d, %d bytes}", b.Width, b.Height, b.Channels, len(b.Pix))
}

// Wire layout, big-endian:
//
//	0      4   5   6       8         12        16        20
//	+------+---+---+-------+---------+---------+---------+------------+
//	|"IMGB"|Ver|Ch |Reserv | Width   | Height  | PixLen  | Pix ...    |
//	+------+---+---+-------+---------+---------+---------+------------+
const (
	headerLength = 20
	codecVersion = 0x01
)

var magic = [4]byte{'I', 'M', 'G', 'B'}

// EncodedLen returns the size of the encoded form of b.
func (b *ImageBuffer) EncodedLen() int {
	return headerLength + len(b.Pix)
}

// Encode serializes a valid buffer into its wire form.
//
// Parameters:
//   - b: The buffer to encode; validated first
//
// Returns:
//   - The encoded bytes
//   - An error wrapping ErrInvalidImage if b is not valid
func Encode(b *ImageBuffer) ([]byte, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	buf := make([]byte, b.EncodedLen())
	copy(buf[0:4], magic[:])
	buf[4] = codecVersion
	buf[5] = byte(b.Channels)
	binary.BigEndian.PutUint32(buf[8:12], uint32(b.Width))
	binary.BigEndian.PutUint32(buf[12:16], uint32(b.Height))
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(b.Pix)))
	copy(buf[headerLength:], b.Pix)

	return buf, nil
}

// Decode parses the wire form produced by Encode. The returned buffer owns a
// copy of the pixel bytes.
//
// Parameters:
//   - data: The encoded bytes; must contain exactly one image
//
// Returns:
//   - The decoded buffer
//   - An error wrapping ErrInvalidImage for malformed, truncated, or inconsistent input
func Decode(data []byte) (*ImageBuffer, error) {
	if len(data) < headerLength {
		return nil, fmt.Errorf("%w: encoded image truncated at %d bytes", ErrInvalidImage, len(data))
	}

	if !bytes.Equal(data[0:4], magic[:]) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrInvalidImage, data[0:4])
	}

	if data[4] != codecVersion {
		return nil, fmt.Errorf("%w: unsupported codec version %d", ErrInvalidImage, data[4])
	}

	pixLen := binary.BigEndian.Uint32(data[16:20])
	if uint64(len(data)-headerLength) != uint64(pixLen) {
		return nil, fmt.Errorf("%w: payload has %d pixel bytes, header declares %d",
			ErrInvalidImage, len(data)-headerLength, pixLen)
	}

	img := &ImageBuffer{
		Width:    int(binary.BigEndian.Uint32(data[8:12])),
		Height:   int(binary.BigEndian.Uint32(data[12:16])),
		Channels: int(data[5]),
		Pix:      bytes.Clone(data[headerLength:]),
	}

	if err := img.Validate(); err != nil {
		return nil, err
	}

	return img, nil
}
