package protocol

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/cyberinferno/imgdelegate/imagebuf"
	"github.com/cyberinferno/imgdelegate/operation"
)

const (
	statusOK    byte = 0x00
	statusError byte = 0x01
)

// Request body: opLen u8 | op | paramsLen u32 | params JSON | encoded image.
// Response body: status u8 | encoded image (ok) or RemoteError JSON (error).

// EncodeRequest serializes req into a complete frame.
//
// Parameters:
//   - req: The request; its Image must be valid
//   - compress: Gzip the body when true
//
// Returns:
//   - The frame bytes, or an error if req cannot be encoded
func EncodeRequest(req *Request, compress bool) ([]byte, error) {
	op := []byte(req.Operation)
	if len(op) == 0 || len(op) > math.MaxUint8 {
		return nil, fmt.Errorf("encode request: operation name length %d out of range", len(op))
	}

	params := req.Params
	if params == nil {
		params = operation.Params{}
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode request params: %w", err)
	}

	img, err := imagebuf.Encode(req.Image)
	if err != nil {
		return nil, fmt.Errorf("encode request image: %w", err)
	}

	body := make([]byte, 0, 1+len(op)+4+len(paramsJSON)+len(img))
	body = append(body, byte(len(op)))
	body = append(body, op...)
	body = binary.BigEndian.AppendUint32(body, uint32(len(paramsJSON)))
	body = append(body, paramsJSON...)
	body = append(body, img...)

	return frame(MsgTypeRequest, req.ID, body, compress)
}

// EncodeResponse serializes resp into a complete frame.
//
// Parameters:
//   - resp: The response; either Error or a valid Image must be set
//   - compress: Gzip the body when true
//
// Returns:
//   - The frame bytes, or an error if resp cannot be encoded
func EncodeResponse(resp *Response, compress bool) ([]byte, error) {
	var body []byte

	if resp.IsError() {
		errJSON, err := json.Marshal(resp.Error)
		if err != nil {
			return nil, fmt.Errorf("encode response error: %w", err)
		}
		body = append([]byte{statusError}, errJSON...)
	} else {
		img, err := imagebuf.Encode(resp.Image)
		if err != nil {
			return nil, fmt.Errorf("encode response image: %w", err)
		}
		body = append([]byte{statusOK}, img...)
	}

	return frame(MsgTypeResponse, resp.ID, body, compress)
}

func frame(msgType MessageType, id uint64, body []byte, compress bool) ([]byte, error) {
	var flags Flags
	if compress {
		compressed, err := gzipBytes(body)
		if err != nil {
			return nil, err
		}
		body = compressed
		flags |= FlagGzip
	}

	if len(body) > MaxBodyLength {
		return nil, fmt.Errorf("frame body of %d bytes exceeds %d", len(body), MaxBodyLength)
	}

	header := NewHeader(msgType, id, uint32(len(body)))
	header.Flags = flags

	out := make([]byte, HeaderLength+len(body))
	copy(out, header.Encode())
	copy(out[HeaderLength:], body)

	return out, nil
}

// ReadFrame reads one frame from r and returns its header and decompressed body.
//
// Parameters:
//   - r: Source positioned at a frame boundary
//
// Returns:
//   - The decoded header and body
//   - An error from r, or one wrapping ErrMalformedFrame
func ReadFrame(r io.Reader) (*Header, []byte, error) {
	headerBytes := make([]byte, HeaderLength)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}

	header := &Header{}
	if err := header.Decode(headerBytes); err != nil {
		return nil, nil, err
	}

	body := make([]byte, header.BodyLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, fmt.Errorf("read body: %w", err)
	}

	if header.Flags&FlagGzip != 0 {
		plain, err := gunzipBytes(body)
		if err != nil {
			return nil, nil, err
		}
		body = plain
	}

	return header, body, nil
}

// ReadRequest reads and decodes one request frame.
//
// Returns:
//   - The request and whether its body was compressed
//   - An error from r, or one wrapping ErrMalformedFrame
func ReadRequest(r io.Reader) (*Request, bool, error) {
	header, body, err := ReadFrame(r)
	if err != nil {
		return nil, false, err
	}

	if header.MsgType != MsgTypeRequest {
		return nil, false, fmt.Errorf("%w: expected %s, got %s", ErrMalformedFrame, MsgTypeRequest, header.MsgType)
	}

	req, err := DecodeRequestBody(header.RequestID, body)
	if err != nil {
		return nil, false, err
	}

	return req, header.Flags&FlagGzip != 0, nil
}

// DecodeRequestBody parses an uncompressed request body.
func DecodeRequestBody(id uint64, body []byte) (*Request, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("%w: empty request body", ErrMalformedFrame)
	}

	opLen := int(body[0])
	rest := body[1:]
	if len(rest) < opLen+4 {
		return nil, fmt.Errorf("%w: request body truncated", ErrMalformedFrame)
	}

	op := operation.Operation(rest[:opLen])
	rest = rest[opLen:]

	paramsLen := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	if uint64(len(rest)) < uint64(paramsLen) {
		return nil, fmt.Errorf("%w: request params truncated", ErrMalformedFrame)
	}

	params := operation.Params{}
	dec := json.NewDecoder(bytes.NewReader(rest[:paramsLen]))
	dec.UseNumber()
	if err := dec.Decode(&params); err != nil {
		return nil, fmt.Errorf("%w: request params: %v", ErrMalformedFrame, err)
	}

	img, err := imagebuf.Decode(rest[paramsLen:])
	if err != nil {
		return nil, fmt.Errorf("%w: request image: %v", ErrMalformedFrame, err)
	}

	return &Request{ID: id, Operation: op, Params: params, Image: img}, nil
}

// ReadResponse reads and decodes one response frame.
func ReadResponse(r io.Reader) (*Response, error) {
	header, body, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}

	if header.MsgType != MsgTypeResponse {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrMalformedFrame, MsgTypeResponse, header.MsgType)
	}

	return DecodeResponseBody(header.RequestID, body)
}

// DecodeResponseBody parses an uncompressed response body.
func DecodeResponseBody(id uint64, body []byte) (*Response, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("%w: empty response body", ErrMalformedFrame)
	}

	switch body[0] {
	case statusOK:
		img, err := imagebuf.Decode(body[1:])
		if err != nil {
			return nil, fmt.Errorf("%w: response image: %v", ErrMalformedFrame, err)
		}
		return &Response{ID: id, Image: img}, nil

	case statusError:
		remote := &RemoteError{}
		if err := json.Unmarshal(body[1:], remote); err != nil {
			return nil, fmt.Errorf("%w: response error: %v", ErrMalformedFrame, err)
		}
		if remote.Kind == "" {
			remote.Kind = ErrorKindInternal
		}
		return &Response{ID: id, Error: remote}, nil

	default:
		return nil, fmt.Errorf("%w: unknown response status %d", ErrMalformedFrame, body[0])
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("gzip write failed: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip close failed: %w", err)
	}

	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip header: %v", ErrMalformedFrame, err)
	}
	defer reader.Close()

	plain, err := io.ReadAll(io.LimitReader(reader, MaxBodyLength+1))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip body: %v", ErrMalformedFrame, err)
	}

	if len(plain) > MaxBodyLength {
		return nil, fmt.Errorf("%w: decompressed body exceeds %d", ErrMalformedFrame, MaxBodyLength)
	}

	return plain, nil
}
