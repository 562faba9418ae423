package protocol

import (
	"fmt"

	"github.com/cyberinferno/imgdelegate/imagebuf"
	"github.com/cyberinferno/imgdelegate/operation"
)

// Request asks the remote endpoint to apply Operation to Image.
type Request struct {
	ID        uint64
	Operation operation.Operation
	Params    operation.Params
	Image     *imagebuf.ImageBuffer
}

func (r *Request) String() string {
	return fmt.Sprintf("Request{ID=%d, Operation=%s, Params=%v, Image=%s}", r.ID, r.Operation, r.Params, r.Image)
}

// Response carries either a processed Image or a remote Error.
type Response struct {
	ID    uint64
	Image *imagebuf.ImageBuffer
	Error *RemoteError
}

// NewSuccessResponse builds a response carrying img.
func NewSuccessResponse(requestID uint64, img *imagebuf.ImageBuffer) *Response {
	return &Response{ID: requestID, Image: img}
}

// NewErrorResponse builds a response carrying a structured failure.
func NewErrorResponse(requestID uint64, kind ErrorKind, message string) *Response {
	return &Response{ID: requestID, Error: &RemoteError{Kind: kind, Message: message}}
}

// IsError reports whether the response carries a failure.
func (r *Response) IsError() bool {
	return r.Error != nil
}

// ErrorKind classifies a failure reported by the remote endpoint.
type ErrorKind string

const (
	ErrorKindUnsupportedOperation ErrorKind = "unsupported_operation"
	ErrorKindInvalidImage         ErrorKind = "invalid_image"
	ErrorKindInvalidParameter     ErrorKind = "invalid_parameter"
	ErrorKindProcessingFailed     ErrorKind = "processing_failed"
	ErrorKindInternal             ErrorKind = "internal"
)

// RemoteError is the structured error body of a failed response.
type RemoteError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote %s", e.Kind)
	}

	return fmt.Sprintf("remote %s: %s", e.Kind, e.Message)
}
