package tcpserver

import (
	"context"
	"errors"

	"github.com/cyberinferno/imgdelegate/imagebuf"
	"github.com/cyberinferno/imgdelegate/operation"
	"github.com/cyberinferno/imgdelegate/protocol"
)

// Handler produces the response for one request. ctx is canceled when the
// server stops. The response ID is overwritten with the request's.
type Handler func(ctx context.Context, req *protocol.Request) *protocol.Response

// ProcessFunc applies a validated operation. params are already normalized
// (blur always carries kernel_size, resize carries width and height).
type ProcessFunc func(ctx context.Context, op operation.Operation, params operation.Params, img *imagebuf.ImageBuffer) (*imagebuf.ImageBuffer, error)

// NewOperationHandler wraps fn with the same validation the client performs,
// so endpoints reject bad input with the matching error kind.
//
// Parameters:
//   - fn: The image algorithm implementation
//
// Returns:
//   - A Handler mapping validation failures and fn errors to remote error kinds
func NewOperationHandler(fn ProcessFunc) Handler {
	return func(ctx context.Context, req *protocol.Request) *protocol.Response {
		if !req.Operation.Valid() {
			return protocol.NewErrorResponse(req.ID, protocol.ErrorKindUnsupportedOperation, "unknown operation "+string(req.Operation))
		}

		if err := req.Image.Validate(); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrorKindInvalidImage, err.Error())
		}

		if req.Image.Channels < req.Operation.MinChannels() {
			return protocol.NewErrorResponse(req.ID, protocol.ErrorKindInvalidImage, "too few channels for "+string(req.Operation))
		}

		params, err := operation.Normalize(req.Operation, req.Params)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrorKindInvalidParameter, err.Error())
		}

		out, err := fn(ctx, req.Operation, params, req.Image)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, errorKind(err), err.Error())
		}

		return protocol.NewSuccessResponse(req.ID, out)
	}
}

func errorKind(err error) protocol.ErrorKind {
	switch {
	case errors.Is(err, operation.ErrUnsupported):
		return protocol.ErrorKindUnsupportedOperation
	case errors.Is(err, operation.ErrInvalidParameter):
		return protocol.ErrorKindInvalidParameter
	case errors.Is(err, imagebuf.ErrInvalidImage):
		return protocol.ErrorKindInvalidImage
	default:
		return protocol.ErrorKindProcessingFailed
	}
}
