package tcpserver

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cyberinferno/imgdelegate/logger"
	"github.com/cyberinferno/imgdelegate/protocol"
)

// session serves one accepted connection. Requests are handled one at a time
// in arrival order, so responses leave in the same order.
type session struct {
	id     uint32
	conn   net.Conn
	server *TCPServer
	logger logger.Logger

	closeOnce sync.Once
	closeErr  error
}

func newSession(id uint32, conn net.Conn, server *TCPServer) *session {
	return &session{
		id:     id,
		conn:   conn,
		server: server,
		logger: server.Logger.With(
			logger.Field{Key: "session_id", Value: id},
			logger.Field{Key: "remote_addr", Value: conn.RemoteAddr().String()},
		),
	}
}

// Handle runs the read loop until the peer disconnects, a frame cannot be
// parsed, or ctx is canceled.
func (s *session) Handle(ctx context.Context) {
	defer func() { _ = s.Close() }()

	s.logger.Debug("session opened")

	for {
		if s.server.IdleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.server.IdleTimeout))
		}

		header, body, err := protocol.ReadFrame(s.conn)
		if err != nil {
			s.logReadError(err)
			return
		}

		resp := s.dispatch(ctx, header, body)
		if err := s.send(resp, header.Flags&protocol.FlagGzip != 0); err != nil {
			s.logger.Warn("failed to write response",
				logger.Field{Key: "request_id", Value: header.RequestID},
				logger.Field{Key: "error", Value: err.Error()})
			return
		}
	}
}

func (s *session) dispatch(ctx context.Context, header *protocol.Header, body []byte) *protocol.Response {
	if header.MsgType != protocol.MsgTypeRequest {
		return protocol.NewErrorResponse(header.RequestID, protocol.ErrorKindInternal, "unexpected "+header.MsgType.String()+" frame")
	}

	req, err := protocol.DecodeRequestBody(header.RequestID, body)
	if err != nil {
		s.logger.Warn("malformed request", logger.Field{Key: "error", Value: err.Error()})
		return protocol.NewErrorResponse(header.RequestID, protocol.ErrorKindInternal, err.Error())
	}

	return s.serve(ctx, req)
}

// serve runs the handler, turning a panic or a nil result into an internal error.
func (s *session) serve(ctx context.Context, req *protocol.Request) (resp *protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic",
				logger.Field{Key: "request_id", Value: req.ID},
				logger.Field{Key: "panic", Value: r})
			resp = protocol.NewErrorResponse(req.ID, protocol.ErrorKindInternal, "handler panic")
		}
	}()

	resp = s.server.Handler(ctx, req)
	if resp == nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrorKindInternal, "handler returned no response")
	}

	resp.ID = req.ID
	return resp
}

func (s *session) send(resp *protocol.Response, compress bool) error {
	data, err := protocol.EncodeResponse(resp, compress)
	if err != nil {
		s.logger.Error("failed to encode response",
			logger.Field{Key: "request_id", Value: resp.ID},
			logger.Field{Key: "error", Value: err.Error()})

		data, err = protocol.EncodeResponse(protocol.NewErrorResponse(resp.ID, protocol.ErrorKindInternal, "unencodable result"), compress)
		if err != nil {
			return err
		}
	}

	for len(data) > 0 {
		n, err := s.conn.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}

	return nil
}

func (s *session) logReadError(err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		s.logger.Debug("session closed")
	case errors.Is(err, protocol.ErrMalformedFrame):
		s.logger.Warn("malformed frame, closing session", logger.Field{Key: "error", Value: err.Error()})
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			s.logger.Debug("session idle timeout")
			return
		}
		s.logger.Warn("session read error", logger.Field{Key: "error", Value: err.Error()})
	}
}

// Close closes the connection. Safe to call more than once.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})

	return s.closeErr
}
