// Copyright 2026 the boar-with-shoes authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Server limits.
const (
	// DefaultReadTimeout bounds how long the server waits for the
	// payload bytes a header announced.
	DefaultReadTimeout = 30 * time.Second

	// maxPayloadSize caps the JSON payload of a single request.
	maxPayloadSize = 16 << 20
)

// Handler serves one method. It returns the result to serialize, or a
// *StreamResult when the response carries a binary tail.
type Handler func(params json.RawMessage) (any, error)

// StreamResult is a handler return value whose bytes travel as the
// frame's binary tail. The JSON-RPC result member is null. The reader
// is closed after the tail is drained.
type StreamResult struct {
	Size   int64
	Reader io.ReadCloser
}

// ErrorClassifier maps a handler error to a JSON-RPC error code.
// Returning 0 falls back to the procedure exception code.
type ErrorClassifier func(err error) int

// Server accepts framed connections and dispatches JSON-RPC requests.
// Handlers are per-connection: NewHandlers is invoked once per
// accepted connection so that stateful surfaces (a staged snapshot,
// a verification sweep) stay connection-local. Requests on one
// connection are served strictly one at a time so response frames and
// binary tails never interleave.
type Server struct {
	// NewHandlers builds the method table for one connection.
	NewHandlers func() map[string]Handler

	// ClassifyError, when set, refines handler errors into JSON-RPC
	// codes.
	ClassifyError ErrorClassifier

	// ReadTimeout bounds payload reads. Zero means
	// DefaultReadTimeout.
	ReadTimeout time.Duration

	// Log must not be nil.
	Log logrus.FieldLogger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// Serve accepts connections on l until Close is called. Each
// connection is served on its own goroutine.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("wire: server closed")
	}
	s.listener = l
	s.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("wire: accept: %w", err)
		}
		go s.serveConn(conn)
	}
}

// Close stops accepting and closes the listener. Connections already
// accepted are not closed; they keep being served until the peer
// disconnects.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	log := s.Log.WithField("remote", conn.RemoteAddr().String())
	log.Debug("connection opened")
	defer log.Debug("connection closed")

	handlers := s.NewHandlers()

	for {
		if err := s.serveOne(conn, handlers, log); err != nil {
			if !errors.Is(err, io.EOF) {
				log.WithError(err).Warn("connection terminated")
			}
			return
		}
	}
}

// serveOne reads, dispatches and answers a single request. A non-nil
// return terminates the connection.
func (s *Server) serveOne(conn net.Conn, handlers map[string]Handler, log logrus.FieldLogger) error {
	// The header read blocks indefinitely: an idle connection is
	// fine. The deadline starts once a header announces a payload.
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}
	header, err := ReadHeader(conn)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return err
	}

	// Servers do not consume streamed uploads.
	if header.HasBinary && header.BinarySize > 0 {
		s.writeError(conn, nil, CodeInvalidRequest, "requests must not carry a binary payload")
		return errors.New("wire: request announced a binary tail")
	}
	if header.PayloadSize > maxPayloadSize {
		s.writeError(conn, nil, CodeInvalidRequest, "payload too large")
		return errors.New("wire: oversized payload")
	}

	timeout := s.ReadTimeout
	if timeout == 0 {
		timeout = DefaultReadTimeout
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	payload := make([]byte, header.PayloadSize)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	// Malformed JSON-RPC is a protocol error: answer it, then
	// terminate the connection.
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		s.writeError(conn, nil, CodeParseError, "parse error")
		return fmt.Errorf("wire: malformed request: %w", err)
	}
	if err := req.Validate(); err != nil {
		s.writeError(conn, req.ID, CodeInvalidRequest, err.Error())
		return err
	}

	handler, ok := handlers[req.Method]
	if !ok {
		log.WithField("method", req.Method).Debug("method not found")
		return s.writeError(conn, req.ID, CodeMethodNotFound, fmt.Sprintf("no such method: %s", req.Method))
	}

	log.WithField("method", req.Method).Debug("dispatch")
	result, err := handler(req.Params)
	if err != nil {
		code := CodeProcedureException
		if s.ClassifyError != nil {
			if c := s.ClassifyError(err); c != 0 {
				code = c
			}
		}
		log.WithError(err).WithField("method", req.Method).Info("procedure failed")
		return s.writeError(conn, req.ID, code, err.Error())
	}

	if stream, ok := result.(*StreamResult); ok {
		return s.writeStream(conn, req.ID, stream)
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return s.writeError(conn, req.ID, CodeInternalError, "result serialization failed")
	}
	return s.writeResponse(conn, newResultResponse(req.ID, resultJSON))
}

// writeStream sends a null-result response whose frame declares a
// binary tail, then drains the producer in bounded chunks.
func (s *Server) writeStream(conn net.Conn, id json.RawMessage, stream *StreamResult) error {
	defer stream.Reader.Close()

	payload, err := json.Marshal(newResultResponse(id, nil))
	if err != nil {
		return err
	}
	if err := WriteFrame(conn, payload, true, uint32(stream.Size)); err != nil {
		return err
	}
	return CopyStream(conn, stream.Reader, stream.Size)
}

func (s *Server) writeResponse(conn net.Conn, resp Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return WriteFrame(conn, payload, false, 0)
}

func (s *Server) writeError(conn net.Conn, id json.RawMessage, code int, message string) error {
	return s.writeResponse(conn, newErrorResponse(id, code, message))
}
