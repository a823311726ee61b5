// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

// Package service implements the CBOR request-response protocol spoken
// over the daemon's Unix socket. Each connection carries exactly one
// request and one response; CBOR is self-delimiting so no framing is
// needed on top.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/hermit-sh/hermit/lib/codec"
)

// HandlerFunc processes one request for a named command. The raw
// parameter is the full CBOR request including the "command" field;
// handlers decode their own fields from it.
//
// Return a value for the response's data field, or nil for a bare
// {ok: true}. Returned *Error values keep their code on the wire; any
// other error is reported as CodeInternal.
type HandlerFunc func(ctx context.Context, raw []byte) (any, error)

// Response is the wire envelope for every reply.
type Response struct {
	OK    bool             `cbor:"ok"`
	Code  string           `cbor:"code,omitempty"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// Server serves the socket protocol. Register commands with Handle
// before calling Serve.
type Server struct {
	socketPath string
	handlers   map[string]HandlerFunc
	logger     *slog.Logger

	// active tracks in-flight handlers so Serve can drain them on
	// shutdown instead of cutting connections mid-run.
	active sync.WaitGroup
}

// NewServer creates a server that will listen on socketPath.
func NewServer(socketPath string, logger *slog.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		handlers:   make(map[string]HandlerFunc),
		logger:     logger,
	}
}

// Handle registers a handler. Registering the same command twice is a
// programming error and panics.
func (s *Server) Handle(command string, handler HandlerFunc) {
	if _, exists := s.handlers[command]; exists {
		panic(fmt.Sprintf("service: duplicate handler for command %q", command))
	}
	s.handlers[command] = handler
}

// Serve accepts connections until ctx is cancelled, then stops
// listening and waits for in-flight handlers to finish. Any stale
// socket file at the path is removed before listening and the live one
// is removed on return. The socket is created with owner-only
// permissions: file access is the entire authentication model.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("service: removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("service: listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("service: restricting socket permissions: %w", err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("control socket listening", slog.String("path", s.socketPath))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", slog.String("error", err.Error()))
			continue
		}

		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.active.Wait()
	s.logger.Info("control socket drained")
	return nil
}

// requestReadTimeout bounds how long a client may dawdle before sending
// its request. Handler execution itself has no deadline here: agent
// runs legitimately take minutes and carry their own timeout.
const requestReadTimeout = 30 * time.Second

const responseWriteTimeout = 10 * time.Second

// maxRequestSize caps a single CBOR request. Prompts are text; 1 MB is
// far beyond any legitimate use.
const maxRequestSize = 1 << 20

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(requestReadTimeout))

	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeError(conn, Errorf(CodeInvalidRequest, "decoding request: %v", err))
		return
	}

	var header struct {
		Command string `cbor:"command"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, Errorf(CodeInvalidRequest, "decoding request: %v", err))
		return
	}
	if header.Command == "" {
		s.writeError(conn, Errorf(CodeInvalidRequest, "missing required field: command"))
		return
	}

	handler, exists := s.handlers[header.Command]
	if !exists {
		s.writeError(conn, Errorf(CodeInvalidRequest, "unknown command %q", header.Command))
		return
	}

	// The handler may run for minutes (agent runs); clear the read
	// deadline so the connection does not expire under it.
	conn.SetReadDeadline(time.Time{})

	result, err := handler(ctx, []byte(raw))
	if err != nil {
		s.logger.Debug("command failed",
			slog.String("command", header.Command),
			slog.String("error", err.Error()))
		var coded *Error
		if !errors.As(err, &coded) {
			coded = &Error{Code: CodeInternal, Message: err.Error()}
		}
		s.writeError(conn, coded)
		return
	}

	s.writeSuccess(conn, result)
}

func (s *Server) writeError(conn net.Conn, serr *Error) {
	conn.SetWriteDeadline(time.Now().Add(responseWriteTimeout))
	if err := codec.NewEncoder(conn).Encode(Response{
		OK:    false,
		Code:  serr.Code,
		Error: serr.Message,
	}); err != nil {
		s.logger.Debug("writing error response failed", slog.String("error", err.Error()))
	}
}

func (s *Server) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(responseWriteTimeout))

	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, Errorf(CodeInternal, "marshaling response: %v", err))
			return
		}
		response.Data = data
	}

	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("writing response failed", slog.String("error", err.Error()))
	}
}
