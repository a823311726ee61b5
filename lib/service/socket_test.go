// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/hermit-sh/hermit/lib/codec"
	"github.com/hermit-sh/hermit/lib/testutil"
)

func startServer(t *testing.T, register func(*Server)) string {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), "hermit.sock")
	server := NewServer(socketPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	register(server)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(ctx); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "server did not shut down")
	})

	// Wait for the socket to appear.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if conn, err := net.Dial("unix", socketPath); err == nil {
			conn.Close()
			return socketPath
		}
		if time.Now().After(deadline) {
			t.Fatal("server socket never came up")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCallRoundTrip(t *testing.T) {
	socketPath := startServer(t, func(s *Server) {
		s.Handle("echo", func(ctx context.Context, raw []byte) (any, error) {
			var req struct {
				Text string `cbor:"text"`
			}
			if err := codec.Unmarshal(raw, &req); err != nil {
				return nil, err
			}
			return map[string]any{"echo": req.Text}, nil
		})
	})

	client := NewClient(socketPath)
	var result struct {
		Echo string `cbor:"echo"`
	}
	err := client.Call(context.Background(), "echo", map[string]any{"text": "hello"}, &result)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.Echo != "hello" {
		t.Errorf("echo = %q, want hello", result.Echo)
	}
}

func TestCallNilResult(t *testing.T) {
	socketPath := startServer(t, func(s *Server) {
		s.Handle("noop", func(ctx context.Context, raw []byte) (any, error) {
			return nil, nil
		})
	})

	if err := NewClient(socketPath).Call(context.Background(), "noop", nil, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
}

func TestCallCodedError(t *testing.T) {
	socketPath := startServer(t, func(s *Server) {
		s.Handle("fail", func(ctx context.Context, raw []byte) (any, error) {
			return nil, Errorf(CodeBusy, "workspace %q is busy", "proj")
		})
	})

	err := NewClient(socketPath).Call(context.Background(), "fail", nil, nil)
	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("Call error = %v, want *Error", err)
	}
	if serr.Code != CodeBusy {
		t.Errorf("code = %q, want busy", serr.Code)
	}
}

func TestCallUncodedErrorBecomesInternal(t *testing.T) {
	socketPath := startServer(t, func(s *Server) {
		s.Handle("fail", func(ctx context.Context, raw []byte) (any, error) {
			return nil, fmt.Errorf("something broke")
		})
	})

	err := NewClient(socketPath).Call(context.Background(), "fail", nil, nil)
	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("Call error = %v, want *Error", err)
	}
	if serr.Code != CodeInternal {
		t.Errorf("code = %q, want internal", serr.Code)
	}
}

func TestUnknownCommand(t *testing.T) {
	socketPath := startServer(t, func(s *Server) {})

	err := NewClient(socketPath).Call(context.Background(), "nope", nil, nil)
	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("Call error = %v, want *Error", err)
	}
	if serr.Code != CodeInvalidRequest {
		t.Errorf("code = %q, want invalid-request", serr.Code)
	}
}

func TestMissingCommandField(t *testing.T) {
	socketPath := startServer(t, func(s *Server) {})

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(map[string]any{"text": "no command"}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	conn.(*net.UnixConn).CloseWrite()

	var response Response
	if err := codec.NewDecoder(conn).Decode(&response); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if response.OK || response.Code != CodeInvalidRequest {
		t.Errorf("response = %+v, want invalid-request failure", response)
	}
}

func TestDuplicateHandlerPanics(t *testing.T) {
	server := NewServer("/tmp/unused.sock", slog.New(slog.NewTextHandler(io.Discard, nil)))
	server.Handle("x", func(ctx context.Context, raw []byte) (any, error) { return nil, nil })
	defer func() {
		if recover() == nil {
			t.Fatal("duplicate Handle should panic")
		}
	}()
	server.Handle("x", func(ctx context.Context, raw []byte) (any, error) { return nil, nil })
}

func TestCallWithoutDaemon(t *testing.T) {
	client := NewClient(filepath.Join(testutil.SocketDir(t), "absent.sock"))
	if err := client.Call(context.Background(), "status", nil, nil); err == nil {
		t.Fatal("Call with no daemon should fail")
	}
}
