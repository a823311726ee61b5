// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hermit-sh/hermit/lib/codec"
)

// dialTimeout covers only the connect phase; a missing daemon fails
// fast instead of hanging the CLI.
const dialTimeout = 5 * time.Second

// DefaultCallTimeout is how long Call waits for the response when the
// client was built with no explicit timeout. Interactive agent runs
// dominate this budget, so it is generous.
const DefaultCallTimeout = 15 * time.Minute

// maxResponseSize matches the server's request cap.
const maxResponseSize = 1 << 20

// Client sends one-shot CBOR requests to the daemon socket. Each Call
// opens a fresh connection, mirroring the server's one-request-per-
// connection model.
type Client struct {
	socketPath  string
	callTimeout time.Duration
}

// NewClient creates a client for the daemon socket at socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, callTimeout: DefaultCallTimeout}
}

// WithCallTimeout returns a copy of the client with a different
// response deadline. Useful for quick commands like status checks.
func (c *Client) WithCallTimeout(d time.Duration) *Client {
	clone := *c
	clone.callTimeout = d
	return &clone
}

// Call sends a command and decodes the response data into result when
// result is non-nil. The fields map carries command-specific request
// fields; "command" is injected by the client.
//
// A server-reported failure comes back as a *Error with its original
// code. Connection and decoding problems are plain errors.
func (c *Client) Call(ctx context.Context, command string, fields map[string]any, result any) error {
	request := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		request[key] = value
	}
	request["command"] = command

	response, err := c.send(ctx, request)
	if err != nil {
		return fmt.Errorf("service: calling %q on %s: %w", command, c.socketPath, err)
	}

	if !response.OK {
		code := response.Code
		if code == "" {
			code = CodeInternal
		}
		return &Error{Code: code, Message: response.Error}
	}

	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("service: decoding response for %q: %w", command, err)
		}
	}
	return nil
}

func (c *Client) send(ctx context.Context, request any) (*Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	// Half-close the write side so the server sees a clean EOF after
	// the request.
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	conn.SetReadDeadline(time.Now().Add(c.callTimeout))
	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("daemon closed the connection without responding")
		}
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response, nil
}
