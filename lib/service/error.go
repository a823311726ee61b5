// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

package service

import "fmt"

// Error codes carried in failure responses. Clients branch on the code,
// never on message text.
const (
	CodeInvalidRequest = "invalid-request"
	CodeInvalidName    = "invalid-name"
	CodeInvalidTrigger = "invalid-trigger"
	CodeNotFound       = "not-found"
	CodeBusy           = "busy"
	CodeAgentFailed    = "agent-failed"
	CodeTimeout        = "timeout"
	CodeStore          = "store"
	CodeInternal       = "internal"
)

// Error is a failure a handler reports to the client. The Code survives
// the wire round trip; handlers wrap domain errors into one of the
// stable codes above.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a coded error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
