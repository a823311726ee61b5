// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

package invoker

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TranscriptFile is the name of the per-workspace conversation log,
// relative to the workspace root. It is plain text so the agent itself
// can read its own history from inside the sandbox.
const TranscriptFile = "transcript.log"

const transcriptTimeLayout = "2006-01-02 15:04:05"

// appendTranscript records one exchange in the workspace transcript.
// The prompt line carries a "> " prefix so user input and agent output
// stay distinguishable in a plain pager. Failures to write are returned
// but callers treat them as non-fatal: a lost transcript line must not
// fail an otherwise successful run.
func appendTranscript(root, prompt, output string, at time.Time) error {
	path := filepath.Join(root, TranscriptFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("invoker: opening transcript: %w", err)
	}
	defer f.Close()

	stamp := at.Format(transcriptTimeLayout)
	if _, err := fmt.Fprintf(f, "--- %s ---\n> %s\n\n", stamp, prompt); err != nil {
		return fmt.Errorf("invoker: writing transcript: %w", err)
	}
	if output != "" {
		if _, err := fmt.Fprintf(f, "--- %s ---\n%s\n\n", stamp, output); err != nil {
			return fmt.Errorf("invoker: writing transcript: %w", err)
		}
	}
	return nil
}
