// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

// Package trigger parses task schedule expressions into typed trigger
// values. The grammar is small and closed:
//
//	@hourly | @daily | @weekly    recurring shortcut
//	*/N                           recurring, every N minutes
//	once:+DUR                     one-shot, DUR after creation
//	once:TIMESTAMP                one-shot, absolute time
//
// DUR is a Go duration ("+90s", "+15m", "+2h") or bare minutes
// ("+15"). TIMESTAMP is RFC 3339 or the local form
// "2006-01-02T15:04[:05]".
//
// Malformed expressions are rejected here, at task-creation time —
// a stored trigger string always parses. Relative one-shot forms are
// resolved against the creation time and canonicalized to absolute
// form by [Trigger.String], so re-parsing a stored trigger never
// shifts its fire time.
package trigger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalid is wrapped by every parse failure, so callers can map any
// malformed expression to one error class without matching messages.
var ErrInvalid = errors.New("invalid trigger expression")

// Trigger is a parsed, validated schedule rule. The zero value is not
// valid; use Parse.
type Trigger struct {
	// interval is non-zero for recurring triggers.
	interval time.Duration

	// at is the absolute fire time for one-shot triggers.
	at time.Time

	// shortcut preserves the @hourly/@daily/@weekly spelling so
	// String round-trips what the user wrote.
	shortcut string
}

// shortcuts maps the named recurring forms to their intervals.
var shortcuts = map[string]time.Duration{
	"@hourly": time.Hour,
	"@daily":  24 * time.Hour,
	"@weekly": 7 * 24 * time.Hour,
}

// Parse parses a schedule expression. now anchors relative one-shot
// forms ("once:+15m" means now+15m). Returns an error describing the
// accepted grammar when the expression is malformed.
func Parse(expression string, now time.Time) (Trigger, error) {
	trimmed := strings.TrimSpace(expression)
	// Keywords and prefixes match case-insensitively, but the once:
	// payload keeps its case: RFC 3339 requires uppercase T and Z.
	expr := strings.ToLower(trimmed)

	if interval, ok := shortcuts[expr]; ok {
		return Trigger{interval: interval, shortcut: expr}, nil
	}

	if rest, ok := strings.CutPrefix(expr, "*/"); ok {
		minutes, err := strconv.Atoi(rest)
		if err != nil || minutes < 1 {
			return Trigger{}, fmt.Errorf("trigger: %q: interval form is */N with N >= 1 minutes: %w", expression, ErrInvalid)
		}
		return Trigger{interval: time.Duration(minutes) * time.Minute}, nil
	}

	if strings.HasPrefix(expr, "once:") {
		at, err := parseOnce(strings.TrimSpace(trimmed[len("once:"):]), now)
		if err != nil {
			return Trigger{}, fmt.Errorf("trigger: %q: %v: %w", expression, err, ErrInvalid)
		}
		return Trigger{at: at}, nil
	}

	return Trigger{}, fmt.Errorf("trigger: %q: expected @hourly, @daily, @weekly, */N, once:+DUR, or once:TIMESTAMP: %w", expression, ErrInvalid)
}

// parseOnce parses the payload of a once: expression into an absolute
// time.
func parseOnce(payload string, now time.Time) (time.Time, error) {
	if offset, ok := strings.CutPrefix(payload, "+"); ok {
		// Bare minutes first ("+15"), then Go duration syntax.
		if minutes, err := strconv.Atoi(offset); err == nil {
			if minutes < 1 {
				return time.Time{}, fmt.Errorf("relative offset must be positive")
			}
			return now.Add(time.Duration(minutes) * time.Minute), nil
		}
		duration, err := time.ParseDuration(offset)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid relative offset %q", payload)
		}
		if duration <= 0 {
			return time.Time{}, fmt.Errorf("relative offset must be positive")
		}
		return now.Add(duration), nil
	}

	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04"} {
		if at, err := time.ParseInLocation(layout, payload, time.Local); err == nil {
			return at, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q (want RFC 3339 or 2006-01-02T15:04)", payload)
}

// OneShot reports whether the trigger fires exactly once.
func (t Trigger) OneShot() bool {
	return t.interval == 0
}

// Next returns the next fire time computed from now. For recurring
// triggers this is now plus the interval, so a recurring schedule
// always advances strictly. For one-shot triggers it is the absolute
// fire time regardless of now; the caller consumes the task after its
// single firing.
func (t Trigger) Next(now time.Time) time.Time {
	if t.interval > 0 {
		return now.Add(t.interval)
	}
	return t.at
}

// String renders the trigger in canonical storable form. Recurring
// shortcuts keep their spelling; other intervals render as */N;
// one-shot triggers always render as absolute once:RFC3339 so the
// stored form is stable across re-parses.
func (t Trigger) String() string {
	if t.shortcut != "" {
		return t.shortcut
	}
	if t.interval > 0 {
		return fmt.Sprintf("*/%d", int(t.interval/time.Minute))
	}
	return "once:" + t.at.Format(time.RFC3339)
}
