// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

// Package scheduler drives due tasks through the invoker on a fixed
// tick. Tasks are claimed in the store before firing so a crash mid-run
// never double-fires a one-shot: recovery at startup resolves claimed
// tasks instead of re-running them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hermit-sh/hermit/invoker"
	"github.com/hermit-sh/hermit/lib/clock"
	"github.com/hermit-sh/hermit/store"
)

// DefaultTick is how often the scheduler checks for due tasks.
const DefaultTick = time.Minute

// Runner executes one agent run. *invoker.Invoker is the production
// implementation.
type Runner interface {
	Invoke(ctx context.Context, workspace store.Workspace, req invoker.Request) (invoker.Result, error)
}

// Scheduler fires due tasks. All fields must be set before Run.
type Scheduler struct {
	Store   *store.Store
	Invoker Runner
	// Tick is the poll interval; zero means DefaultTick.
	Tick time.Duration
	// Tools is the tool set provisioned for scheduled runs.
	Tools  []string
	Logger *slog.Logger
	Clock  clock.Clock

	mu sync.Mutex
	// pending holds claimed one-shot tasks that found their workspace
	// busy. They stay claimed in the store and are retried each tick;
	// if the daemon exits first, startup recovery marks them done.
	pending map[string]store.Task
}

// Run executes the tick loop until ctx is cancelled. It always returns
// ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	tick := s.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	ticker := s.Clock.NewTicker(tick)
	defer ticker.Stop()

	s.Logger.Info("scheduler started", slog.Duration("tick", tick))
	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// runDue claims everything due at this tick and fires each task in
// turn. Scheduled runs never wait for a busy workspace; an interactive
// session in progress wins and the task defers.
func (s *Scheduler) runDue(ctx context.Context) {
	now := s.Clock.Now()

	tasks, err := s.Store.ClaimDueTasks(ctx, now)
	if err != nil {
		s.Logger.Error("claiming due tasks failed", slog.String("error", err.Error()))
		return
	}
	tasks = append(tasks, s.takePending()...)

	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, task, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, task store.Task, now time.Time) {
	logger := s.Logger.With(
		slog.String("task", task.ID),
		slog.String("workspace", task.Group))

	workspace, err := s.Store.GetOrCreateWorkspace(ctx, task.Group)
	if err != nil {
		logger.Error("resolving workspace failed", slog.String("error", err.Error()))
		s.settle(ctx, task, fmt.Sprintf("error: %v", err), now, logger)
		return
	}
	// Session read deferred until the workspace lock is held, so the
	// task continues the conversation exactly where the preceding run
	// left it.
	resolveResume := func(ctx context.Context) (string, error) {
		session, _, err := s.Store.Session(ctx, task.Group)
		if err != nil {
			logger.Error("loading session failed", slog.String("error", err.Error()))
			return "", nil
		}
		return session, nil
	}

	result, err := s.Invoker.Invoke(ctx, workspace, invoker.Request{
		Prompt:        task.Prompt,
		ResolveResume: resolveResume,
		Tools:         s.Tools,
		TaskID:        task.ID,
	})
	switch {
	case errors.Is(err, invoker.ErrBusy):
		s.deferBusy(ctx, task, now, logger)
		return
	case errors.Is(err, context.Canceled):
		// Shutdown mid-fire; startup recovery resolves the claim.
		return
	case err != nil:
		logger.Warn("task run failed", slog.String("error", err.Error()))
		s.settle(ctx, task, fmt.Sprintf("error: %v", err), now, logger)
		return
	}

	if result.SessionID != "" {
		if err := s.Store.SetSession(ctx, task.Group, result.SessionID); err != nil {
			logger.Error("persisting session failed", slog.String("error", err.Error()))
		}
	}
	s.settle(ctx, task, result.Output, now, logger)
	logger.Info("task completed")
}

// settle records a finished run. One-shot tasks are consumed whether
// the run succeeded or not; recurring tasks advance to their next slot.
func (s *Scheduler) settle(ctx context.Context, task store.Task, result string, now time.Time, logger *slog.Logger) {
	var next time.Time
	if !task.Trigger.OneShot() {
		next = task.Trigger.Next(now)
	}
	if err := s.Store.FinishTask(ctx, task.ID, result, now, next); err != nil {
		logger.Error("recording task result failed", slog.String("error", err.Error()))
	}
}

// deferBusy handles a busy workspace. Recurring tasks simply move to the
// next slot with no run recorded. One-shot tasks must still fire
// exactly once, so they stay claimed and enter the in-memory retry set.
func (s *Scheduler) deferBusy(ctx context.Context, task store.Task, now time.Time, logger *slog.Logger) {
	if task.Trigger.OneShot() {
		logger.Info("workspace busy, task will retry next tick")
		s.mu.Lock()
		if s.pending == nil {
			s.pending = make(map[string]store.Task)
		}
		s.pending[task.ID] = task
		s.mu.Unlock()
		return
	}
	next := task.Trigger.Next(now)
	logger.Info("workspace busy, task deferred", slog.Time("next", next))
	if err := s.Store.DeferTask(ctx, task.ID, next); err != nil {
		logger.Error("deferring task failed", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) takePending() []store.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	tasks := make([]store.Task, 0, len(s.pending))
	for _, task := range s.pending {
		tasks = append(tasks, task)
	}
	s.pending = nil
	return tasks
}
