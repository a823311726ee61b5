// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/hermit-sh/hermit/invoker"
	"github.com/hermit-sh/hermit/lib/codec"
	"github.com/hermit-sh/hermit/lib/config"
	"github.com/hermit-sh/hermit/lib/ipc"
	"github.com/hermit-sh/hermit/lib/service"
	"github.com/hermit-sh/hermit/lib/trigger"
	"github.com/hermit-sh/hermit/lib/version"
	"github.com/hermit-sh/hermit/store"
)

// agentRunner is the slice of the invoker the handlers need.
type agentRunner interface {
	Invoke(ctx context.Context, workspace store.Workspace, req invoker.Request) (invoker.Result, error)
}

// daemon holds the wired components behind the socket handlers.
type daemon struct {
	cfg       config.Config
	store     *store.Store
	invoker   agentRunner
	logger    *slog.Logger
	startedAt time.Time
}

// register installs the dispatch table on the socket server.
func (d *daemon) register(server *service.Server) {
	server.Handle(ipc.CommandPing, d.handlePing)
	server.Handle(ipc.CommandStatus, d.handleStatus)
	server.Handle(ipc.CommandSend, d.handleSend)
	server.Handle(ipc.CommandInteractive, d.handleInteractive)
	server.Handle(ipc.CommandGroups, d.handleGroups)
	server.Handle(ipc.CommandClearSession, d.handleClearSession)
	server.Handle(ipc.CommandTaskAdd, d.handleTaskAdd)
	server.Handle(ipc.CommandTaskList, d.handleTaskList)
	server.Handle(ipc.CommandTaskRemove, d.handleTaskRemove)
}

// toWire maps domain errors to stable wire codes. Anything
// unrecognized becomes the fallback code.
func toWire(err error, fallback string) error {
	var agentErr *invoker.AgentError
	switch {
	case errors.Is(err, store.ErrInvalidName):
		return service.Errorf(service.CodeInvalidName, "%v", err)
	case errors.Is(err, store.ErrNotFound):
		return service.Errorf(service.CodeNotFound, "%v", err)
	case errors.Is(err, trigger.ErrInvalid):
		return service.Errorf(service.CodeInvalidTrigger, "%v", err)
	case errors.Is(err, invoker.ErrBusy):
		return service.Errorf(service.CodeBusy, "%v", err)
	case errors.Is(err, invoker.ErrTimeout):
		return service.Errorf(service.CodeTimeout, "%v", err)
	case errors.As(err, &agentErr):
		return service.Errorf(service.CodeAgentFailed, "%v", err)
	default:
		return service.Errorf(fallback, "%v", err)
	}
}

func (d *daemon) handlePing(ctx context.Context, raw []byte) (any, error) {
	return nil, nil
}

// groupOrDefault resolves an omitted group name to the default
// workspace.
func groupOrDefault(name string) string {
	if name == "" {
		return ipc.DefaultGroup
	}
	return name
}

func (d *daemon) handleStatus(ctx context.Context, raw []byte) (any, error) {
	workspaces, err := d.store.ListWorkspaces(ctx)
	if err != nil {
		return nil, toWire(err, service.CodeStore)
	}
	tasks, err := d.store.ListTasks(ctx)
	if err != nil {
		return nil, toWire(err, service.CodeStore)
	}
	return ipc.StatusResult{
		PID:       os.Getpid(),
		Version:   version.Short(),
		StartedAt: d.startedAt,
		Groups:    len(workspaces),
		Tasks:     len(tasks),
	}, nil
}

func (d *daemon) handleSend(ctx context.Context, raw []byte) (any, error) {
	var req ipc.SendRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, service.Errorf(service.CodeInvalidRequest, "decoding send request: %v", err)
	}
	if req.Prompt == "" {
		return nil, service.Errorf(service.CodeInvalidRequest, "prompt must not be empty")
	}
	req.Group = groupOrDefault(req.Group)

	workspace, err := d.store.GetOrCreateWorkspace(ctx, req.Group)
	if err != nil {
		return nil, toWire(err, service.CodeStore)
	}

	// The session to resume is read under the workspace lock, inside
	// Invoke: a send that queued behind an in-flight run must resume
	// the session that run produced, not the one current when it
	// queued.
	var resolveResume func(ctx context.Context) (string, error)
	if !req.Fresh {
		resolveResume = func(ctx context.Context) (string, error) {
			id, ok, err := d.store.Session(ctx, req.Group)
			if err != nil || !ok {
				return "", err
			}
			return id, nil
		}
	}

	// The run must survive a client disconnect and the start of daemon
	// shutdown: it finishes or hits its own timeout, keeping the store
	// consistent. Serve's drain waits for this handler either way.
	runCtx := context.WithoutCancel(ctx)
	result, err := d.invoker.Invoke(runCtx, workspace, invoker.Request{
		Prompt:        req.Prompt,
		ResolveResume: resolveResume,
		Tools:         append(append([]string{}, d.cfg.Agent.Tools...), req.Tools...),
		Wait:          d.cfg.BusyWait.Std(),
	})
	if err != nil {
		return nil, toWire(err, service.CodeInternal)
	}

	if result.SessionID != "" {
		if err := d.store.SetSession(runCtx, req.Group, result.SessionID); err != nil {
			d.logger.Error("persisting session failed",
				slog.String("workspace", req.Group),
				slog.String("error", err.Error()))
		}
	}
	return ipc.SendResult{Output: result.Output, SessionID: result.SessionID}, nil
}

func (d *daemon) handleInteractive(ctx context.Context, raw []byte) (any, error) {
	var req ipc.InteractiveRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, service.Errorf(service.CodeInvalidRequest, "decoding interactive request: %v", err)
	}
	req.Group = groupOrDefault(req.Group)

	workspace, err := d.store.GetOrCreateWorkspace(ctx, req.Group)
	if err != nil {
		return nil, toWire(err, service.CodeStore)
	}
	_, hasSession, err := d.store.Session(ctx, req.Group)
	if err != nil {
		return nil, toWire(err, service.CodeStore)
	}
	return ipc.GroupSummary{
		Name:       workspace.Name,
		Folder:     workspace.Folder,
		HasSession: hasSession,
		CreatedAt:  workspace.CreatedAt,
	}, nil
}

func (d *daemon) handleGroups(ctx context.Context, raw []byte) (any, error) {
	workspaces, err := d.store.ListWorkspaces(ctx)
	if err != nil {
		return nil, toWire(err, service.CodeStore)
	}
	result := ipc.GroupsResult{Groups: make([]ipc.GroupSummary, 0, len(workspaces))}
	for _, ws := range workspaces {
		result.Groups = append(result.Groups, ipc.GroupSummary{
			Name:       ws.Name,
			Folder:     ws.Folder,
			HasSession: ws.SessionID != "",
			CreatedAt:  ws.CreatedAt,
		})
	}
	return result, nil
}

func (d *daemon) handleClearSession(ctx context.Context, raw []byte) (any, error) {
	var req ipc.ClearSessionRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, service.Errorf(service.CodeInvalidRequest, "decoding clear-session request: %v", err)
	}
	if err := d.store.ClearSession(ctx, groupOrDefault(req.Group)); err != nil {
		return nil, toWire(err, service.CodeStore)
	}
	return nil, nil
}

func (d *daemon) handleTaskAdd(ctx context.Context, raw []byte) (any, error) {
	var req ipc.TaskAddRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, service.Errorf(service.CodeInvalidRequest, "decoding task-add request: %v", err)
	}
	req.Group = groupOrDefault(req.Group)

	// The workspace must exist before a task can point at it.
	if _, err := d.store.GetOrCreateWorkspace(ctx, req.Group); err != nil {
		return nil, toWire(err, service.CodeStore)
	}
	task, err := d.store.AddTask(ctx, req.Group, req.Trigger, req.Prompt)
	if err != nil {
		return nil, toWire(err, service.CodeStore)
	}
	return taskSummary(task), nil
}

func (d *daemon) handleTaskList(ctx context.Context, raw []byte) (any, error) {
	tasks, err := d.store.ListTasks(ctx)
	if err != nil {
		return nil, toWire(err, service.CodeStore)
	}
	result := ipc.TaskListResult{Tasks: make([]ipc.TaskSummary, 0, len(tasks))}
	for _, task := range tasks {
		result.Tasks = append(result.Tasks, taskSummary(task))
	}
	return result, nil
}

func (d *daemon) handleTaskRemove(ctx context.Context, raw []byte) (any, error) {
	var req ipc.TaskRemoveRequest
	if err := codec.Unmarshal(raw, &req); err != nil {
		return nil, service.Errorf(service.CodeInvalidRequest, "decoding task-remove request: %v", err)
	}
	if req.ID == "" {
		return nil, service.Errorf(service.CodeInvalidRequest, "task id must not be empty")
	}
	if err := d.store.DeleteTask(ctx, req.ID); err != nil {
		return nil, toWire(err, service.CodeStore)
	}
	return nil, nil
}

func taskSummary(task store.Task) ipc.TaskSummary {
	return ipc.TaskSummary{
		ID:         task.ID,
		Group:      task.Group,
		Trigger:    task.Expression,
		Prompt:     task.Prompt,
		Status:     task.Status,
		NextRun:    task.NextRun,
		LastRun:    task.LastRun,
		LastResult: task.LastResult,
	}
}
