package mcpserver

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/marcus-qen/opsbus/internal/coord"
)

type taskInput struct {
	Action         string   `json:"action" jsonschema:"one of: create, list, get, update, assign, ready, progress, cancel"`
	TaskID         string   `json:"task_id,omitempty"`
	Title          string   `json:"title,omitempty"`
	Description    string   `json:"description,omitempty"`
	Creator        string   `json:"creator,omitempty"`
	Assignee       string   `json:"assignee,omitempty"`
	Priority       string   `json:"priority,omitempty"`
	Status         string   `json:"status,omitempty" jsonschema:"new status for update, filter for list"`
	Result         string   `json:"result,omitempty"`
	ProjectID      string   `json:"project_id,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty"`
	TimeoutSec     int      `json:"timeout_sec,omitempty"`
	MaxRetries     int      `json:"max_retries,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
	Reason         string   `json:"reason,omitempty" jsonschema:"cancellation reason"`
}

func (s *Server) handleTask(ctx context.Context, _ *mcp.CallToolRequest, in taskInput) (*mcp.CallToolResult, any, error) {
	if s.deps.Coord == nil {
		return fail("coordination store unavailable")
	}

	switch in.Action {
	case "create":
		task, deduped, err := s.deps.Coord.CreateTask(coord.Task{
			Title:          in.Title,
			Description:    in.Description,
			Creator:        in.Creator,
			Assignee:       in.Assignee,
			Priority:       in.Priority,
			ProjectID:      in.ProjectID,
			DependsOn:      in.DependsOn,
			TimeoutSec:     in.TimeoutSec,
			MaxRetries:     in.MaxRetries,
			IdempotencyKey: in.IdempotencyKey,
		})
		if err != nil {
			return fail("create task: %v", err)
		}
		s.recordAudit(ctx, "task", "create", in.Creator, task.TaskID, in.Title)
		s.publishSync("tasks", "create")
		return ok(map[string]any{"task": task, "deduped": deduped})

	case "list":
		tasks, err := s.deps.Coord.ListTasks(coord.TaskFilter{
			Status:    in.Status,
			Assignee:  in.Assignee,
			Creator:   in.Creator,
			ProjectID: in.ProjectID,
		})
		if err != nil {
			return fail("list tasks: %v", err)
		}
		return ok(map[string]any{"tasks": tasks, "count": len(tasks)})

	case "get":
		task, err := s.deps.Coord.GetTask(in.TaskID)
		if err != nil {
			return fail("get task: %v", err)
		}
		return ok(map[string]any{"task": task})

	case "update":
		res, err := s.deps.Coord.UpdateTask(in.TaskID, in.Status, in.Result, in.Assignee)
		if err != nil {
			return fail("update task: %v", err)
		}
		s.recordAudit(ctx, "task", "update", in.Assignee, in.TaskID, in.Status)
		s.publishSync("tasks", "update")
		return ok(map[string]any{"task": res.Task, "auto_retried": res.AutoRetried})

	case "assign":
		task, err := s.deps.Coord.AssignTask(in.TaskID, in.Assignee)
		if err != nil {
			return fail("assign task: %v", err)
		}
		s.recordAudit(ctx, "task", "assign", in.Assignee, in.TaskID, "")
		s.publishSync("tasks", "assign")
		return ok(map[string]any{"task": task})

	case "ready":
		tasks, err := s.deps.Coord.ReadyTasks(in.Assignee)
		if err != nil {
			return fail("ready tasks: %v", err)
		}
		return ok(map[string]any{"tasks": tasks, "count": len(tasks)})

	case "progress":
		progress, err := s.deps.Coord.TaskProgress(in.ProjectID)
		if err != nil {
			return fail("task progress: %v", err)
		}
		return ok(map[string]any{"progress": progress})

	case "cancel":
		task, err := s.deps.Coord.CancelTask(in.TaskID, in.Reason)
		if err != nil {
			return fail("cancel task: %v", err)
		}
		s.recordAudit(ctx, "task", "cancel", "", in.TaskID, in.Reason)
		s.publishSync("tasks", "cancel")
		return ok(map[string]any{"task": task})
	}
	return badAction("task", in.Action)
}

type approvalInput struct {
	Action      string   `json:"action" jsonschema:"one of: request, respond, list, get"`
	ApprovalID  string   `json:"approval_id,omitempty"`
	Requester   string   `json:"requester,omitempty"`
	TargetAgent string   `json:"target_agent,omitempty"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Options     []string `json:"options,omitempty" jsonschema:"allowed decisions"`
	Decision    string   `json:"decision,omitempty"`
	Approver    string   `json:"approver,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	Status      string   `json:"status,omitempty" jsonschema:"status filter for list"`
}

func (s *Server) handleApproval(ctx context.Context, _ *mcp.CallToolRequest, in approvalInput) (*mcp.CallToolResult, any, error) {
	if s.deps.Coord == nil {
		return fail("coordination store unavailable")
	}

	switch in.Action {
	case "request":
		a, err := s.deps.Coord.RequestApproval(coord.Approval{
			Requester:   in.Requester,
			TargetAgent: in.TargetAgent,
			Title:       in.Title,
			Description: in.Description,
			Options:     in.Options,
		})
		if err != nil {
			return fail("request approval: %v", err)
		}
		s.recordAudit(ctx, "approval", "request", in.Requester, a.ApprovalID, in.Title)
		s.publishSync("approvals", "request")
		return ok(map[string]any{"approval": a})

	case "respond":
		if in.ApprovalID == "" || in.Decision == "" {
			return fail("approval_id and decision are required")
		}
		a, err := s.deps.Coord.RespondApproval(in.ApprovalID, in.Decision, in.Approver, in.Reason)
		if err != nil {
			return fail("respond approval: %v", err)
		}
		s.recordAudit(ctx, "approval", "respond", in.Approver, in.ApprovalID, in.Decision)
		s.publishSync("approvals", "respond")
		return ok(map[string]any{"approval": a})

	case "list":
		list, err := s.deps.Coord.ListApprovals(in.Status)
		if err != nil {
			return fail("list approvals: %v", err)
		}
		return ok(map[string]any{"approvals": list, "count": len(list)})

	case "get":
		a, err := s.deps.Coord.GetApproval(in.ApprovalID)
		if err != nil {
			return fail("get approval: %v", err)
		}
		return ok(map[string]any{"approval": a})
	}
	return badAction("approval", in.Action)
}

type lockInput struct {
	Action   string `json:"action" jsonschema:"one of: acquire, release, list, force_release"`
	Resource string `json:"resource,omitempty"`
	Owner    string `json:"owner,omitempty"`
	TTLSec   int    `json:"ttl_sec,omitempty" jsonschema:"lease seconds, floor 30"`
}

func (s *Server) handleLock(ctx context.Context, _ *mcp.CallToolRequest, in lockInput) (*mcp.CallToolResult, any, error) {
	if s.deps.Coord == nil {
		return fail("coordination store unavailable")
	}

	switch in.Action {
	case "acquire":
		res, err := s.deps.Coord.AcquireLock(in.Resource, in.Owner, time.Duration(in.TTLSec)*time.Second)
		if err != nil {
			return fail("acquire lock: %v", err)
		}
		if !res.OK {
			return jsonToolResult(map[string]any{"ok": false, "acquired": false, "holder": res.Holder})
		}
		s.recordAudit(ctx, "lock", "acquire", in.Owner, in.Resource, "")
		return ok(map[string]any{"acquired": true, "renewed": res.Renewed, "lock": res.Lock})

	case "release":
		released, err := s.deps.Coord.ReleaseLock(in.Resource, in.Owner)
		if err != nil {
			return fail("release lock: %v", err)
		}
		s.recordAudit(ctx, "lock", "release", in.Owner, in.Resource, "")
		return ok(map[string]any{"released": released})

	case "list":
		locks, err := s.deps.Coord.ListLocks()
		if err != nil {
			return fail("list locks: %v", err)
		}
		return ok(map[string]any{"locks": locks, "count": len(locks)})

	case "force_release":
		released, err := s.deps.Coord.ForceReleaseLock(in.Resource)
		if err != nil {
			return fail("force release lock: %v", err)
		}
		s.recordAudit(ctx, "lock", "force_release", in.Owner, in.Resource, "forced")
		return ok(map[string]any{"released": released})
	}
	return badAction("lock", in.Action)
}
