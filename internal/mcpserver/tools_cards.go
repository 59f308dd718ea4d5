package mcpserver

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/marcus-qen/opsbus/internal/opsstore"
	"github.com/marcus-qen/opsbus/internal/store"
)

type promptTemplateInput struct {
	Action      string         `json:"action" jsonschema:"one of: save, get, list, toggle"`
	PromptKey   string         `json:"prompt_key,omitempty"`
	Title       string         `json:"title,omitempty"`
	AgentKey    string         `json:"agent_key,omitempty"`
	ToolName    string         `json:"tool_name,omitempty"`
	PromptText  string         `json:"prompt_text,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Enabled     *bool          `json:"enabled,omitempty" jsonschema:"target state for toggle"`
	Actor       string         `json:"actor,omitempty"`
	Keyword     string         `json:"keyword,omitempty" jsonschema:"search keyword for list"`
	EnabledOnly bool           `json:"enabled_only,omitempty"`
	Limit       int            `json:"limit,omitempty"`
}

func (s *Server) handlePromptTemplate(ctx context.Context, _ *mcp.CallToolRequest, in promptTemplateInput) (*mcp.CallToolResult, any, error) {
	if s.deps.Ops == nil {
		return fail("ops store unavailable")
	}

	switch in.Action {
	case "save":
		enabled := true
		if in.Enabled != nil {
			enabled = *in.Enabled
		}
		saved, err := s.deps.Ops.SavePromptTemplate(ctx, opsstore.PromptTemplate{
			PromptKey:  in.PromptKey,
			Title:      in.Title,
			AgentKey:   in.AgentKey,
			ToolName:   in.ToolName,
			PromptText: in.PromptText,
			Variables:  in.Variables,
			Tags:       in.Tags,
			Enabled:    enabled,
			UpdatedBy:  in.Actor,
		})
		if err != nil {
			return fail("save prompt template: %v", err)
		}
		s.publishSync("prompt_templates", "save")
		return ok(map[string]any{"template": saved})

	case "get":
		pt, err := s.deps.Ops.GetPromptTemplate(ctx, in.PromptKey)
		if store.IsNotFound(err) {
			return fail("prompt template not found: %s", in.PromptKey)
		}
		if err != nil {
			return fail("get prompt template: %v", err)
		}
		return ok(map[string]any{"template": pt})

	case "list":
		list, err := s.deps.Ops.ListPromptTemplates(ctx, in.AgentKey, in.Keyword, in.EnabledOnly, in.Limit)
		if err != nil {
			return fail("list prompt templates: %v", err)
		}
		return ok(map[string]any{"templates": list, "count": len(list)})

	case "toggle":
		if in.Enabled == nil {
			return fail("enabled is required for toggle")
		}
		pt, err := s.deps.Ops.TogglePromptTemplate(ctx, in.PromptKey, *in.Enabled, in.Actor)
		if err != nil {
			return fail("toggle prompt template: %v", err)
		}
		s.publishSync("prompt_templates", "toggle")
		return ok(map[string]any{"template": pt})
	}
	return badAction("prompt_template", in.Action)
}

type commandCardInput struct {
	Action          string         `json:"action" jsonschema:"one of: save, get, list, toggle, prepare, review, exec_run, exec, get_run, list_runs"`
	CardKey         string         `json:"card_key,omitempty"`
	Title           string         `json:"title,omitempty"`
	Description     string         `json:"description,omitempty"`
	CommandTemplate string         `json:"command_template,omitempty"`
	ArgsSchema      map[string]any `json:"args_schema,omitempty"`
	RiskLevel       string         `json:"risk_level,omitempty" jsonschema:"low, normal, high, or critical"`
	Enabled         *bool          `json:"enabled,omitempty"`
	Actor           string         `json:"actor,omitempty"`
	Keyword         string         `json:"keyword,omitempty"`
	EnabledOnly     bool           `json:"enabled_only,omitempty"`
	Limit           int            `json:"limit,omitempty"`
	Params          any            `json:"params,omitempty" jsonschema:"card parameters: object or JSON string"`
	RequireReview   *bool          `json:"require_review,omitempty" jsonschema:"override the computed review gate"`
	RunID           int64          `json:"run_id,omitempty"`
	Decision        string         `json:"decision,omitempty" jsonschema:"approved or rejected"`
	Reviewer        string         `json:"reviewer,omitempty"`
	Note            string         `json:"note,omitempty"`
	TimeoutSec      int            `json:"timeout_sec,omitempty"`
	AutoApprove     bool           `json:"auto_approve,omitempty"`
	Status          string         `json:"status,omitempty" jsonschema:"run status filter for list_runs"`
}

func (s *Server) handleCommandCard(ctx context.Context, _ *mcp.CallToolRequest, in commandCardInput) (*mcp.CallToolResult, any, error) {
	switch in.Action {
	case "save":
		if s.deps.Ops == nil {
			return fail("ops store unavailable")
		}
		enabled := true
		if in.Enabled != nil {
			enabled = *in.Enabled
		}
		saved, err := s.deps.Ops.SaveCommandCard(ctx, opsstore.CommandCard{
			CardKey:         in.CardKey,
			Title:           in.Title,
			Description:     in.Description,
			CommandTemplate: in.CommandTemplate,
			ArgsSchema:      in.ArgsSchema,
			RiskLevel:       in.RiskLevel,
			Enabled:         enabled,
			UpdatedBy:       in.Actor,
		})
		if err != nil {
			return fail("save command card: %v", err)
		}
		s.publishSync("command_cards", "save")
		return ok(map[string]any{"card": saved})

	case "get":
		if s.deps.Ops == nil {
			return fail("ops store unavailable")
		}
		card, err := s.deps.Ops.GetCommandCard(ctx, in.CardKey)
		if store.IsNotFound(err) {
			return fail("command card not found: %s", in.CardKey)
		}
		if err != nil {
			return fail("get command card: %v", err)
		}
		return ok(map[string]any{"card": card})

	case "list":
		if s.deps.Ops == nil {
			return fail("ops store unavailable")
		}
		list, err := s.deps.Ops.ListCommandCards(ctx, in.Keyword, in.RiskLevel, in.EnabledOnly, in.Limit)
		if err != nil {
			return fail("list command cards: %v", err)
		}
		return ok(map[string]any{"cards": list, "count": len(list)})

	case "toggle":
		if s.deps.Ops == nil {
			return fail("ops store unavailable")
		}
		if in.Enabled == nil {
			return fail("enabled is required for toggle")
		}
		card, err := s.deps.Ops.ToggleCommandCard(ctx, in.CardKey, *in.Enabled, in.Actor)
		if err != nil {
			return fail("toggle command card: %v", err)
		}
		s.publishSync("command_cards", "toggle")
		return ok(map[string]any{"card": card})

	case "prepare":
		if s.deps.Cards == nil {
			return fail("card engine unavailable")
		}
		res, err := s.deps.Cards.Prepare(ctx, in.CardKey, in.Params, in.Actor, in.RequireReview)
		if err != nil {
			return fail("prepare: %v", err)
		}
		return ok(map[string]any{
			"run":                res.Run,
			"interaction":        res.Interaction,
			"needs_review":       res.NeedsReview,
			"dangerous_patterns": res.DangerousPatterns,
		})

	case "review":
		if s.deps.Cards == nil {
			return fail("card engine unavailable")
		}
		run, err := s.deps.Cards.Review(ctx, in.RunID, in.Decision, in.Reviewer, in.Note)
		if err != nil {
			return fail("review: %v", err)
		}
		return ok(map[string]any{"run": run})

	case "exec_run":
		if s.deps.Cards == nil {
			return fail("card engine unavailable")
		}
		run, err := s.deps.Cards.Execute(ctx, in.RunID, in.Actor, in.TimeoutSec)
		if err != nil {
			return fail("execute run: %v", err)
		}
		return ok(map[string]any{"run": run})

	case "exec":
		if s.deps.Cards == nil {
			return fail("card engine unavailable")
		}
		res, err := s.deps.Cards.ExecuteCard(ctx, in.CardKey, in.Params, in.Actor, in.AutoApprove, in.Reviewer, in.Note, in.TimeoutSec)
		if err != nil {
			return fail("execute card: %v", err)
		}
		return ok(map[string]any{
			"run":            res.Run,
			"interaction":    res.Interaction,
			"pending_review": res.PendingReview,
			"execution_mode": res.ExecutionMode,
		})

	case "get_run":
		if s.deps.Cards == nil {
			return fail("card engine unavailable")
		}
		run, err := s.deps.Cards.GetRun(ctx, in.RunID)
		if store.IsNotFound(err) {
			return fail("run not found: %d", in.RunID)
		}
		if err != nil {
			return fail("get run: %v", err)
		}
		return ok(map[string]any{"run": run})

	case "list_runs":
		if s.deps.Cards == nil {
			return fail("card engine unavailable")
		}
		runs, err := s.deps.Cards.ListRuns(ctx, in.CardKey, in.Status, in.Limit)
		if err != nil {
			return fail("list runs: %v", err)
		}
		return ok(map[string]any{"runs": runs, "count": len(runs)})
	}
	return badAction("command_card", in.Action)
}

type dbInput struct {
	Action string `json:"action" jsonschema:"query (read-only SELECT/WITH) or execute (whitelisted DML)"`
	SQL    string `json:"sql" jsonschema:"single SQL statement"`
	Limit  int    `json:"limit,omitempty" jsonschema:"row cap for query"`
}

func (s *Server) handleDB(ctx context.Context, _ *mcp.CallToolRequest, in dbInput) (*mcp.CallToolResult, any, error) {
	switch in.Action {
	case "query":
		if s.deps.DB == nil {
			return fail("database unavailable")
		}
		res, err := s.deps.DB.GuardedQuery(ctx, in.SQL, in.Limit)
		if err != nil {
			return fail("query: %v", err)
		}
		return ok(map[string]any{
			"columns":   res.Columns,
			"rows":      res.Rows,
			"row_count": res.RowCount,
		})

	case "execute":
		// The gate is checked before any SQL parsing or DB access.
		if !s.deps.AgentDBExecute {
			return fail("db execute is disabled")
		}
		if s.deps.DB == nil {
			return fail("database unavailable")
		}
		affected, err := s.deps.DB.GuardedExecute(ctx, in.SQL)
		if err != nil {
			return fail("execute: %v", err)
		}
		s.recordAudit(ctx, "db", "execute", "", "", in.SQL)
		s.publishSync("db", "execute")
		return ok(map[string]any{"rows_affected": affected})
	}
	return badAction("db", in.Action)
}
