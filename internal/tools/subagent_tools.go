package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/nexus/internal/subagents"
	"github.com/haasonsaas/nexus/pkg/models"
)

// subAgentSpawner is the slice of the Sub-Agent Pool the spawn tool needs.
// Narrowed to an interface here so this package only depends on the pool's
// public surface, not its internals.
type subAgentSpawner interface {
	Spawn(ctx context.Context, parentSessionID, label, task string) (*models.SubAgent, error)
}

// subAgentGetter is the slice of the Sub-Agent Pool the result tool needs.
type subAgentGetter interface {
	Get(id string) (*models.SubAgent, bool)
}

// SpawnSubAgentTool lets an Agent Loop delegate a task to an independently
// running sub-agent rather than blocking the parent turn on it.
type SpawnSubAgentTool struct {
	pool subAgentSpawner
}

// NewSpawnSubAgentTool builds the spawn tool over a Sub-Agent Pool.
func NewSpawnSubAgentTool(pool *subagents.Pool) *SpawnSubAgentTool {
	return &SpawnSubAgentTool{pool: pool}
}

func (t *SpawnSubAgentTool) Name() string { return "spawn_subagent" }

func (t *SpawnSubAgentTool) Descriptor() models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:        t.Name(),
		Group:       models.ToolGroupSubAgent,
		Description: "Spawn a sub-agent to work a task independently in the background. Returns a sub-agent ID; use get_subagent_result with that ID later to collect the outcome. Do not wait or poll in the same turn.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"task": {"type": "string", "description": "The task for the sub-agent to complete"},
				"label": {"type": "string", "description": "Short label for the task, for display"}
			},
			"required": ["task"]
		}`),
		Enabled: true,
	}
}

type spawnSubAgentParams struct {
	Task  string `json:"task"`
	Label string `json:"label"`
}

func (t *SpawnSubAgentTool) Invoke(ctx context.Context, ictx InvokeContext, params json.RawMessage) (*models.ToolResult, error) {
	var p spawnSubAgentParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &models.ToolResult{Content: "invalid parameters: " + err.Error(), IsError: true}, nil
	}
	if p.Task == "" {
		return &models.ToolResult{Content: "task is required", IsError: true}, nil
	}

	sub, err := t.pool.Spawn(ctx, ictx.SessionID, p.Label, p.Task)
	if err != nil {
		return &models.ToolResult{Content: err.Error(), IsError: true}, nil
	}

	return &models.ToolResult{Content: fmt.Sprintf(`{"status":"accepted","subagent_id":%q,"label":%q}`, sub.ID, sub.Label)}, nil
}

// GetSubAgentResultTool retrieves a previously spawned sub-agent's current
// status and, once finished, its result.
type GetSubAgentResultTool struct {
	pool subAgentGetter
}

// NewGetSubAgentResultTool builds the result-retrieval tool over a
// Sub-Agent Pool.
func NewGetSubAgentResultTool(pool *subagents.Pool) *GetSubAgentResultTool {
	return &GetSubAgentResultTool{pool: pool}
}

func (t *GetSubAgentResultTool) Name() string { return "get_subagent_result" }

func (t *GetSubAgentResultTool) Descriptor() models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:        t.Name(),
		Group:       models.ToolGroupSubAgent,
		Description: "Check a sub-agent's status and, if it has finished, its result or failure message.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"subagent_id": {"type": "string", "description": "The ID returned by spawn_subagent"}
			},
			"required": ["subagent_id"]
		}`),
		Enabled: true,
	}
}

type getSubAgentResultParams struct {
	SubAgentID string `json:"subagent_id"`
}

func (t *GetSubAgentResultTool) Invoke(ctx context.Context, ictx InvokeContext, params json.RawMessage) (*models.ToolResult, error) {
	var p getSubAgentResultParams
	if err := json.Unmarshal(params, &p); err != nil {
		return &models.ToolResult{Content: "invalid parameters: " + err.Error(), IsError: true}, nil
	}
	if p.SubAgentID == "" {
		return &models.ToolResult{Content: "subagent_id is required", IsError: true}, nil
	}

	sub, ok := t.pool.Get(p.SubAgentID)
	if !ok {
		return &models.ToolResult{Content: "no sub-agent found with that ID (it may have expired)", IsError: true}, nil
	}

	switch sub.Status {
	case models.SubAgentCompleted:
		return &models.ToolResult{Content: fmt.Sprintf(`{"status":"completed","result":%q}`, sub.Result)}, nil
	case models.SubAgentFailed:
		return &models.ToolResult{Content: fmt.Sprintf(`{"status":"failed","failure_message":%q}`, sub.FailureMsg)}, nil
	case models.SubAgentCancelled:
		return &models.ToolResult{Content: `{"status":"cancelled"}`}, nil
	default:
		return &models.ToolResult{Content: `{"status":"running"}`}, nil
	}
}
