package models

import (
	"encoding/json"
	"time"
)

// ToolGroup tags a tool by domain for catalogue browsing and toolbox filtering.
type ToolGroup string

const (
	ToolGroupMarketData  ToolGroup = "market_data"
	ToolGroupFileAccess  ToolGroup = "file_access"
	ToolGroupWebFetch    ToolGroup = "web_fetch"
	ToolGroupChainRead   ToolGroup = "chain_read"
	ToolGroupChainWrite  ToolGroup = "chain_write"
	ToolGroupRegister    ToolGroup = "register"
	ToolGroupPlanning    ToolGroup = "planning"
	ToolGroupSkillLoader ToolGroup = "skill_loader"
	ToolGroupSubAgent    ToolGroup = "subagent"
)

// ToolDescriptor is the catalogue entry for a registered tool.
type ToolDescriptor struct {
	Name                string          `json:"name"`
	Group               ToolGroup       `json:"group"`
	Description         string          `json:"description"`
	Schema              json.RawMessage `json:"schema,omitempty"`
	Enabled             bool            `json:"enabled"`
	RequiresConfirmation bool           `json:"requires_confirmation"`
	Mutation            bool            `json:"mutation"`
}

// ToolExecutionRecord is written synchronously after every tool invocation.
type ToolExecutionRecord struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"session_id"`
	ToolName       string          `json:"tool_name"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	Success        bool            `json:"success"`
	Duration       time.Duration   `json:"duration"`
	ExecutedAt     time.Time       `json:"executed_at"`
	ResultPreview  string          `json:"result_preview,omitempty"`
	FailureMessage string          `json:"failure_message,omitempty"`
}
