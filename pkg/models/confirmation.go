package models

import (
	"encoding/json"
	"time"
)

// ConfirmationStatus is the resolution of a Confirmation Slot.
type ConfirmationStatus string

const (
	ConfirmationPending  ConfirmationStatus = "pending"
	ConfirmationApproved ConfirmationStatus = "approved"
	ConfirmationRejected ConfirmationStatus = "rejected"
)

// ConfirmationSlot is the per-channel single-slot rendezvous gating a
// mutating tool call. At most one may be pending per channel.
type ConfirmationSlot struct {
	ID          string             `json:"id"`
	ChannelID   string             `json:"channel_id"`
	SessionID   string             `json:"session_id"`
	ToolName    string             `json:"tool_name"`
	Description string             `json:"description"`
	Parameters  json.RawMessage    `json:"parameters,omitempty"`
	Status      ConfirmationStatus `json:"status"`
	Deadline    time.Time          `json:"deadline"`
	CreatedAt   time.Time          `json:"created_at"`
	ResolvedAt  time.Time          `json:"resolved_at,omitempty"`
}
