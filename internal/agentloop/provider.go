package agentloop

import (
	"context"

	"github.com/haasonsaas/nexus/pkg/models"
)

// Provider is the model adapter the Agent Loop drives each iteration. A
// concrete provider formats requests per model family and classifies its
// own errors where it can (anything already wrapped in *engineerr.Error is
// respected as-is); everything else is classified by the loop's own
// heuristic before a retry decision is made.
type Provider interface {
	// Complete submits one round trip and streams the response back as a
	// sequence of chunks terminated by a chunk with Done set (or an error).
	Complete(ctx context.Context, req *ModelRequest) (<-chan *ModelChunk, error)

	// Name identifies the provider for logging and event metadata.
	Name() string

	// SupportsTools reports whether the provider can accept a tool manifest.
	SupportsTools() bool
}

// ModelMessage is one turn of conversation history passed to the model,
// generalizing the engine's persisted Message into the flat shape model
// adapters expect.
type ModelMessage struct {
	Role        models.Role
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// ModelRequest bundles everything one round trip needs.
type ModelRequest struct {
	Model     string
	System    string
	Messages  []ModelMessage
	Tools     []models.ToolDescriptor
	MaxTokens int
}

// ModelChunk is a single streamed piece of a model's response. A
// conforming Provider sends zero or more chunks with Text/Thinking/
// ToolCall set, then exactly one chunk with Done true (or a chunk with
// Error set, which terminates the stream).
type ModelChunk struct {
	Text          string
	Thinking      string
	ThinkingStart bool
	ThinkingEnd   bool
	ToolCall      *models.ToolCall
	Done          bool
	Error         error
}
