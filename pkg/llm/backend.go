package llm

import "context"

// streamBufferSize is the depth of the chunk channel returned by
// [Service.StreamChat]. Sized to absorb bursts without blocking the reader
// goroutine.
const streamBufferSize = 32

// Message is a single turn in a conversation sent to a backend.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the text content of the message.
	Content string
}

// ToolCall is a tool/function invocation requested by the model.
type ToolCall struct {
	// ID is the backend-assigned identifier for this call.
	ID string

	// Name is the tool name.
	Name string

	// Arguments is the JSON-encoded argument string.
	Arguments string
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does.
	Description string

	// Parameters is a JSON Schema describing the tool's input.
	Parameters map[string]any
}

// ImageInput is one image attached to a [Service.Vision] call. Exactly one of
// URL or Data should be set; when both are set, URL wins.
type ImageInput struct {
	// URL points at a fetchable image.
	URL string

	// Data is raw image bytes, sent inline as a data URL.
	Data []byte

	// MIMEType tags Data (e.g. "image/png"). Defaults to "image/png".
	MIMEType string
}

// Usage holds token accounting returned by a backend. Counts are in the
// model's native token unit and may differ between backends for the same text.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Request carries everything a backend needs for one completion.
type Request struct {
	// Messages is the ordered conversation. The last message drives the
	// response.
	Messages []Message

	// SystemPrompt is injected before the conversation when non-empty.
	SystemPrompt string

	// Tools offered to the model. Backends without tool support ignore them.
	Tools []ToolDefinition

	// Images attached to the request. Only vision-capable backends accept
	// them.
	Images []ImageInput

	// Temperature in [0, 2]. Zero leaves the backend default.
	Temperature float64

	// MaxTokens caps the completion length when > 0.
	MaxTokens int
}

// Chunk is one fragment of a streaming completion. A chunk with FinishReason
// "error" carries the failure message in Text and ends the stream.
type Chunk struct {
	Text         string
	FinishReason string
	ToolCalls    []ToolCall
}

// Completion is the full result of a non-streaming backend call.
type Completion struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Capabilities describes what a backend implementation supports.
type Capabilities struct {
	Vision bool
	Tools  bool
}

// Backend is one concrete LLM implementation behind a [Service] name.
// Implementations must be safe for concurrent use and must propagate ctx
// cancellation promptly. Channels returned by Stream are closed by the
// implementation when the stream ends or ctx is cancelled.
type Backend interface {
	// Complete sends req and waits for the full response.
	Complete(ctx context.Context, req Request) (*Completion, error)

	// Stream sends req and returns a channel of incremental chunks. Errors
	// after the stream opens surface as a Chunk with FinishReason "error".
	Stream(ctx context.Context, req Request) (<-chan Chunk, error)

	// Capabilities reports static backend metadata.
	Capabilities() Capabilities
}
