// Package llm defines the Provider interface for text completion backends.
//
// vistalk uses an LLM only outside the live path, to condense a finished
// conversation into a one-sentence summary. The interface is therefore a single
// blocking Complete call.
//
// Implementors must be safe for concurrent use.
package llm

import "context"

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the prompt conversation.
type Message struct {
	Role    string
	Content string
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a response.
// Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered prompt; the last entry drives the response.
	Messages []Message

	// SystemPrompt is injected before Messages as a system message when set.
	SystemPrompt string

	// Temperature controls randomness. Zero leaves the provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero leaves the provider default.
	MaxTokens int
}

// CompletionResponse is the result of a Complete call.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over a completion backend.
type Provider interface {
	// Complete sends req and blocks until the full response is available or ctx
	// is done.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
