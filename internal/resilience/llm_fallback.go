package resilience

import (
	"context"

	"github.com/MrWong99/vistalk/pkg/provider/llm"
)

// LLMFallback is an [llm.Provider] that fails over across several
// completion backends.
type LLMFallback struct {
	group *Group[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback returns an LLMFallback that prefers primary.
func NewLLMFallback(primaryName string, primary llm.Provider, cfg BreakerConfig) *LLMFallback {
	return &LLMFallback{group: NewGroup(primaryName, primary, cfg)}
}

// Add registers another backend after those already added.
func (f *LLMFallback) Add(name string, p llm.Provider) { f.group.Add(name, p) }

// Backends returns the backend names in failover order.
func (f *LLMFallback) Backends() []string { return f.group.Names() }

// Complete sends req to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Call(f.group, func(_ string, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}
