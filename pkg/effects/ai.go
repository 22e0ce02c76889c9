package effects

import (
	"context"
	"fmt"
	"strings"

	"github.com/navigatorhq/navigator/pkg/core"
)

// StubLLMPort is the reference call_llm port. It produces deterministic
// placeholder completions so effect trees can be exercised in tests without
// a provider.
type StubLLMPort struct{}

func (StubLLMPort) Complete(ctx context.Context, opts LLMOpts) (map[string]interface{}, error) {
	select {
	case <-ctx.Done():
		return nil, core.Wrap(core.ReasonCancelled, "llm call cancelled", ctx.Err())
	default:
	}
	return map[string]interface{}{
		"provider":      opts.Provider,
		"model":         opts.Model,
		"content":       fmt.Sprintf("[%s/%s] %s", opts.Provider, opts.Model, opts.Prompt),
		"prompt_tokens": len(strings.Fields(opts.Prompt)),
	}, nil
}

// StubAgentPort is the reference coordinate_agents port.
type StubAgentPort struct{}

func (StubAgentPort) Coordinate(ctx context.Context, agents []AgentSpec, opts CoordinateOpts) (map[string]interface{}, error) {
	results := make([]map[string]interface{}, 0, len(agents))
	for _, a := range agents {
		select {
		case <-ctx.Done():
			return nil, core.Wrap(core.ReasonCancelled, "agent coordination cancelled", ctx.Err())
		default:
		}
		results = append(results, map[string]interface{}{
			"agent_id": a.ID,
			"role":     a.Role,
			"output":   fmt.Sprintf("agent %s completed", a.ID),
		})
	}
	return map[string]interface{}{
		"type":    string(opts.Type),
		"agents":  len(agents),
		"results": results,
	}, nil
}

// StubRAGPort is the reference rag_pipeline port.
type StubRAGPort struct{}

func (StubRAGPort) Run(ctx context.Context, opts RAGOpts) (map[string]interface{}, error) {
	select {
	case <-ctx.Done():
		return nil, core.Wrap(core.ReasonCancelled, "rag pipeline cancelled", ctx.Err())
	default:
	}
	chunks := make([]map[string]interface{}, 0, len(opts.KnowledgeBases))
	for _, kb := range opts.KnowledgeBases {
		chunks = append(chunks, map[string]interface{}{
			"knowledge_base": kb,
			"content":        fmt.Sprintf("excerpt from %s for %q", kb, opts.Query),
		})
	}
	return map[string]interface{}{
		"query":              opts.Query,
		"retrieval_strategy": opts.RetrievalStrategy,
		"chunks":             chunks,
	}, nil
}

// RegisterStubPorts installs the deterministic reference ports, including a
// "stub" LLM provider.
func RegisterStubPorts(caps *Capabilities) {
	caps.RegisterLLMProvider("stub", StubLLMPort{})
	caps.SetAgentPort(StubAgentPort{})
	caps.SetRAGPort(StubRAGPort{})
}
