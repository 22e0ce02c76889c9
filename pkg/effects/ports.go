package effects

import (
	"context"
	"fmt"
	"sync"

	"github.com/navigatorhq/navigator/pkg/core"
)

// Capability is a user-provided function reachable from a call node.
type Capability func(ctx context.Context, args []interface{}) (interface{}, error)

// LLMPort is the pluggable implementation behind call_llm. Implementations
// must honor ctx cancellation; provider-level abort semantics are theirs.
type LLMPort interface {
	Complete(ctx context.Context, opts LLMOpts) (map[string]interface{}, error)
}

// AgentPort is the pluggable implementation behind coordinate_agents.
type AgentPort interface {
	Coordinate(ctx context.Context, agents []AgentSpec, opts CoordinateOpts) (map[string]interface{}, error)
}

// RAGPort is the pluggable implementation behind rag_pipeline.
type RAGPort interface {
	Run(ctx context.Context, opts RAGOpts) (map[string]interface{}, error)
}

// Capabilities is the capability table: symbolic names registered at startup,
// O(1) lookup at execution time.
type Capabilities struct {
	mu        sync.RWMutex
	functions map[string]Capability
	llm       map[string]LLMPort
	agents    AgentPort
	rag       RAGPort
}

// NewCapabilities creates an empty capability table.
func NewCapabilities() *Capabilities {
	return &Capabilities{
		functions: make(map[string]Capability),
		llm:       make(map[string]LLMPort),
	}
}

func capKey(module, function string) string {
	return module + "." + function
}

// Register binds a function under module.function. Re-registration replaces.
func (c *Capabilities) Register(module, function string, fn Capability) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.functions[capKey(module, function)] = fn
}

// Lookup resolves module.function or fails with function_not_exported.
func (c *Capabilities) Lookup(module, function string) (Capability, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.functions[capKey(module, function)]
	if !ok {
		return nil, core.Errf(core.ReasonFunctionNotExported,
			fmt.Sprintf("capability %s.%s is not registered", module, function))
	}
	return fn, nil
}

// RegisterLLMProvider binds a provider name to an LLM port.
func (c *Capabilities) RegisterLLMProvider(provider string, port LLMPort) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.llm[provider] = port
}

// LLMProvider resolves a provider or fails with function_not_exported.
func (c *Capabilities) LLMProvider(provider string) (LLMPort, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	port, ok := c.llm[provider]
	if !ok {
		return nil, core.Errf(core.ReasonFunctionNotExported,
			fmt.Sprintf("llm provider %q is not registered", provider))
	}
	return port, nil
}

// SetAgentPort installs the coordinate_agents implementation.
func (c *Capabilities) SetAgentPort(port AgentPort) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents = port
}

// SetRAGPort installs the rag_pipeline implementation.
func (c *Capabilities) SetRAGPort(port RAGPort) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rag = port
}

func (c *Capabilities) agentPort() (AgentPort, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.agents == nil {
		return nil, core.Errf(core.ReasonFunctionNotExported, "no agent coordination port is registered")
	}
	return c.agents, nil
}

func (c *Capabilities) ragPort() (RAGPort, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.rag == nil {
		return nil, core.Errf(core.ReasonFunctionNotExported, "no rag pipeline port is registered")
	}
	return c.rag, nil
}
