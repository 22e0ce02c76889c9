// Package effects implements the declarative effect language: an immutable
// tree of tagged nodes (call, delay, sequence, parallel, race, retry,
// timeout, with_compensation, AI ports) and the interpreter that executes it
// with cancellation, backoff and telemetry.
package effects

// Kind tags an effect node.
type Kind string

const (
	KindCall             Kind = "call"
	KindDelay            Kind = "delay"
	KindLog              Kind = "log"
	KindPutData          Kind = "put_data"
	KindGetData          Kind = "get_data"
	KindSequence         Kind = "sequence"
	KindParallel         Kind = "parallel"
	KindRace             Kind = "race"
	KindRetry            Kind = "retry"
	KindTimeout          Kind = "timeout"
	KindWithCompensation Kind = "with_compensation"
	KindCallLLM          Kind = "call_llm"
	KindCoordinateAgents Kind = "coordinate_agents"
	KindRAGPipeline      Kind = "rag_pipeline"
)

// Backoff names a retry delay strategy.
type Backoff string

const (
	BackoffConstant    Backoff = "constant"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// RetryOpts configures a retry node. Attempts counts the total number of
// tries, not the number of re-tries. Backoff delays get ±20% jitter unless
// NoJitter is set; the zero value keeps jitter on.
type RetryOpts struct {
	Attempts int     `json:"attempts"`
	Backoff  Backoff `json:"backoff"`
	BaseMs   int     `json:"base_ms"`
	NoJitter bool    `json:"no_jitter,omitempty"`
}

// LLMOpts configures a call_llm node.
type LLMOpts struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// AgentSpec names one agent in a coordinate_agents node.
type AgentSpec struct {
	ID   string                 `json:"id"`
	Role string                 `json:"role,omitempty"`
	Opts map[string]interface{} `json:"opts,omitempty"`
}

// CoordinationType selects how agents are coordinated.
type CoordinationType string

const (
	CoordinateSequential CoordinationType = "sequential"
	CoordinateParallel   CoordinationType = "parallel"
	CoordinateConsensus  CoordinationType = "consensus"
)

// CoordinateOpts configures a coordinate_agents node.
type CoordinateOpts struct {
	Type            CoordinationType `json:"type"`
	SuccessCriteria string           `json:"success_criteria,omitempty"`
}

// RAGOpts configures a rag_pipeline node.
type RAGOpts struct {
	Query             string   `json:"query"`
	RetrievalStrategy string   `json:"retrieval_strategy"`
	KnowledgeBases    []string `json:"knowledge_bases"`
	MaxContextTokens  int      `json:"max_context_tokens,omitempty"`
}

// Effect is one node of an effect tree. Which fields are meaningful depends
// on Kind; use the constructors rather than building nodes by hand.
type Effect struct {
	Kind Kind `json:"kind"`

	Module   string        `json:"module,omitempty"`
	Function string        `json:"function,omitempty"`
	Args     []interface{} `json:"args,omitempty"`

	Ms int `json:"ms,omitempty"`

	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`

	Key   string      `json:"key,omitempty"`
	Value interface{} `json:"value,omitempty"`

	Children []*Effect `json:"children,omitempty"`
	Child    *Effect   `json:"child,omitempty"`
	Rollback *Effect   `json:"rollback,omitempty"`

	Retry      *RetryOpts      `json:"retry,omitempty"`
	LLM        *LLMOpts        `json:"llm,omitempty"`
	Agents     []AgentSpec     `json:"agents,omitempty"`
	Coordinate *CoordinateOpts `json:"coordinate,omitempty"`
	RAG        *RAGOpts        `json:"rag,omitempty"`
}

// resultRef and dataRef are substitution markers resolved by the interpreter
// at execution time.
type resultRef struct{}

type dataRef struct{ key string }

// Result references the previous node's result inside a sequence.
func Result() interface{} { return resultRef{} }

// DataRef references a key of the owning instance's data.
func DataRef(key string) interface{} { return dataRef{key: key} }

// Call invokes a registered capability "module.function" with args.
func Call(module, function string, args ...interface{}) *Effect {
	return &Effect{Kind: KindCall, Module: module, Function: function, Args: args}
}

// Delay suspends for ms milliseconds and yields the :delayed marker.
func Delay(ms int) *Effect {
	return &Effect{Kind: KindDelay, Ms: ms}
}

// Log writes a message at the given level through the engine's logger.
func Log(level, message string) *Effect {
	return &Effect{Kind: KindLog, Level: level, Message: message}
}

// PutData writes a key into the owning instance's data.
func PutData(key string, value interface{}) *Effect {
	return &Effect{Kind: KindPutData, Key: key, Value: value}
}

// GetData yields the bound value of a data key as the node's result.
func GetData(key string) *Effect {
	return &Effect{Kind: KindGetData, Key: key}
}

// Sequence runs children left to right; the result is the list of child
// results in order.
func Sequence(children ...*Effect) *Effect {
	return &Effect{Kind: KindSequence, Children: children}
}

// Parallel runs children concurrently; all must succeed.
func Parallel(children ...*Effect) *Effect {
	return &Effect{Kind: KindParallel, Children: children}
}

// Race runs children concurrently; the first success wins and the rest are
// cancelled.
func Race(children ...*Effect) *Effect {
	return &Effect{Kind: KindRace, Children: children}
}

// Retry wraps child with at-most-opts.Attempts total tries.
func Retry(child *Effect, opts RetryOpts) *Effect {
	return &Effect{Kind: KindRetry, Child: child, Retry: &opts}
}

// Timeout cancels child if it does not complete within ms milliseconds.
func Timeout(child *Effect, ms int) *Effect {
	return &Effect{Kind: KindTimeout, Child: child, Ms: ms}
}

// WithCompensation runs rollback best-effort when main errors, then returns
// main's original error.
func WithCompensation(main, rollback *Effect) *Effect {
	return &Effect{Kind: KindWithCompensation, Child: main, Rollback: rollback}
}

// CallLLM invokes the configured LLM capability port.
func CallLLM(opts LLMOpts) *Effect {
	return &Effect{Kind: KindCallLLM, LLM: &opts}
}

// CoordinateAgents invokes the agent-coordination capability port.
func CoordinateAgents(agents []AgentSpec, opts CoordinateOpts) *Effect {
	return &Effect{Kind: KindCoordinateAgents, Agents: agents, Coordinate: &opts}
}

// RAGPipeline invokes the retrieval-augmented-generation capability port.
func RAGPipeline(opts RAGOpts) *Effect {
	return &Effect{Kind: KindRAGPipeline, RAG: &opts}
}
