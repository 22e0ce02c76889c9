package effects

import (
	"fmt"

	"github.com/navigatorhq/navigator/pkg/core"
)

// Validate checks an effect tree before execution: recognized tags, correct
// arity, required options, positive durations. Errors are validation_error
// and execution never starts.
func Validate(e *Effect) error {
	return validate(e, "effect")
}

func validate(e *Effect, path string) error {
	if e == nil {
		return core.Errf(core.ReasonValidationError, path+": nil effect node")
	}

	switch e.Kind {
	case KindCall:
		if e.Module == "" || e.Function == "" {
			return core.Errf(core.ReasonValidationError, path+": call requires module and function")
		}

	case KindDelay:
		if e.Ms <= 0 {
			return core.Errf(core.ReasonValidationError, path+": delay requires a positive duration")
		}

	case KindLog:
		if e.Message == "" {
			return core.Errf(core.ReasonValidationError, path+": log requires a message")
		}

	case KindPutData:
		if e.Key == "" {
			return core.Errf(core.ReasonValidationError, path+": put_data requires a key")
		}

	case KindGetData:
		if e.Key == "" {
			return core.Errf(core.ReasonValidationError, path+": get_data requires a key")
		}

	case KindSequence, KindParallel, KindRace:
		if len(e.Children) == 0 {
			return core.Errf(core.ReasonValidationError, fmt.Sprintf("%s: %s requires at least one child", path, e.Kind))
		}
		for i, child := range e.Children {
			if err := validate(child, fmt.Sprintf("%s.%s[%d]", path, e.Kind, i)); err != nil {
				return err
			}
		}

	case KindRetry:
		if e.Retry == nil || e.Retry.Attempts < 1 {
			return core.Errf(core.ReasonValidationError, path+": retry requires attempts >= 1")
		}
		switch e.Retry.Backoff {
		case BackoffConstant, BackoffLinear, BackoffExponential, "":
		default:
			return core.Errf(core.ReasonValidationError, fmt.Sprintf("%s: unknown backoff %q", path, e.Retry.Backoff))
		}
		if e.Retry.BaseMs < 0 {
			return core.Errf(core.ReasonValidationError, path+": retry base_ms must not be negative")
		}
		return validate(e.Child, path+".retry")

	case KindTimeout:
		if e.Ms <= 0 {
			return core.Errf(core.ReasonValidationError, path+": timeout requires a positive duration")
		}
		return validate(e.Child, path+".timeout")

	case KindWithCompensation:
		if err := validate(e.Child, path+".main"); err != nil {
			return err
		}
		return validate(e.Rollback, path+".rollback")

	case KindCallLLM:
		if e.LLM == nil || e.LLM.Provider == "" || e.LLM.Model == "" || e.LLM.Prompt == "" {
			return core.Errf(core.ReasonValidationError, path+": call_llm requires provider, model and prompt")
		}

	case KindCoordinateAgents:
		if len(e.Agents) == 0 {
			return core.Errf(core.ReasonValidationError, path+": coordinate_agents requires at least one agent")
		}
		for i, a := range e.Agents {
			if a.ID == "" {
				return core.Errf(core.ReasonValidationError, fmt.Sprintf("%s: agent[%d] requires an id", path, i))
			}
		}
		if e.Coordinate == nil {
			return core.Errf(core.ReasonValidationError, path+": coordinate_agents requires coordination opts")
		}
		switch e.Coordinate.Type {
		case CoordinateSequential, CoordinateParallel, CoordinateConsensus:
		default:
			return core.Errf(core.ReasonValidationError, fmt.Sprintf("%s: unknown coordination type %q", path, e.Coordinate.Type))
		}

	case KindRAGPipeline:
		if e.RAG == nil || e.RAG.Query == "" {
			return core.Errf(core.ReasonValidationError, path+": rag_pipeline requires a query")
		}
		if e.RAG.RetrievalStrategy == "" {
			return core.Errf(core.ReasonValidationError, path+": rag_pipeline requires a retrieval strategy")
		}
		if len(e.RAG.KnowledgeBases) == 0 {
			return core.Errf(core.ReasonValidationError, path+": rag_pipeline requires at least one knowledge base")
		}

	default:
		return core.Errf(core.ReasonValidationError, fmt.Sprintf("%s: unknown effect kind %q", path, e.Kind))
	}

	return nil
}
