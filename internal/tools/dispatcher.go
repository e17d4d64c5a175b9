package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/soracode/renga/internal/cancel"
)

var tracer = otel.Tracer("renga/tools")

// Call is one tool invocation request from the runtime.
type Call struct {
	Tool      string
	Args      map[string]interface{}
	SessionID string
	JobID     string // cancellation key; usually the root session ID
}

// Dispatcher validates, guards, and executes tool calls for a run.
// The tracker and accountant are per-run state owned by the caller;
// the dispatcher itself is shared and stateless.
type Dispatcher struct {
	registry *Registry
	spiller  *Spiller
	cancels  *cancel.Registry
}

func NewDispatcher(registry *Registry, spiller *Spiller, cancels *cancel.Registry) *Dispatcher {
	return &Dispatcher{registry: registry, spiller: spiller, cancels: cancels}
}

// Dispatch runs one tool call through the full pipeline:
// cancellation check → budget gate → loop detection → argument
// coercion → execution → stringify/spill → budget charge →
// cancellation check. Ordinary tool failures come back as error
// Results; the error return fires only for cancellation.
func (d *Dispatcher) Dispatch(ctx context.Context, call Call, tracker *CallTracker, budget *BudgetAccountant) (*Result, error) {
	if d.cancels != nil && call.JobID != "" {
		if err := d.cancels.Check(call.JobID); err != nil {
			return nil, err
		}
	}

	if budget != nil && budget.Exhausted() {
		return ErrorResult(fmt.Sprintf(
			"[Tool call blocked: the run's context budget (%d tokens) is exhausted. Produce your final answer now.]",
			budget.Budget())), nil
	}

	desc, ok := d.registry.Get(call.Tool)
	if !ok {
		return ErrorResult(fmt.Sprintf("Unknown tool: %s", call.Tool)), nil
	}

	if tracker != nil && tracker.Check(call.Tool, call.Args) {
		slog.Warn("tool loop detected", "tool", call.Tool, "session", call.SessionID)
		return ErrorResult(fmt.Sprintf(
			"[Loop detected: %s was called repeatedly with identical arguments. "+
				"The call was not executed. Change your approach or finish with the information you have.]",
			call.Tool)), nil
	}

	args, err := coerceArgs(desc.Parameters, call.Args)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Invalid arguments for %s: %v", call.Tool, err)), nil
	}

	tctx, span := tracer.Start(ctx, "tool."+call.Tool)
	span.SetAttributes(attribute.String("tool.name", call.Tool))
	start := time.Now()

	result, err := desc.Handler(tctx, args)
	span.End()

	if err != nil {
		// Handlers reserve the error return for run-fatal conditions.
		return nil, err
	}
	if result == nil {
		result = NewResult("")
	}
	slog.Debug("tool executed",
		"tool", call.Tool, "duration_ms", time.Since(start).Milliseconds(), "is_error", result.IsError)

	if d.spiller != nil && !result.IsError {
		text, artifact, spilled, spillErr := d.spiller.MaybeSpill(call.Tool, result.ForLLM)
		if spillErr != nil {
			slog.Warn("spill failed, keeping output inline", "tool", call.Tool, "error", spillErr)
		} else if spilled {
			result.ForLLM = text
			result.Spilled = true
			result.ArtifactPath = artifact
		}
	}

	if budget != nil {
		if directive := budget.Charge(result.ForLLM); directive != "" {
			result.ForLLM += directive
		}
	}

	if d.cancels != nil && call.JobID != "" {
		if err := d.cancels.Check(call.JobID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// coerceArgs validates args against the declared object schema and
// coerces unambiguous string values to their declared scalar types.
// Unknown arguments pass through untouched.
func coerceArgs(schema map[string]interface{}, args map[string]interface{}) (map[string]interface{}, error) {
	if schema == nil {
		return args, nil
	}
	props, _ := schema["properties"].(map[string]interface{})

	if req, ok := schema["required"]; ok {
		for _, name := range requiredNames(req) {
			if _, present := args[name]; !present {
				return nil, fmt.Errorf("missing required argument %q", name)
			}
		}
	}

	out := make(map[string]interface{}, len(args))
	for name, value := range args {
		prop, ok := props[name].(map[string]interface{})
		if !ok {
			out[name] = value
			continue
		}
		declared, _ := prop["type"].(string)
		coerced, err := coerceValue(declared, value)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", name, err)
		}
		out[name] = coerced
	}
	return out, nil
}

func requiredNames(req interface{}) []string {
	switch t := req.(type) {
	case []string:
		return t
	case []interface{}:
		names := make([]string, 0, len(t))
		for _, v := range t {
			if s, ok := v.(string); ok {
				names = append(names, s)
			}
		}
		return names
	}
	return nil
}

func coerceValue(declared string, value interface{}) (interface{}, error) {
	switch declared {
	case "string":
		if s, ok := value.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", value), nil

	case "integer", "int":
		switch v := value.(type) {
		case float64:
			return int(v), nil
		case int:
			return v, nil
		case json.Number:
			n, err := v.Int64()
			return int(n), err
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("expected integer, got %q", v)
			}
			return n, nil
		}
		return nil, fmt.Errorf("expected integer, got %T", value)

	case "number", "num":
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("expected number, got %q", v)
			}
			return f, nil
		}
		return nil, fmt.Errorf("expected number, got %T", value)

	case "boolean", "bool":
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true", "1", "yes":
				return true, nil
			case "false", "0", "no":
				return false, nil
			}
			return nil, fmt.Errorf("expected boolean, got %q", v)
		}
		return nil, fmt.Errorf("expected boolean, got %T", value)

	default:
		// array, object, or undeclared: pass through.
		return value, nil
	}
}
