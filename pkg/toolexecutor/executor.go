package toolexecutor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/recall/internal/observability"
	"github.com/harun/recall/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultExecTimeout bounds a single tool execution.
const DefaultExecTimeout = 30 * time.Second

var validParamTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

// Options configures a Registry. The zero value allows every tool, asks
// nobody (Ask tools are denied) and uses DefaultExecTimeout.
type Options struct {
	Logger      zerolog.Logger
	Approvals   *ApprovalManager
	DenyList    *DenyList
	Policies    map[string]ApprovalPolicy
	ExecTimeout time.Duration
}

type registeredTool struct {
	def       ToolDefinition
	schema    *gojsonschema.Schema
	schemaDoc map[string]interface{}
}

// Registry holds tools by name and gates their execution. Lookups dominate,
// so the map sits behind an RWMutex.
type Registry struct {
	mu          sync.RWMutex
	tools       map[string]*registeredTool
	logger      zerolog.Logger
	approvals   *ApprovalManager
	denyList    *DenyList
	policies    map[string]ApprovalPolicy
	execTimeout time.Duration
}

// New creates an empty registry.
func New(opts Options) *Registry {
	timeout := opts.ExecTimeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	policies := make(map[string]ApprovalPolicy, len(opts.Policies))
	for k, v := range opts.Policies {
		policies[k] = v
	}
	return &Registry{
		tools:       make(map[string]*registeredTool),
		logger:      opts.Logger,
		approvals:   opts.Approvals,
		denyList:    opts.DenyList,
		policies:    policies,
		execTimeout: timeout,
	}
}

// Register validates def, compiles its schema and adds it.
func (r *Registry) Register(def ToolDefinition) error {
	if err := validateToolDefinition(def); err != nil {
		return err
	}

	schemaDoc := buildSchemaDoc(def)
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaDoc))
	if err != nil {
		return fmt.Errorf("%w: %s: schema: %w", ErrInvalidTool, def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.Name)
	}
	params := make([]ToolParameter, len(def.Parameters))
	copy(params, def.Parameters)
	def.Parameters = params
	r.tools[def.Name] = &registeredTool{def: def, schema: schema, schemaDoc: schemaDoc}

	r.logger.Debug().
		Str("tool", def.Name).
		Str("approval", string(effectivePolicy(def, r.policies))).
		Msg("Tool registered")
	return nil
}

// Get returns a copy of a tool definition.
func (r *Registry) Get(name string) (ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return ToolDefinition{}, false
	}
	return t.def, true
}

// Names returns the registered tool names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns the model-facing tool descriptions sorted by name. Tools
// whose effective policy is Deny are left out; the model cannot use them.
func (r *Registry) Specs() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		if effectivePolicy(t.def, r.policies) == PolicyDeny {
			continue
		}
		specs = append(specs, ToolSpec{
			Name:        t.def.Name,
			Description: t.def.Description,
			Parameters:  t.schemaDoc,
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// DispatchJSON decodes raw model arguments and dispatches. Undecodable
// arguments are an InvalidArguments outcome.
func (r *Registry) DispatchJSON(ctx context.Context, name, raw string) Outcome {
	args, err := DecodeArguments(raw)
	if err != nil {
		r.mu.RLock()
		_, known := r.tools[name]
		r.mu.RUnlock()
		status := OutcomeInvalidArguments
		if !known {
			status = OutcomeUnknownTool
			err = fmt.Errorf("unknown tool: %s", name)
		}
		out := Outcome{Tool: name, Status: status, Error: err.Error()}
		r.record(ctx, out, nil)
		return out
	}
	return r.Dispatch(ctx, name, args)
}

// Dispatch gates and runs one tool call. It never panics and reports every
// failure through the Outcome status.
func (r *Registry) Dispatch(ctx context.Context, name string, args map[string]interface{}) Outcome {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "recall.toolexecutor", "tool.dispatch",
		attribute.String("tool.name", name))
	defer span.End()

	out := r.dispatch(ctx, name, args)
	out.Duration = time.Since(start)

	span.SetAttributes(attribute.String("tool.outcome", string(out.Status)))
	if !out.OK() {
		span.SetAttributes(attribute.String("tool.error", out.Error))
	}

	var meta map[string]interface{}
	if out.Status == OutcomeExecutionError || out.Status == OutcomeSuccess {
		meta = map[string]interface{}{"duration_ms": out.Duration.Milliseconds()}
	}
	r.record(ctx, out, meta)
	return out
}

func (r *Registry) record(ctx context.Context, out Outcome, meta map[string]interface{}) {
	observability.RecordToolDispatch(out.Tool, string(out.Status), out.Duration)
	observability.RecordToolAudit(ctx, out.Tool, tracing.GetToolCallID(ctx), string(out.Status), meta)

	logger := tracing.LoggerFromContext(ctx, r.logger)
	event := logger.Debug()
	if !out.OK() {
		event = logger.Warn().Str("error", out.Error)
	}
	event.Str("tool", out.Tool).
		Str("outcome", string(out.Status)).
		Dur("duration", out.Duration).
		Msg("Tool dispatched")
}

func (r *Registry) dispatch(ctx context.Context, name string, args map[string]interface{}) Outcome {
	if args == nil {
		args = map[string]interface{}{}
	}

	r.mu.RLock()
	tool := r.tools[name]
	policy := PolicyAllow
	if tool != nil {
		policy = effectivePolicy(tool.def, r.policies)
	}
	r.mu.RUnlock()

	if tool == nil {
		return Outcome{Tool: name, Status: OutcomeUnknownTool, Error: fmt.Sprintf("unknown tool: %s", name)}
	}

	if rule, blocked := r.denyList.Match(name, args); blocked {
		reason := rule.Reason
		if reason == "" {
			reason = rule.Pattern
		}
		return Outcome{Tool: name, Status: OutcomeDenied, Error: "blocked by deny list: " + reason}
	}

	if policy == PolicyDeny {
		return Outcome{Tool: name, Status: OutcomeDenied, Error: "tool is denied by policy"}
	}

	if err := validateParameters(tool.schema, args); err != nil {
		return Outcome{Tool: name, Status: OutcomeInvalidArguments, Error: err.Error()}
	}

	if policy == PolicyAsk {
		approved, err := r.approvals.RequestApproval(ctx, ApprovalRequest{
			Tool:        name,
			Description: tool.def.Description,
			Arguments:   args,
			TurnID:      tracing.GetTurnID(ctx),
		})
		if err != nil {
			return Outcome{Tool: name, Status: OutcomeUserDenied, Error: err.Error()}
		}
		if !approved {
			return Outcome{Tool: name, Status: OutcomeUserDenied, Error: "denied by user"}
		}
	}

	return r.execute(ctx, tool.def, args)
}

type execResult struct {
	value interface{}
	err   error
}

// execute runs the handler on a context detached from the caller's
// cancellation; only the tool timeout stops it.
func (r *Registry) execute(ctx context.Context, def ToolDefinition, args map[string]interface{}) Outcome {
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.execTimeout)
	defer cancel()

	resultChan := make(chan execResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				resultChan <- execResult{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		value, err := def.Handler(execCtx, args)
		resultChan <- execResult{value: value, err: err}
	}()

	select {
	case res := <-resultChan:
		if res.err != nil {
			return Outcome{Tool: def.Name, Status: OutcomeExecutionError, Error: res.err.Error()}
		}
		output, err := formatOutput(res.value)
		if err != nil {
			return Outcome{Tool: def.Name, Status: OutcomeExecutionError, Error: err.Error()}
		}
		return Outcome{Tool: def.Name, Status: OutcomeSuccess, Output: output}

	case <-execCtx.Done():
		return Outcome{
			Tool:   def.Name,
			Status: OutcomeExecutionError,
			Error:  fmt.Sprintf("tool execution timeout after %v", r.execTimeout),
		}
	}
}

// validateToolDefinition validates a tool definition
func validateToolDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("%w: tool name cannot be empty", ErrInvalidTool)
	}
	if def.Description == "" {
		return fmt.Errorf("%w: %s: tool description cannot be empty", ErrInvalidTool, def.Name)
	}
	if def.Handler == nil {
		return fmt.Errorf("%w: %s: tool handler cannot be nil", ErrInvalidTool, def.Name)
	}
	switch def.Approval {
	case "", PolicyAllow, PolicyAsk, PolicyDeny:
	default:
		return fmt.Errorf("%w: %s: unknown approval policy %q", ErrInvalidTool, def.Name, def.Approval)
	}

	seen := make(map[string]bool, len(def.Parameters))
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("%w: %s: parameter name cannot be empty", ErrInvalidTool, def.Name)
		}
		if seen[param.Name] {
			return fmt.Errorf("%w: %s: duplicate parameter %s", ErrInvalidTool, def.Name, param.Name)
		}
		seen[param.Name] = true
		if param.Description == "" {
			return fmt.Errorf("%w: %s: parameter description cannot be empty for %s", ErrInvalidTool, def.Name, param.Name)
		}
		if !validParamTypes[param.Type] {
			return fmt.Errorf("%w: %s: invalid parameter type %q for %s", ErrInvalidTool, def.Name, param.Type, param.Name)
		}
	}
	return nil
}

// buildSchemaDoc generates a JSON Schema from tool parameters
func buildSchemaDoc(def ToolDefinition) map[string]interface{} {
	properties := make(map[string]interface{}, len(def.Parameters))
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		if len(param.Enum) > 0 {
			paramSchema["enum"] = param.Enum
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}
	return schemaMap
}

// validateParameters validates parameters against a JSON Schema
func validateParameters(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("validation errors: %v", errs)
	}
	return nil
}
