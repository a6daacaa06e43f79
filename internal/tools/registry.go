package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/samsaffron/tau/internal/llm"
)

type registeredTool struct {
	tool   llm.Tool
	schema *jsonschema.Resolved
}

// Registry holds the tools offered to the model together with their
// compiled argument schemas.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registeredTool)}
}

// NewDefaultRegistry registers the built-in tools enabled in cfg.
func NewDefaultRegistry(cfg ToolConfig) (*Registry, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid tool config: %w", errors.Join(errs...))
	}
	policy, err := NewPathPolicy(cfg.WorkDir, cfg.DenyPaths)
	if err != nil {
		return nil, err
	}
	limits := cfg.Limits()
	maxTimeout := cfg.MaxTimeout
	if maxTimeout <= 0 {
		maxTimeout = DefaultToolConfig().MaxTimeout
	}

	r := NewRegistry()
	for _, name := range cfg.EnabledNames() {
		var tool llm.Tool
		switch name {
		case BashToolName:
			tool = NewBashTool(policy, maxTimeout, limits.MaxBytes)
		case ReadToolName:
			tool = NewReadTool(policy, limits)
		case WriteToolName:
			tool = NewWriteTool(policy)
		case EditToolName:
			tool = NewEditTool(policy)
		case ListToolName:
			tool = NewListTool(policy, limits)
		case GlobToolName:
			tool = NewGlobTool(policy, limits)
		case GrepToolName:
			tool = NewGrepTool(policy, limits)
		default:
			return nil, NewToolErrorf(ErrInvalidParams, "unknown tool: %s", name)
		}
		if err := r.Register(tool); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool, compiling its JSON schema for argument validation.
func (r *Registry) Register(tool llm.Tool) error {
	spec := tool.Spec()
	if spec.Name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	resolved, err := compileSchema(spec.Schema)
	if err != nil {
		return fmt.Errorf("register tool %s: %w", spec.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[spec.Name]; !exists {
		r.order = append(r.order, spec.Name)
	}
	r.tools[spec.Name] = registeredTool{tool: tool, schema: resolved}
	return nil
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (llm.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	return rt.tool, ok
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Specs returns the tool specs in registration order.
func (r *Registry) Specs() []llm.ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]llm.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.tools[name].tool.Spec())
	}
	return specs
}

func (r *Registry) lookup(name string) (registeredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	return rt, ok
}

func compileSchema(schema map[string]interface{}) (*jsonschema.Resolved, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve schema: %w", err)
	}
	return resolved, nil
}
