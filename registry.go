package athanor

import (
	"fmt"
	"slices"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry is the canonical tool catalog. Registration happens once at
// process start; after that the catalog is immutable and concurrent reads
// need no locking.
type Registry struct {
	tools map[string]*Tool
	// order preserves registration order so filtered definitions are
	// deterministic for a given (tier, agent) pair.
	order []string
}

// NewRegistry creates an empty catalog.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register compiles the tool's input schema and adds it to the catalog.
// Duplicate names and invalid schemas are configuration errors.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("register tool: empty name")
	}
	if _, dup := r.tools[t.Name]; dup {
		return fmt.Errorf("register tool %q: already registered", t.Name)
	}
	if t.Handler == nil {
		return fmt.Errorf("register tool %q: nil handler", t.Name)
	}
	if t.Category == "" {
		t.Category = CategoryBackground
	}
	if t.InputSchema != "" {
		schema, err := jsonschema.CompileString(t.Name+".schema.json", t.InputSchema)
		if err != nil {
			return fmt.Errorf("register tool %q: compile schema: %w", t.Name, err)
		}
		t.schema = schema
	}
	r.tools[t.Name] = &t
	r.order = append(r.order, t.Name)
	return nil
}

// Lookup returns the tool by name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Filter returns the definitions exposable to the model for this user and
// agent, in registration order. An agent with a non-empty allow-list
// restricts the set; features are resolved through the policy gate.
func (r *Registry) Filter(user User, agent *Agent, pol *Policy) []ToolDefinition {
	var defs []ToolDefinition
	for _, name := range r.order {
		t := r.tools[name]
		if agent != nil && len(agent.Tools) > 0 && !slices.Contains(agent.Tools, name) {
			continue
		}
		if t.MinTier != "" && !user.Tier.AtLeast(t.MinTier) {
			continue
		}
		if t.Feature != "" && (pol == nil || !pol.FeatureEnabled(user, t.Feature)) {
			continue
		}
		defs = append(defs, t.Definition())
	}
	return defs
}
