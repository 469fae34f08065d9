// Package registry discovers and exposes command metadata, and validates
// inbound payloads before dispatch. Definitions are registered during the
// startup phase (built-ins by each daemon, plus YAML manifests from the
// commands directory) and are immutable afterwards.
package registry

import (
	"fmt"
	"sync"

	"continuum/internal/logging"
	"continuum/internal/protocol"
)

// Affinity names the execution context that must service a command.
type Affinity string

const (
	AffinityLocal   Affinity = "local"
	AffinityBrowser Affinity = "remote-browser"
	AffinityPeer    Affinity = "remote-peer"
)

// Valid reports whether the affinity is one of the known contexts.
func (a Affinity) Valid() bool {
	switch a {
	case AffinityLocal, AffinityBrowser, AffinityPeer:
		return true
	}
	return false
}

// Remote reports whether the command must be forwarded across the
// transport boundary instead of invoking a local handler.
func (a Affinity) Remote() bool {
	return a == AffinityBrowser || a == AffinityPeer
}

// ParamSpec describes one field of a command's parameter schema.
// Type is one of "string", "number", "bool", "object", "array".
type ParamSpec struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Required    bool   `yaml:"required" json:"required"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// CommandDefinition is the static registration metadata for one command.
// Created during discovery at process start, immutable thereafter.
type CommandDefinition struct {
	Name     string      `yaml:"name" json:"name"`
	Category string      `yaml:"category" json:"category"`
	Params   []ParamSpec `yaml:"params,omitempty" json:"params,omitempty"`
	Affinity Affinity    `yaml:"affinity" json:"affinity"`
	Examples []string    `yaml:"examples,omitempty" json:"examples,omitempty"`
}

// key identifies a definition: names are unique within a category.
type key struct {
	category string
	name     string
}

// Registry stores command definitions. Writes only occur during the startup
// phase; the RWMutex covers that window, reads afterwards contend on nothing.
type Registry struct {
	mu      sync.RWMutex
	byKey   map[key]*CommandDefinition
	ordered []*CommandDefinition // registration order, for introspection
	log     *logging.Logger
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byKey: make(map[key]*CommandDefinition),
		log:   logging.Get(logging.CategoryRegistry),
	}
}

// Register stores a definition. It fails with DuplicateCommandError if the
// name already exists in the category, and rejects malformed definitions so
// bad manifests surface at startup rather than at call time.
func (r *Registry) Register(def CommandDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("command definition missing name")
	}
	if def.Category == "" {
		return fmt.Errorf("command %s missing category", def.Name)
	}
	if def.Affinity == "" {
		def.Affinity = AffinityLocal
	}
	if !def.Affinity.Valid() {
		return fmt.Errorf("command %s/%s has unknown affinity %q", def.Category, def.Name, def.Affinity)
	}
	for _, p := range def.Params {
		if p.Name == "" {
			return fmt.Errorf("command %s/%s has a param without a name", def.Category, def.Name)
		}
		switch p.Type {
		case "string", "number", "bool", "object", "array":
		default:
			return fmt.Errorf("command %s/%s param %s has unknown type %q", def.Category, def.Name, p.Name, p.Type)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{category: def.Category, name: def.Name}
	if _, exists := r.byKey[k]; exists {
		return &protocol.DuplicateCommandError{Category: def.Category, Name: def.Name}
	}

	stored := def
	r.byKey[k] = &stored
	r.ordered = append(r.ordered, &stored)
	r.log.Debug("registered %s/%s (affinity %s, %d params)", def.Category, def.Name, def.Affinity, len(def.Params))
	return nil
}

// Resolve looks up a definition by category and name.
func (r *Registry) Resolve(category, name string) (*CommandDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byKey[key{category: category, name: name}]
	if !ok {
		return nil, &protocol.NotFoundError{Category: category, Name: name}
	}
	return def, nil
}

// List returns definitions in registration order. An empty category returns
// everything; otherwise only that category's commands.
func (r *Registry) List(category string) []*CommandDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if category == "" {
		out := make([]*CommandDefinition, len(r.ordered))
		copy(out, r.ordered)
		return out
	}
	var out []*CommandDefinition
	for _, def := range r.ordered {
		if def.Category == category {
			out = append(out, def)
		}
	}
	return out
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ordered)
}

// Validate checks a payload against the definition's parameter schema.
// Every missing required field and every type mismatch is enumerated in the
// returned ValidationError; a nil error means the payload is dispatchable.
func (r *Registry) Validate(def *CommandDefinition, payload map[string]any) error {
	verr := &protocol.ValidationError{Operation: def.Category + "/" + def.Name}

	for _, spec := range def.Params {
		value, present := payload[spec.Name]
		if !present {
			if spec.Required {
				verr.MissingFields = append(verr.MissingFields, spec.Name)
			}
			continue
		}
		if actual := typeName(value); !typeMatches(spec.Type, value) {
			verr.TypeMismatches = append(verr.TypeMismatches, protocol.TypeMismatch{
				Field:    spec.Name,
				Expected: spec.Type,
				Actual:   actual,
			})
		}
	}

	if verr.Empty() {
		return nil
	}
	return verr
}

// typeMatches checks a decoded payload value against a schema type name.
// JSON numbers decode as float64 and CBOR integers as int64/uint64, so
// "number" accepts all numeric widths.
func typeMatches(expected string, value any) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "bool":
		_, ok := value.(bool)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64, int32, uint64:
			return true
		}
		return false
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	}
	return false
}

func typeName(value any) string {
	switch value.(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case float64, float32, int, int64, int32, uint64:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", value)
	}
}
