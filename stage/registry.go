// Package stage holds the static registry of stage kinds and the built-in
// stages. A stage kind is resolved to a factory when a worker is bound to a
// descriptor; unknown kinds are configuration errors.
package stage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/c360/stagegrid/datachannel"
	"github.com/c360/stagegrid/descriptor"
	"github.com/c360/stagegrid/errors"
	"github.com/c360/stagegrid/flowqueue"
	"github.com/c360/stagegrid/metric"
)

// Item is the payload moved between stages.
type Item struct {
	Name  string            `json:"name"`
	Index int               `json:"index"`
	Data  []byte            `json:"data,omitempty"`
	Meta  map[string]string `json:"meta,omitempty"`
}

// Stage is one running stage instance. Run returns when the input is drained
// or the stage has nothing more to produce; the caller marks out done.
type Stage interface {
	Run(ctx context.Context, in, out flowqueue.Queue[Item], stats *descriptor.Counters) error
}

// StageFunc adapts a function to Stage.
type StageFunc func(ctx context.Context, in, out flowqueue.Queue[Item], stats *descriptor.Counters) error

// Run implements Stage.
func (f StageFunc) Run(ctx context.Context, in, out flowqueue.Queue[Item], stats *descriptor.Counters) error {
	return f(ctx, in, out, stats)
}

// Environment is the per-process handle passed to every factory.
type Environment struct {
	Node    descriptor.NodeID
	Logger  *slog.Logger
	Metrics *metric.MetricsRegistry
	Codec   datachannel.Codec[Item]
}

// NewEnvironment creates an environment with the JSON item codec.
func NewEnvironment(node descriptor.NodeID, logger *slog.Logger, metrics *metric.MetricsRegistry) *Environment {
	if logger == nil {
		logger = slog.Default()
	}
	return &Environment{
		Node:    node,
		Logger:  logger,
		Metrics: metrics,
		Codec:   datachannel.JSONCodec[Item]{},
	}
}

// Factory creates a stage for a bound descriptor. Factories validate options
// and do no I/O.
type Factory func(desc descriptor.StageDescriptor, env *Environment) (Stage, error)

// Registration describes a stage kind.
type Registration struct {
	Kind        string
	Description string
	Factory     Factory
}

// Registry maps stage kinds to registrations.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Registration)}
}

// Register adds a stage kind. Duplicate kinds are rejected.
func (r *Registry) Register(reg Registration) error {
	if reg.Kind == "" {
		return errors.WrapInvalid(errors.ErrConfiguration, "Registry", "Register", "stage kind validation")
	}
	if reg.Factory == nil {
		return errors.WrapInvalid(errors.ErrConfiguration, "Registry", "Register", "factory validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.kinds[reg.Kind]; exists {
		return errors.WrapInvalid(fmt.Errorf("%w: stage kind %q already registered", errors.ErrConfiguration, reg.Kind),
			"Registry", "Register", "duplicate kind check")
	}
	r.kinds[reg.Kind] = reg
	return nil
}

// Lookup returns the registration for kind.
func (r *Registry) Lookup(kind string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.kinds[kind]
	return reg, ok
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Create resolves desc.Kind and builds the stage.
func (r *Registry) Create(desc descriptor.StageDescriptor, env *Environment) (Stage, error) {
	reg, ok := r.Lookup(desc.Kind)
	if !ok {
		return nil, errors.WrapFatal(fmt.Errorf("%w: unknown stage kind %q", errors.ErrConfiguration, desc.Kind),
			"Registry", "Create", "resolve stage kind")
	}
	s, err := reg.Factory(desc, env)
	if err != nil {
		return nil, errors.WrapFatal(err, "Registry", "Create", "build "+desc.Kind+" stage")
	}
	return s, nil
}

// RegisterBuiltins adds the built-in stage kinds.
func RegisterBuiltins(r *Registry) error {
	for _, reg := range builtins() {
		if err := r.Register(reg); err != nil {
			return err
		}
	}
	return nil
}

// DefaultRegistry returns a registry holding the built-in stage kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		panic(err)
	}
	return r
}
