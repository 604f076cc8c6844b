// Package optim implements graph-rewriting optimizer passes over an onnx.Graph, and a Registry to select
// and chain them by name.
//
// Passes follow the same template: they first collect the nodes to eliminate and the tensor renames
// that make them redundant, then apply all renames at once with onnx.Graph.RemapInputNames, and finally
// remove the nodes with onnx.Graph.RemoveNodes.
package optim

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/onnxutils/onnx"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pass is a named graph transformation. It may mutate the graph in place, and returns the resulting graph.
type Pass interface {
	Name() string
	Apply(graph *onnx.Graph) (*onnx.Graph, error)
}

// PassNotFoundError is returned when a pass name is not registered.
type PassNotFoundError struct {
	Name string
}

// Error implements error.
func (e *PassNotFoundError) Error() string {
	return fmt.Sprintf("pass not found: %s", e.Name)
}

// DuplicatePassError is returned when registering a pass with a name already taken.
type DuplicatePassError struct {
	Name string
}

// Error implements error.
func (e *DuplicatePassError) Error() string {
	return fmt.Sprintf("pass %q already registered", e.Name)
}

// Registry maps pass names to passes.
//
// A Registry is not safe for concurrent registration, but once populated it can be read concurrently.
type Registry struct {
	passes map[string]Pass
}

// NewRegistry creates an empty Registry. See RegisterDefaults to populate it with the passes of this package.
func NewRegistry() *Registry {
	return &Registry{passes: make(map[string]Pass)}
}

// Register adds a pass. It fails with a *DuplicatePassError if the name is already taken.
func (r *Registry) Register(pass Pass) error {
	name := pass.Name()
	if _, found := r.passes[name]; found {
		return &DuplicatePassError{Name: name}
	}
	r.passes[name] = pass
	return nil
}

// MustRegister is like Register, but panics on error.
func (r *Registry) MustRegister(pass Pass) {
	if err := r.Register(pass); err != nil {
		panic(err)
	}
}

// Lookup returns the pass registered under name, or a *PassNotFoundError.
func (r *Registry) Lookup(name string) (Pass, error) {
	pass, found := r.passes[name]
	if !found {
		return nil, &PassNotFoundError{Name: name}
	}
	return pass, nil
}

// Names returns the sorted registered pass names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.passes))
	for name := range r.passes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Apply runs the named passes in order, each on the result of the previous one, and returns the final graph.
//
// All names are looked up before any pass runs, so a missing name leaves the graph untouched.
// With no names the graph is returned unchanged.
func (r *Registry) Apply(graph *onnx.Graph, names ...string) (*onnx.Graph, error) {
	passes := make([]Pass, 0, len(names))
	for _, name := range names {
		pass, err := r.Lookup(name)
		if err != nil {
			return nil, err
		}
		passes = append(passes, pass)
	}
	for _, pass := range passes {
		before := len(graph.Nodes)
		result, err := pass.Apply(graph)
		if err != nil {
			return nil, errors.WithMessagef(err, "pass %q", pass.Name())
		}
		graph = result
		klog.V(1).Infof("optim: pass %q: %d -> %d nodes", pass.Name(), before, len(graph.Nodes))
	}
	return graph, nil
}

// RegisterDefaults registers all the passes implemented in this package.
func RegisterDefaults(r *Registry) {
	r.MustRegister(EliminateConcat{})
	r.MustRegister(EliminateIdentity{})
	r.MustRegister(EliminateSingleInputVariadic{})
	r.MustRegister(ConstantToInitializer{})
	r.MustRegister(EliminateUnusedInitializers{})
}

var defaultRegistry = sync.OnceValue(func() *Registry {
	r := NewRegistry()
	RegisterDefaults(r)
	return r
})

// Default returns the process-wide registry, populated with RegisterDefaults on first use.
// It must not be modified.
func Default() *Registry {
	return defaultRegistry()
}
