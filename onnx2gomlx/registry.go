package onnx2gomlx

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/onnxutils/modgraph"
	"github.com/gomlx/onnxutils/onnx"
)

// Key identifies a converter: the operator type and the opset version it was registered for.
type Key struct {
	OpType  string
	Version int
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return fmt.Sprintf("%s v%d", k.OpType, k.Version)
}

// Mapping lists, in position order, the tensor names feeding the inputs of a converted unit, and the tensor
// names produced by its outputs.
//
// An input name "" is an absent optional input. It may only appear at the tail of Inputs.
type Mapping struct {
	Inputs, Outputs []string
}

// Result of a converter: the module to call and how it is wired.
type Result struct {
	Module  modgraph.Module
	Mapping Mapping
}

// ConverterFunc converts one ONNX node. The graph is given for value info and initializer lookups only.
//
// Converters may panic (with exceptions.Panicf) on malformed nodes: Lower converts panics to errors.
type ConverterFunc func(node *onnx.Node, graph *onnx.Graph) (Result, error)

// UnsupportedOperatorError is returned when no converter is registered for an operator and version.
//
// Domain is set for operators of a domain other than the default ai.onnx one: none of those are supported.
type UnsupportedOperatorError struct {
	Domain  string
	OpType  string
	Version int
}

// Error implements error.
func (e *UnsupportedOperatorError) Error() string {
	if e.Domain != "" {
		return fmt.Sprintf("unsupported operator: %s.%s v%d", e.Domain, e.OpType, e.Version)
	}
	return fmt.Sprintf("unsupported operator: %s v%d", e.OpType, e.Version)
}

// DuplicateConverterError is returned when registering a converter for a key already taken.
type DuplicateConverterError struct {
	Key Key
}

// Error implements error.
func (e *DuplicateConverterError) Error() string {
	return fmt.Sprintf("converter for %s already registered", e.Key)
}

// Registry maps (operator type, version) to converters.
//
// Registration is not safe for concurrent use; once populated a Registry can be read concurrently.
type Registry struct {
	converters map[Key]ConverterFunc
}

// NewRegistry creates an empty Registry. See RegisterDefaults.
func NewRegistry() *Registry {
	return &Registry{converters: make(map[Key]ConverterFunc)}
}

// Register adds a converter for opType at exactly the given version.
// It fails with a *DuplicateConverterError if the key was already registered.
func (r *Registry) Register(opType string, version int, fn ConverterFunc) error {
	key := Key{OpType: opType, Version: version}
	if _, found := r.converters[key]; found {
		return &DuplicateConverterError{Key: key}
	}
	r.converters[key] = fn
	return nil
}

// MustRegister is like Register, but panics on error.
func (r *Registry) MustRegister(opType string, version int, fn ConverterFunc) {
	if err := r.Register(opType, version, fn); err != nil {
		panic(err)
	}
}

// Lookup returns the converter registered for exactly (opType, version). There is no fallback to other versions:
// it returns an *UnsupportedOperatorError instead.
func (r *Registry) Lookup(opType string, version int) (ConverterFunc, error) {
	fn, found := r.converters[Key{OpType: opType, Version: version}]
	if !found {
		return nil, &UnsupportedOperatorError{OpType: opType, Version: version}
	}
	return fn, nil
}

// LookupSince returns the converter registered for the greatest version <= version, following the ONNX
// "since version" semantics, along with the version found.
func (r *Registry) LookupSince(opType string, version int) (ConverterFunc, int, error) {
	versions := r.Versions(opType)
	for _, v := range slices.Backward(versions) {
		if v <= version {
			return r.converters[Key{OpType: opType, Version: v}], v, nil
		}
	}
	return nil, 0, &UnsupportedOperatorError{OpType: opType, Version: version}
}

// Versions returns the sorted versions registered for opType.
func (r *Registry) Versions(opType string) []int {
	var versions []int
	for key := range r.converters {
		if key.OpType == opType {
			versions = append(versions, key.Version)
		}
	}
	slices.Sort(versions)
	return versions
}

// OpTypes returns the sorted operator types with at least one registered converter.
func (r *Registry) OpTypes() []string {
	var opTypes []string
	for key := range r.converters {
		if !slices.Contains(opTypes, key.OpType) {
			opTypes = append(opTypes, key.OpType)
		}
	}
	slices.Sort(opTypes)
	return opTypes
}

// RegisterDefaults registers all converters implemented in this package.
func RegisterDefaults(r *Registry) {
	registerBinaryConverters(r)
	registerUnaryConverters(r)
	r.MustRegister("ReduceMax", 13, convertReduceMax)
	r.MustRegister("Concat", 13, convertConcat)
	r.MustRegister("Conv", 11, convertConv)
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
