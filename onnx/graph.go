package onnx

import (
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

// Graph is the mutable dataflow graph of an ONNX model.
//
// Nodes are kept in declaration order, which must also be a valid topological order: every node input is either
// a graph input, an initializer or the output of an earlier node. Optimizer passes mutate the graph in place,
// and the Graph itself never does any implicit cleanup: see RemapInputNames and RemoveNodes.
type Graph struct {
	// Name of the graph, informative only.
	Name string

	// Nodes in declaration order.
	Nodes []*Node

	// Inputs and Outputs are the externally visible tensor names. Initializers are never listed as inputs.
	Inputs, Outputs []string

	// OpsetVersion is the version of the default ("ai.onnx") operator set imported by the model.
	// Nodes inherit it, see Node.Version.
	OpsetVersion int

	valueInfo        map[string]*ValueInfo
	valueInfoNames   []string
	initializers     map[string]*Tensor
	initializerNames []string
}

// ValueInfo is the declared type of a tensor. Dims may hold -1 for unknown dimensions, in which case
// DimNames holds the symbolic name, if any.
type ValueInfo struct {
	Name     string
	DataType DataType
	Dims     []int
	DimNames []string

	// HasShape is false if the shape of the value is not known (as opposed to a scalar).
	HasShape bool
}

// NewGraph creates an empty graph using the given opset version.
func NewGraph(name string, opsetVersion int) *Graph {
	return &Graph{
		Name:         name,
		OpsetVersion: opsetVersion,
		valueInfo:    make(map[string]*ValueInfo),
		initializers: make(map[string]*Tensor),
	}
}

// AddNode appends a node to the graph and returns it.
func (g *Graph) AddNode(node *Node) *Node {
	node.graph = g
	g.Nodes = append(g.Nodes, node)
	return node
}

// AddInitializer adds or replaces the constant tensor t, under t.Name.
func (g *Graph) AddInitializer(t *Tensor) {
	if _, found := g.initializers[t.Name]; !found {
		g.initializerNames = append(g.initializerNames, t.Name)
	}
	g.initializers[t.Name] = t
}

// RemoveInitializer removes the initializer with the given name, if present.
func (g *Graph) RemoveInitializer(name string) {
	if _, found := g.initializers[name]; !found {
		return
	}
	delete(g.initializers, name)
	g.initializerNames = slices.DeleteFunc(g.initializerNames, func(n string) bool { return n == name })
}

// Initializer returns the constant tensor with the given name.
func (g *Graph) Initializer(name string) (*Tensor, bool) {
	t, found := g.initializers[name]
	return t, found
}

// InitializerNames returns the names of the initializers, in declaration order.
func (g *Graph) InitializerNames() []string {
	return slices.Clone(g.initializerNames)
}

// Initializers iterates over the initializers in declaration order.
func (g *Graph) Initializers() iter.Seq[*Tensor] {
	return func(yield func(*Tensor) bool) {
		for _, name := range g.initializerNames {
			if !yield(g.initializers[name]) {
				return
			}
		}
	}
}

// SetValueInfo adds or replaces the declared type of the tensor vi.Name.
func (g *Graph) SetValueInfo(vi *ValueInfo) {
	if _, found := g.valueInfo[vi.Name]; !found {
		g.valueInfoNames = append(g.valueInfoNames, vi.Name)
	}
	g.valueInfo[vi.Name] = vi
}

// ValueInfo returns the declared type of the tensor with the given name, if known.
func (g *Graph) ValueInfo(name string) (*ValueInfo, bool) {
	vi, found := g.valueInfo[name]
	return vi, found
}

// NodesByOpType returns the nodes with the given operator type, in declaration order.
func (g *Graph) NodesByOpType(opType string) []*Node {
	var nodes []*Node
	for _, node := range g.Nodes {
		if node.OpType == opType {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// Producer returns the node that outputs the tensor name, or nil if it is not produced by a node.
func (g *Graph) Producer(name string) *Node {
	for _, node := range g.Nodes {
		if slices.Contains(node.Outputs, name) {
			return node
		}
	}
	return nil
}

// Consumers returns the nodes that read the tensor name, in declaration order.
func (g *Graph) Consumers(name string) []*Node {
	var nodes []*Node
	for _, node := range g.Nodes {
		if slices.Contains(node.Inputs, name) {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// RemapInputNames rewrites every node input and every graph output equal to a key of mapping to its value.
//
// Only one level is resolved: if mapping holds a->b and b->c, a reference to "a" becomes "b".
// Callers that need chains resolved must order their remaps accordingly.
func (g *Graph) RemapInputNames(mapping map[string]string) {
	if len(mapping) == 0 {
		return
	}
	for _, node := range g.Nodes {
		for ii, input := range node.Inputs {
			if to, found := mapping[input]; found {
				node.Inputs[ii] = to
			}
		}
	}
	for ii, output := range g.Outputs {
		if to, found := mapping[output]; found {
			g.Outputs[ii] = to
		}
	}
}

// DanglingConsumerError is returned by RemoveNodes when an output of a node being removed is still referenced.
type DanglingConsumerError struct {
	// Tensor is the output name still referenced.
	Tensor string
	// Consumer is the remaining node reading Tensor, or nil if Tensor is a graph output.
	Consumer *Node
}

// Error implements error.
func (e *DanglingConsumerError) Error() string {
	if e.Consumer == nil {
		return fmt.Sprintf("dangling consumer: removed tensor %q is a graph output", e.Tensor)
	}
	return fmt.Sprintf("dangling consumer: removed tensor %q is still read by %s", e.Tensor, e.Consumer)
}

// RemoveNodes deletes the given nodes.
//
// It fails with a *DanglingConsumerError, leaving the graph unchanged, if any output of a removed node is still
// read by a remaining node or listed as a graph output: callers must RemapInputNames first.
// Nodes that are not part of the graph are ignored.
func (g *Graph) RemoveNodes(nodes ...*Node) error {
	if len(nodes) == 0 {
		return nil
	}
	toRemove := sets.MakeWith(nodes...)
	removedOutputs := sets.Make[string]()
	for _, node := range g.Nodes {
		if !toRemove.Has(node) {
			continue
		}
		for _, output := range node.Outputs {
			if output != "" {
				removedOutputs.Insert(output)
			}
		}
	}
	for _, node := range g.Nodes {
		if toRemove.Has(node) {
			continue
		}
		for _, input := range node.Inputs {
			if removedOutputs.Has(input) {
				return &DanglingConsumerError{Tensor: input, Consumer: node}
			}
		}
	}
	for _, output := range g.Outputs {
		if removedOutputs.Has(output) {
			return &DanglingConsumerError{Tensor: output}
		}
	}
	g.Nodes = slices.DeleteFunc(g.Nodes, func(node *Node) bool {
		if toRemove.Has(node) {
			node.graph = nil
			return true
		}
		return false
	})
	return nil
}

// Validate checks the referential integrity of the graph: every node input must be a graph input,
// an initializer or the output of an earlier node, and no tensor name may have two producers.
func (g *Graph) Validate() error {
	available := sets.Make[string]()
	for _, input := range g.Inputs {
		if available.Has(input) {
			return errors.Errorf("graph input %q declared twice", input)
		}
		available.Insert(input)
	}
	for _, name := range g.initializerNames {
		if available.Has(name) {
			return errors.Errorf("initializer %q is also a graph input", name)
		}
		available.Insert(name)
	}
	for ii, node := range g.Nodes {
		for _, input := range node.Inputs {
			if input == "" {
				continue
			}
			if !available.Has(input) {
				return errors.Errorf("node #%d %s reads %q, which is not produced before it", ii, node, input)
			}
		}
		for _, output := range node.Outputs {
			if output == "" {
				continue
			}
			if available.Has(output) {
				return errors.Errorf("node #%d %s outputs %q, which already has a producer", ii, node, output)
			}
			available.Insert(output)
		}
	}
	for _, output := range g.Outputs {
		if !available.Has(output) {
			return errors.Errorf("graph output %q is never produced", output)
		}
	}
	return nil
}

// Clone returns a copy of the graph structure: nodes, names and value infos are copied, tensor contents are shared.
func (g *Graph) Clone() *Graph {
	clone := NewGraph(g.Name, g.OpsetVersion)
	clone.Inputs = slices.Clone(g.Inputs)
	clone.Outputs = slices.Clone(g.Outputs)
	for _, node := range g.Nodes {
		clone.AddNode(node.Clone())
	}
	for _, name := range g.valueInfoNames {
		vi := *g.valueInfo[name]
		clone.SetValueInfo(&vi)
	}
	for t := range g.Initializers() {
		clone.AddInitializer(t)
	}
	return clone
}

// String implements fmt.Stringer, listing the graph interface and its nodes one per line.
func (g *Graph) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Graph %q (opset %d): inputs=%q, outputs=%q, %d initializers\n",
		g.Name, g.OpsetVersion, g.Inputs, g.Outputs, len(g.initializerNames))
	for ii, node := range g.Nodes {
		fmt.Fprintf(&sb, "\t#%d %s\n", ii, node)
	}
	return sb.String()
}
