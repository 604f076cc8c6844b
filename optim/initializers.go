package optim

import (
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/onnxutils/onnx"
	"github.com/pkg/errors"
)

// ConstantToInitializer converts Constant nodes holding a "value" tensor into initializers, named after the
// node output. The tensor name is unchanged, so no node needs to be rewired.
//
// Constant nodes using the other value attributes ("value_float", "value_ints", ...) are left untouched.
type ConstantToInitializer struct{}

// Name implements Pass.
func (ConstantToInitializer) Name() string { return "convert-constant-to-initializer" }

// Apply implements Pass.
func (ConstantToInitializer) Apply(graph *onnx.Graph) (*onnx.Graph, error) {
	var toRemove []*onnx.Node
	for _, node := range graph.NodesByOpType("Constant") {
		attr := node.Attr("value")
		if attr == nil || attr.Type != onnx.AttrTensor || len(node.Outputs) != 1 {
			continue
		}
		name := node.Outputs[0]
		if _, found := graph.Initializer(name); found {
			return nil, errors.Errorf("Constant node %s output %q is already an initializer", node, name)
		}
		t := *attr.T
		t.Name = name
		graph.AddInitializer(&t)
		toRemove = append(toRemove, node)
	}
	if len(toRemove) == 0 {
		return graph, nil
	}
	// The removed outputs are now provided by the initializers, so RemoveNodes must not see them as dangling.
	for _, node := range toRemove {
		node.Outputs = nil
	}
	if err := graph.RemoveNodes(toRemove...); err != nil {
		return nil, err
	}
	return graph, nil
}

// EliminateUnusedInitializers removes initializers not read by any node nor exposed as a graph output.
type EliminateUnusedInitializers struct{}

// Name implements Pass.
func (EliminateUnusedInitializers) Name() string { return "eliminate-unused-initializers" }

// Apply implements Pass.
func (EliminateUnusedInitializers) Apply(graph *onnx.Graph) (*onnx.Graph, error) {
	used := sets.MakeWith(graph.Outputs...)
	for _, node := range graph.Nodes {
		for _, input := range node.Inputs {
			used.Insert(input)
		}
	}
	for _, name := range graph.InitializerNames() {
		if !used.Has(name) {
			graph.RemoveInitializer(name)
		}
	}
	return graph, nil
}
