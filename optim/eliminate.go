package optim

import (
	"slices"

	"github.com/gomlx/onnxutils/onnx"
)

// eliminatePassThrough removes the nodes of opType for which isPassThrough returns true: nodes whose single
// output is the same as their first input.
//
// Nodes are visited in reverse declaration order. Chains of pass-through nodes are collapsed in the rename table
// itself, since RemapInputNames resolves one level only. All renames are then applied in one RemapInputNames
// call, and the nodes removed in one RemoveNodes call.
func eliminatePassThrough(graph *onnx.Graph, opType string, isPassThrough func(node *onnx.Node) bool) (*onnx.Graph, error) {
	nodes := graph.NodesByOpType(opType)
	mapping := make(map[string]string)
	var toRemove []*onnx.Node
	for _, node := range slices.Backward(nodes) {
		if len(node.Outputs) != 1 || !isPassThrough(node) {
			continue
		}
		mapping[node.Outputs[0]] = node.Inputs[0]
		toRemove = append(toRemove, node)
	}
	if len(toRemove) == 0 {
		return graph, nil
	}
	graph.RemapInputNames(collapseChains(mapping))
	if err := graph.RemoveNodes(toRemove...); err != nil {
		return nil, err
	}
	return graph, nil
}

// collapseChains resolves renames whose target is itself renamed: {b: a, a: x} becomes {b: x, a: x}.
// The graph is acyclic, so chains always end.
func collapseChains(mapping map[string]string) map[string]string {
	collapsed := make(map[string]string, len(mapping))
	for from, to := range mapping {
		for {
			next, found := mapping[to]
			if !found {
				break
			}
			to = next
		}
		collapsed[from] = to
	}
	return collapsed
}

func hasSingleInput(node *onnx.Node) bool {
	return len(node.Inputs) == 1 && node.Inputs[0] != ""
}

// EliminateConcat removes Concat nodes with exactly one input, which are identities.
// Readers of the Concat output are rewired to its input. Concat nodes with no inputs are left untouched.
type EliminateConcat struct{}

// Name implements Pass.
func (EliminateConcat) Name() string { return "eliminate-concat" }

// Apply implements Pass.
func (EliminateConcat) Apply(graph *onnx.Graph) (*onnx.Graph, error) {
	return eliminatePassThrough(graph, "Concat", hasSingleInput)
}

// EliminateIdentity removes Identity nodes.
type EliminateIdentity struct{}

// Name implements Pass.
func (EliminateIdentity) Name() string { return "eliminate-identity" }

// Apply implements Pass.
func (EliminateIdentity) Apply(graph *onnx.Graph) (*onnx.Graph, error) {
	return eliminatePassThrough(graph, "Identity", hasSingleInput)
}

// variadicOpTypes are the element-wise variadic operators that reduce to an identity with a single input.
var variadicOpTypes = []string{"Sum", "Max", "Min", "Mean"}

// EliminateSingleInputVariadic removes Sum, Max, Min and Mean nodes with a single input.
type EliminateSingleInputVariadic struct{}

// Name implements Pass.
func (EliminateSingleInputVariadic) Name() string { return "eliminate-single-input-variadic" }

// Apply implements Pass.
func (EliminateSingleInputVariadic) Apply(graph *onnx.Graph) (*onnx.Graph, error) {
	for _, opType := range variadicOpTypes {
		var err error
		graph, err = eliminatePassThrough(graph, opType, hasSingleInput)
		if err != nil {
			return nil, err
		}
	}
	return graph, nil
}
