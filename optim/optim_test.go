package optim

import (
	"fmt"
	"slices"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnxutils/onnx"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(EliminateConcat{}))
	err := r.Register(EliminateConcat{})
	var duplicate *DuplicatePassError
	require.True(t, errors.As(err, &duplicate))
	assert.Equal(t, "eliminate-concat", duplicate.Name)
	assert.Panics(t, func() { r.MustRegister(EliminateConcat{}) })

	pass, err := r.Lookup("eliminate-concat")
	require.NoError(t, err)
	assert.Equal(t, "eliminate-concat", pass.Name())

	_, err = r.Lookup("fold-everything")
	var notFound *PassNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "pass not found: fold-everything", err.Error())

	assert.Equal(t, []string{
		"convert-constant-to-initializer",
		"eliminate-concat",
		"eliminate-identity",
		"eliminate-single-input-variadic",
		"eliminate-unused-initializers",
	}, Default().Names())
}

func TestApplyLooksUpAllPassesFirst(t *testing.T) {
	g := onnx.NewGraph("", 13)
	g.Inputs = []string{"x"}
	g.Outputs = []string{"y"}
	g.AddNode(onnx.NewNode("Concat", []string{"x"}, []string{"y"}, onnx.IntAttr("axis", 0)))

	_, err := Default().Apply(g, "eliminate-concat", "missing")
	require.ErrorContains(t, err, "pass not found: missing")
	assert.Len(t, g.Nodes, 1, "graph must not be modified if a pass is missing")

	result, err := Default().Apply(g)
	require.NoError(t, err)
	assert.Same(t, g, result)

	result, err = Default().Apply(g, "eliminate-concat")
	require.NoError(t, err)
	assert.Empty(t, result.Nodes)
	assert.Equal(t, []string{"x"}, result.Outputs)
}

func TestEliminateConcat(t *testing.T) {
	// x -> Concat -> a -> Concat -> b -> Relu -> c, and Concat(x, c) -> d, and a zero input Concat -> e.
	g := onnx.NewGraph("", 13)
	g.Inputs = []string{"x"}
	g.Outputs = []string{"d", "b", "e"}
	first := g.AddNode(onnx.NewNode("Concat", []string{"x"}, []string{"a"}, onnx.IntAttr("axis", 0)))
	second := g.AddNode(onnx.NewNode("Concat", []string{"a"}, []string{"b"}, onnx.IntAttr("axis", 0)))
	relu := g.AddNode(onnx.NewNode("Relu", []string{"b"}, []string{"c"}))
	multi := g.AddNode(onnx.NewNode("Concat", []string{"x", "c"}, []string{"d"}, onnx.IntAttr("axis", 0)))
	empty := g.AddNode(onnx.NewNode("Concat", nil, []string{"e"}, onnx.IntAttr("axis", 0)))

	result, err := EliminateConcat{}.Apply(g)
	require.NoError(t, err)
	assert.Equal(t, []*onnx.Node{relu, multi, empty}, result.Nodes)
	assert.NotContains(t, result.Nodes, first)
	assert.NotContains(t, result.Nodes, second)
	assert.Equal(t, []string{"x"}, relu.Inputs)
	assert.Equal(t, []string{"d", "x", "e"}, result.Outputs)
	require.NoError(t, result.Validate())
}

func TestEliminateIdentityAndVariadic(t *testing.T) {
	g := onnx.NewGraph("", 13)
	g.Inputs = []string{"x", "y"}
	g.Outputs = []string{"out"}
	g.AddNode(onnx.NewNode("Identity", []string{"x"}, []string{"a"}))
	g.AddNode(onnx.NewNode("Sum", []string{"a"}, []string{"b"}))
	g.AddNode(onnx.NewNode("Max", []string{"b", "y"}, []string{"c"}))
	g.AddNode(onnx.NewNode("Mean", []string{"c"}, []string{"out"}))

	result, err := Default().Apply(g, "eliminate-identity", "eliminate-single-input-variadic")
	require.NoError(t, err)
	require.Len(t, result.Nodes, 1)
	assert.Equal(t, "Max", result.Nodes[0].OpType)
	assert.Equal(t, []string{"x", "y"}, result.Nodes[0].Inputs)
	assert.Equal(t, []string{"c"}, result.Outputs)
	require.NoError(t, result.Validate())
}

func TestConstantToInitializer(t *testing.T) {
	value := must.M1(onnx.TensorFromGoMLX("", tensors.FromFlatDataAndDimensions([]int64{1, 2}, 2)))
	g := onnx.NewGraph("", 13)
	g.Inputs = []string{"x"}
	g.Outputs = []string{"y"}
	g.AddNode(onnx.NewNode("Constant", nil, []string{"shape"}, onnx.TensorAttr("value", value)))
	g.AddNode(onnx.NewNode("Constant", nil, []string{"alpha"}, onnx.FloatAttr("value_float", 1)))
	g.AddNode(onnx.NewNode("Reshape", []string{"x", "shape"}, []string{"y"}))

	result, err := Default().Apply(g, "convert-constant-to-initializer")
	require.NoError(t, err)
	require.Len(t, result.Nodes, 2)
	assert.Equal(t, "Constant", result.Nodes[0].OpType)
	shape, found := result.Initializer("shape")
	require.True(t, found)
	assert.Equal(t, "shape", shape.Name)
	assert.Equal(t, "", value.Name, "attribute tensor must not be modified")
	require.NoError(t, result.Validate())

	// Initializers nobody reads are dropped.
	result.AddInitializer(&onnx.Tensor{Name: "unused", DataType: onnx.Float})
	result, err = Default().Apply(result, "eliminate-unused-initializers")
	require.NoError(t, err)
	assert.Equal(t, []string{"shape"}, result.InitializerNames())
}

// chainGraph is a randomly generated graph and, for each tensor, the tensor it is equivalent to once
// single input Concat nodes are removed.
type chainGraph struct {
	graph *onnx.Graph
	alias map[string]string
}

func (c *chainGraph) resolve(name string) string {
	for {
		to, found := c.alias[name]
		if !found {
			return name
		}
		name = to
	}
}

// drawChainGraph generates a graph where every node reads from one or two earlier tensors, with a mix
// of single and multiple input Concat nodes.
func drawChainGraph(t *rapid.T) *chainGraph {
	c := &chainGraph{graph: onnx.NewGraph("random", 13), alias: make(map[string]string)}
	g := c.graph
	g.Inputs = []string{"t0"}
	available := []string{"t0"}
	numNodes := rapid.IntRange(1, 12).Draw(t, "numNodes")
	for ii := range numNodes {
		output := fmt.Sprintf("t%d", ii+1)
		input := rapid.SampledFrom(available).Draw(t, "input")
		switch rapid.IntRange(0, 2).Draw(t, "kind") {
		case 0:
			g.AddNode(onnx.NewNode("Concat", []string{input}, []string{output}, onnx.IntAttr("axis", 0)))
			c.alias[output] = input
		case 1:
			other := rapid.SampledFrom(available).Draw(t, "other")
			g.AddNode(onnx.NewNode("Concat", []string{input, other}, []string{output}, onnx.IntAttr("axis", 0)))
		default:
			g.AddNode(onnx.NewNode("Relu", []string{input}, []string{output}))
		}
		available = append(available, output)
	}
	numOutputs := rapid.IntRange(1, 3).Draw(t, "numOutputs")
	for range numOutputs {
		g.Outputs = append(g.Outputs, rapid.SampledFrom(available[1:]).Draw(t, "output"))
	}
	return c
}

func TestEliminateConcatProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		c := drawChainGraph(t)
		g := c.graph
		originalInputs := make(map[*onnx.Node][]string)
		for _, node := range g.Nodes {
			originalInputs[node] = slices.Clone(node.Inputs)
		}
		originalOutputs := slices.Clone(g.Outputs)

		result, err := EliminateConcat{}.Apply(g)
		if err != nil {
			t.Fatalf("eliminate-concat failed: %+v\n%s", err, g)
		}

		// Referential integrity.
		if err := result.Validate(); err != nil {
			t.Fatalf("invalid graph after elimination: %v\n%s", err, result)
		}

		// No single input Concat nodes remain, and every reference was rewired to the equivalent tensor.
		for _, node := range result.Nodes {
			if node.OpType == "Concat" && len(node.Inputs) == 1 {
				t.Fatalf("single input Concat remains: %s", node)
			}
			for ii, input := range node.Inputs {
				if want := c.resolve(originalInputs[node][ii]); input != want {
					t.Fatalf("node %s input #%d is %q, wanted %q", node, ii, input, want)
				}
			}
		}
		for ii, output := range result.Outputs {
			if want := c.resolve(originalOutputs[ii]); output != want {
				t.Fatalf("graph output #%d is %q, wanted %q", ii, output, want)
			}
		}

		// Idempotence.
		before := result.String()
		again, err := EliminateConcat{}.Apply(result)
		if err != nil {
			t.Fatalf("second eliminate-concat failed: %+v", err)
		}
		if after := again.String(); after != before {
			t.Fatalf("eliminate-concat is not idempotent:\nbefore:\n%s\nafter:\n%s", before, after)
		}
	})
}
