package onnx

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildChain builds x -> Concat -> a -> Relu -> b -> Concat -> c, with c as the output.
func buildChain() *Graph {
	g := NewGraph("chain", 13)
	g.Inputs = []string{"x"}
	g.Outputs = []string{"c"}
	g.SetValueInfo(&ValueInfo{Name: "x", DataType: Float, Dims: []int{2}, HasShape: true})
	g.AddNode(NewNode("Concat", []string{"x"}, []string{"a"}, IntAttr("axis", 0)))
	g.AddNode(NewNode("Relu", []string{"a"}, []string{"b"}))
	g.AddNode(NewNode("Concat", []string{"b"}, []string{"c"}, IntAttr("axis", 0)))
	return g
}

func TestNodesByOpType(t *testing.T) {
	g := buildChain()
	concats := g.NodesByOpType("Concat")
	require.Len(t, concats, 2)
	assert.Same(t, g.Nodes[0], concats[0])
	assert.Same(t, g.Nodes[2], concats[1])
	assert.Empty(t, g.NodesByOpType("Add"))
	assert.Equal(t, 13, concats[0].Version())
}

func TestRemapInputNames(t *testing.T) {
	g := buildChain()
	g.RemapInputNames(map[string]string{"a": "x", "c": "b"})
	assert.Equal(t, []string{"x"}, g.Nodes[1].Inputs)
	assert.Equal(t, []string{"b"}, g.Outputs)
	// Outputs of nodes are not touched.
	assert.Equal(t, []string{"a"}, g.Nodes[0].Outputs)

	// Only one level is resolved.
	g = buildChain()
	g.RemapInputNames(map[string]string{"b": "a", "a": "x"})
	assert.Equal(t, []string{"x"}, g.Nodes[1].Inputs)
	assert.Equal(t, []string{"a"}, g.Nodes[2].Inputs)
}

func TestRemoveNodes(t *testing.T) {
	t.Run("DanglingConsumer", func(t *testing.T) {
		g := buildChain()
		err := g.RemoveNodes(g.Nodes[0])
		require.Error(t, err)
		var dangling *DanglingConsumerError
		require.True(t, errors.As(err, &dangling))
		assert.Equal(t, "a", dangling.Tensor)
		assert.Same(t, g.Nodes[1], dangling.Consumer)
		assert.Len(t, g.Nodes, 3, "graph must be left unchanged")
	})

	t.Run("GraphOutput", func(t *testing.T) {
		g := buildChain()
		err := g.RemoveNodes(g.Nodes[2])
		var dangling *DanglingConsumerError
		require.True(t, errors.As(err, &dangling))
		assert.Nil(t, dangling.Consumer)
		assert.Len(t, g.Nodes, 3)
	})

	t.Run("AfterRemap", func(t *testing.T) {
		g := buildChain()
		first, last := g.Nodes[0], g.Nodes[2]
		g.RemapInputNames(map[string]string{"a": "x", "c": "b"})
		require.NoError(t, g.RemoveNodes(first, last))
		require.Len(t, g.Nodes, 1)
		assert.Equal(t, "Relu", g.Nodes[0].OpType)
		assert.Nil(t, first.Graph())
		require.NoError(t, g.Validate())
	})

	t.Run("RemovingConsumerTogether", func(t *testing.T) {
		g := buildChain()
		g.Outputs = []string{"x"}
		require.NoError(t, g.RemoveNodes(g.Nodes...))
		assert.Empty(t, g.Nodes)
	})
}

func TestValidate(t *testing.T) {
	g := buildChain()
	require.NoError(t, g.Validate())

	g.Nodes[1].Inputs = []string{"unknown"}
	require.ErrorContains(t, g.Validate(), `"unknown"`)

	g = buildChain()
	g.AddNode(NewNode("Relu", []string{"x"}, []string{"b"}))
	require.ErrorContains(t, g.Validate(), "already has a producer")

	g = buildChain()
	g.Outputs = append(g.Outputs, "nope")
	require.ErrorContains(t, g.Validate(), "never produced")

	// Absent optional inputs are fine.
	g = buildChain()
	g.Nodes[1].Inputs = append(g.Nodes[1].Inputs, "")
	require.NoError(t, g.Validate())
}

func TestInitializers(t *testing.T) {
	g := NewGraph("", 13)
	g.AddInitializer(&Tensor{Name: "b", DataType: Float})
	g.AddInitializer(&Tensor{Name: "a", DataType: Int64})
	assert.Equal(t, []string{"b", "a"}, g.InitializerNames())
	a, found := g.Initializer("a")
	require.True(t, found)
	assert.Equal(t, Int64, a.DataType)
	g.RemoveInitializer("b")
	assert.Equal(t, []string{"a"}, g.InitializerNames())
	_, found = g.Initializer("b")
	assert.False(t, found)
}

func TestClone(t *testing.T) {
	g := buildChain()
	clone := g.Clone()
	clone.Nodes[0].Inputs[0] = "changed"
	clone.Outputs[0] = "changed"
	assert.Equal(t, "x", g.Nodes[0].Inputs[0])
	assert.Equal(t, "c", g.Outputs[0])
	assert.Same(t, clone, clone.Nodes[0].Graph())
	vi, found := clone.ValueInfo("x")
	require.True(t, found)
	assert.Equal(t, Float, vi.DataType)
}

func TestNodeAttributes(t *testing.T) {
	node := NewNode("Conv", []string{"x", "w"}, []string{"y"},
		IntsAttr("strides", 2, 2), IntAttr("group", 1), FloatAttr("alpha", 0.5), StringAttr("auto_pad", "NOTSET"))
	assert.Equal(t, []int{2, 2}, node.IntsAttrOr("strides", nil))
	assert.Equal(t, []int{1, 1}, node.IntsAttrOr("dilations", []int{1, 1}))
	assert.Equal(t, 1, node.MustIntAttr("group"))
	assert.Equal(t, []int{1}, node.MustIntsAttr("group"))
	assert.Equal(t, float32(0.5), node.FloatAttrOr("alpha", 1))
	assert.Equal(t, "NOTSET", node.StringAttrOr("auto_pad", ""))
	assert.True(t, node.BoolAttrOr("keepdims", true))
	assert.Panics(t, func() { node.MustIntAttr("missing") })
	assert.Panics(t, func() { node.MustIntAttr("strides") })
}
