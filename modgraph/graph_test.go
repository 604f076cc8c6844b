package modgraph

import (
	"testing"

	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addModule() *FuncModule {
	return Func(KindBinary, "Add", func(inputs []*graph.Node) *graph.Node { return graph.Add(inputs[0], inputs[1]) })
}

func reluModule() *FuncModule {
	return Func(KindReLU, "ReLU", func(inputs []*graph.Node) *graph.Node {
		return graph.Max(inputs[0], graph.ZerosLike(inputs[0]))
	})
}

// buildAddRelu builds relu(x + b), with b = [1, -2, 3].
func buildAddRelu(t *testing.T) (g *Graph, x, b, add, relu *Unit) {
	g = New()
	x = g.AddPlaceholder("x")
	b = g.AddInitializer("b", tensors.FromValue([]float32{1, -2, 3}))
	add, err := g.AddCall("add", addModule(), x.Output(0), b.Output(0))
	require.NoError(t, err)
	relu, err = g.AddCall("relu", reluModule(), add.Output(0))
	require.NoError(t, err)
	require.NoError(t, g.SetOutputs(relu.Output(0)))
	require.NoError(t, g.Validate())
	return
}

func TestUsers(t *testing.T) {
	g, x, b, add, relu := buildAddRelu(t)
	assert.Equal(t, 1, g.UseCount(x.Output(0)))
	assert.Equal(t, []*Unit{add}, g.Users(b.Output(0)))
	// The output unit counts as a user.
	assert.Equal(t, 1, g.UseCount(relu.Output(0)))
	assert.Equal(t, []*Unit{g.OutputUnit()}, g.Users(relu.Output(0)))
	assert.Same(t, add, g.Producer(relu, 0))
	assert.Nil(t, g.Producer(relu, 1))
	assert.Same(t, relu, g.Unit("relu"))

	// Same value read twice by the same unit is one use.
	double, err := g.AddCall("double", addModule(), add.Output(0), add.Output(0))
	require.NoError(t, err)
	assert.Equal(t, 2, g.UseCount(add.Output(0)))
	assert.Equal(t, []*Unit{relu, double}, g.Users(add.Output(0)))
	require.NoError(t, g.Validate())
	assert.Same(t, g.OutputUnit(), g.Units()[len(g.Units())-1], "output unit must stay last")
}

func TestUniqueNames(t *testing.T) {
	g := New()
	first := g.AddPlaceholder("x")
	second := g.AddPlaceholder("x")
	assert.Equal(t, "x", first.Name)
	assert.Equal(t, "x_1", second.Name)
}

func TestReplaceAllUsesWithAndErase(t *testing.T) {
	g, x, _, add, relu := buildAddRelu(t)

	// add still has users.
	require.ErrorContains(t, g.Erase(add), "still has 1 users")

	// relu reads add, so relu can't replace add.
	require.Error(t, g.ReplaceAllUsesWith(add.Output(0), relu.Output(0)))

	require.NoError(t, g.ReplaceAllUsesWith(add.Output(0), x.Output(0)))
	assert.Equal(t, 0, g.UseCount(add.Output(0)))
	assert.Equal(t, 2, g.UseCount(x.Output(0)))
	assert.Equal(t, []Value{x.Output(0)}, relu.Args())
	require.NoError(t, g.Erase(add))
	assert.Nil(t, g.Unit("add"))
	require.NoError(t, g.Validate())
	assert.Len(t, g.Units(), 4)
}

func TestInsertAfter(t *testing.T) {
	g, _, _, add, relu := buildAddRelu(t)
	observer := Func(KindObserver, "", func(inputs []*graph.Node) *graph.Node { return inputs[0] })
	obs, err := g.InsertAfter(add, "obs", observer, add.Output(0))
	require.NoError(t, err)
	assert.Equal(t, []*Unit{add, obs, relu}, g.Units()[2:5])

	// obs itself reads add.
	require.Error(t, g.ReplaceAllUsesWith(add.Output(0), obs.Output(0)))

	require.NoError(t, g.ReplaceAllUsesExcept(add.Output(0), obs.Output(0), obs))
	assert.Equal(t, []*Unit{obs}, g.Users(add.Output(0)))
	assert.Same(t, obs, g.Producer(relu, 0))
	require.NoError(t, g.Validate())

	_, err = g.InsertAfter(add, "bad", observer, relu.Output(0))
	require.ErrorContains(t, err, "defined later")
}

func TestClone(t *testing.T) {
	g, _, _, add, _ := buildAddRelu(t)
	clone := g.Clone()
	require.NoError(t, clone.Validate())
	cloneAdd := clone.Unit("add")
	require.NotNil(t, cloneAdd)
	assert.NotSame(t, add, cloneAdd)
	assert.Same(t, clone.Unit("x"), clone.Producer(cloneAdd, 0))

	// Changing the clone doesn't affect the original.
	require.NoError(t, clone.ReplaceAllUsesWith(cloneAdd.Output(0), clone.Unit("x").Output(0)))
	require.NoError(t, clone.Erase(cloneAdd))
	assert.Len(t, clone.Units(), 4)
	assert.Len(t, g.Units(), 5)
	assert.Equal(t, 1, g.UseCount(add.Output(0)))
	require.NoError(t, g.Validate())
}

func TestCall(t *testing.T) {
	g, _, _, _, _ := buildAddRelu(t)
	backend, err := simplego.New("")
	require.NoError(t, err)
	ctx := context.New()
	require.NoError(t, g.VariablesToContext(ctx))

	results := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, mg *graph.Graph) []*graph.Node {
		x := graph.Const(mg, []float32{1, 1, 1})
		return g.Call(ctx, mg, map[string]*graph.Node{"x": x})
	})
	require.Len(t, results, 1)
	assert.Equal(t, []float32{2, 0, 4}, tensors.MustCopyFlatData[float32](results[0]))

	// Without context, initializers become constants.
	results = context.MustExecOnceN(backend, context.New(), func(_ *context.Context, mg *graph.Graph) []*graph.Node {
		x := graph.Const(mg, []float32{-1, 3, -3})
		return g.Call(nil, mg, map[string]*graph.Node{"x": x})
	})
	assert.Equal(t, []float32{0, 1, 0}, tensors.MustCopyFlatData[float32](results[0]))

	// Wrong inputs.
	require.Panics(t, func() {
		_ = context.MustExecOnceN(backend, ctx, func(ctx *context.Context, mg *graph.Graph) []*graph.Node {
			return g.Call(ctx, mg, map[string]*graph.Node{"y": graph.Const(mg, float32(1))})
		})
	})
}

func TestKind(t *testing.T) {
	assert.True(t, KindConv2D.IsComputation())
	assert.True(t, KindQuantizedConv3D.IsComputation())
	assert.False(t, KindReLU.IsComputation())
	assert.True(t, KindFakeQuantize.IsQuantization())
	assert.True(t, KindObserver.IsQuantization())
	assert.False(t, KindConv1D.IsQuantization())
	assert.True(t, KindReLU.IsActivation())
	assert.Equal(t, KindConv3D, ConvKind(3, false))
	assert.Equal(t, KindQuantizedConv1D, ConvKind(1, true))
	assert.Equal(t, KindGeneric, ConvKind(4, false))
	assert.Equal(t, "QuantizedConv2D", KindQuantizedConv2D.String())
}
