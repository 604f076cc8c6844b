package quantization

import (
	"testing"

	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnxutils/modgraph"
	"github.com/gomlx/onnxutils/onnx"
	"github.com/gomlx/onnxutils/onnx2gomlx"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeQuantize(t *testing.T) {
	graphtest.RunTestGraphFn(t, "FakeQuantize", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, []float32{-1, 0.26, 100})
		y := Const(g, []float32{-20, 3, 300})
		inputs = []*Node{x, y}
		outputs = []*Node{
			FakeQuantize(x, NewQParams(0.5, 0, dtypes.Int8)),
			FakeQuantize(y, NewQParams(1, 10, dtypes.Uint8)),
		}
		return
	}, []any{
		[]float32{-1, 0.5, 63.5},
		[]float32{-10, 3, 245},
	}, 1e-5)

	require.Panics(t, func() { NewQParams(1, 0, dtypes.Float32) })
}

func TestQuantizedConvKernel(t *testing.T) {
	conv := &onnx2gomlx.ConvModule{ConvConfig: onnx2gomlx.ConvConfig{SpatialRank: 1}}
	qConv := QuantizedConvFromFloat(conv, nil)
	assert.Equal(t, modgraph.KindQuantizedConv1D, qConv.Kind())

	// Symmetric quantization: the largest absolute value is exactly representable.
	graphtest.RunTestGraphFn(t, "QuantizedConv kernel", func(g *Graph) (inputs, outputs []*Node) {
		kernel := Const(g, []float32{1.27, -0.5, 0.004})
		inputs = []*Node{kernel}
		outputs = []*Node{qConv.quantizeKernel(kernel)}
		return
	}, []any{
		[]float32{1.27, -0.5, 0},
	}, 1e-5)
}

func convModule() modgraph.Module {
	return modgraph.Func(modgraph.KindConv2D, "Conv", func(inputs []*Node) *Node { return MulScalar(inputs[0], 2) })
}

func reluModule() modgraph.Module {
	return modgraph.Func(modgraph.KindReLU, "ReLU", func(inputs []*Node) *Node { return Max(inputs[0], ZerosLike(inputs[0])) })
}

// buildConvQuantReLU builds x -> conv -> quant -> relu, with relu as the graph output.
func buildConvQuantReLU(t *testing.T, quantModule modgraph.Module) (mg *modgraph.Graph, conv, quant, relu *modgraph.Unit) {
	mg = modgraph.New()
	x := mg.AddPlaceholder("x")
	conv = must.M1(mg.AddCall("conv", convModule(), x.Output(0)))
	quant = must.M1(mg.AddCall("quant", quantModule, conv.Output(0)))
	relu = must.M1(mg.AddCall("relu", reluModule(), quant.Output(0)))
	require.NoError(t, mg.SetOutputs(relu.Output(0)))
	return
}

func TestFuseQATConvReLU(t *testing.T) {
	fakeQuant := &FakeQuantizeModule{QParams: NewQParams(0.1, 0, dtypes.Int8)}

	t.Run("Fuses", func(t *testing.T) {
		for _, quantModule := range []modgraph.Module{fakeQuant, &ObserverModule{}} {
			mg, _, _, _ := buildConvQuantReLU(t, quantModule)
			fused, count, err := FuseQATConvReLU(mg)
			require.NoError(t, err)
			assert.Equal(t, 1, count)
			require.NoError(t, fused.Validate())
			assert.Nil(t, fused.Unit("quant"))
			relu := fused.Unit("relu")
			require.NotNil(t, relu)
			assert.Same(t, fused.Unit("conv"), fused.Producer(relu, 0))
			assert.Equal(t, 1, fused.UseCount(fused.Unit("conv").Output(0)))

			// The input graph is not modified.
			assert.NotNil(t, mg.Unit("quant"))
			require.NoError(t, mg.Validate())

			// Idempotent.
			_, count, err = FuseQATConvReLU(fused)
			require.NoError(t, err)
			assert.Equal(t, 0, count)
		}
	})

	t.Run("ComputationWithOtherUser", func(t *testing.T) {
		mg, conv, _, relu := buildConvQuantReLU(t, fakeQuant)
		other := must.M1(mg.AddCall("other", reluModule(), conv.Output(0)))
		require.NoError(t, mg.SetOutputs(relu.Output(0), other.Output(0)))
		fused, count, err := FuseQATConvReLU(mg)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
		assert.NotNil(t, fused.Unit("quant"))
	})

	t.Run("QuantizationWithOtherUser", func(t *testing.T) {
		mg, _, quant, relu := buildConvQuantReLU(t, fakeQuant)
		require.NoError(t, mg.SetOutputs(relu.Output(0), quant.Output(0)))
		_, count, err := FuseQATConvReLU(mg)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("NotAComputation", func(t *testing.T) {
		mg := modgraph.New()
		x := mg.AddPlaceholder("x")
		tanh := must.M1(mg.AddCall("tanh", modgraph.Func(modgraph.KindTanh, "Tanh", func(inputs []*Node) *Node {
			return Tanh(inputs[0])
		}), x.Output(0)))
		quant := must.M1(mg.AddCall("quant", fakeQuant, tanh.Output(0)))
		relu := must.M1(mg.AddCall("relu", reluModule(), quant.Output(0)))
		require.NoError(t, mg.SetOutputs(relu.Output(0)))
		_, count, err := FuseQATConvReLU(mg)
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		// Quantization reading a placeholder directly.
		mg = modgraph.New()
		x = mg.AddPlaceholder("x")
		quant = must.M1(mg.AddCall("quant", fakeQuant, x.Output(0)))
		relu = must.M1(mg.AddCall("relu", reluModule(), quant.Output(0)))
		require.NoError(t, mg.SetOutputs(relu.Output(0)))
		_, count, err = FuseQATConvReLUToFixpoint(mg)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("Many", func(t *testing.T) {
		mg := modgraph.New()
		value := mg.AddPlaceholder("x").Output(0)
		for range 3 {
			conv := must.M1(mg.AddCall("conv", convModule(), value))
			quant := must.M1(mg.AddCall("quant", fakeQuant, conv.Output(0)))
			value = must.M1(mg.AddCall("relu", reluModule(), quant.Output(0))).Output(0)
		}
		require.NoError(t, mg.SetOutputs(value))
		fused, count, err := FuseQATConvReLUToFixpoint(mg)
		require.NoError(t, err)
		assert.Equal(t, 3, count)
		for _, u := range fused.Units() {
			assert.False(t, u.Kind().IsQuantization(), "unit %s should have been fused", u)
		}
	})
}

// convReluGraph is relu(conv(x, w) + b) with a 2x2 kernel of ones, and a bias of 1.
func convReluGraph() *onnx.Graph {
	g := onnx.NewGraph("conv_relu", 13)
	g.Inputs = []string{"x"}
	g.Outputs = []string{"y"}
	g.AddInitializer(&onnx.Tensor{Name: "w", DataType: onnx.Float, Dims: []int{1, 1, 2, 2}, FloatData: []float32{1, 1, 1, 1}})
	g.AddInitializer(&onnx.Tensor{Name: "b", DataType: onnx.Float, Dims: []int{1}, FloatData: []float32{1}})
	g.AddNode(onnx.NewNode("Conv", []string{"x", "w", "b"}, []string{"conv"}))
	g.AddNode(onnx.NewNode("Relu", []string{"conv"}, []string{"y"}))
	return g
}

func execModuleGraph(t *testing.T, mg *modgraph.Graph, x any) []float32 {
	backend, err := simplego.New("")
	require.NoError(t, err)
	ctx := context.New()
	require.NoError(t, mg.VariablesToContext(ctx))
	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
		return mg.Call(ctx, g, map[string]*Node{"x": Const(g, x)})
	})
	require.Len(t, outputs, 1)
	return tensors.MustCopyFlatData[float32](outputs[0])
}

func TestPrepareQATAndFuse(t *testing.T) {
	lowered, _, err := onnx2gomlx.Lower(convReluGraph(), 0, onnx2gomlx.WithSinceVersion())
	require.NoError(t, err)

	prepared, err := PrepareQAT(lowered, DefaultQATConfig())
	require.NoError(t, err)
	require.NoError(t, prepared.Validate())
	conv := prepared.Unit("Conv")
	require.NotNil(t, conv)
	assert.Equal(t, modgraph.KindQuantizedConv2D, conv.Kind())
	convFQ := prepared.Unit("Conv_fq")
	require.NotNil(t, convFQ)
	assert.Same(t, convFQ, prepared.Producer(prepared.Unit("Relu"), 0))
	reluFQ := prepared.Unit("Relu_fq")
	require.NotNil(t, reluFQ)
	assert.Same(t, reluFQ, prepared.Outputs()[0].Unit)

	// Lowered graph is unchanged.
	assert.Equal(t, modgraph.KindConv2D, lowered.Unit("Conv").Kind())
	assert.Nil(t, lowered.Unit("Conv_fq"))

	fused, count, err := FuseQATConvReLU(prepared)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Nil(t, fused.Unit("Conv_fq"))
	assert.NotNil(t, fused.Unit("Relu_fq"))
	assert.Same(t, fused.Unit("Conv"), fused.Producer(fused.Unit("Relu"), 0))

	// Activations are fake-quantized with scale 1/16.
	x := [][][][]float32{{{{0.1, 0.2, 0.3}, {0.4, 0.5, 0.6}, {0.7, 0.8, 0.9}}}}
	want := []float32{2.1875, 2.625, 3.375, 3.8125}
	assert.InDeltaSlice(t, want, execModuleGraph(t, prepared, x), 1e-4)
	assert.InDeltaSlice(t, want, execModuleGraph(t, fused, x), 1e-4)
	assert.InDeltaSlice(t, []float32{2.2, 2.6, 3.4, 3.8}, execModuleGraph(t, lowered, x), 1e-4)
}
