// Package quantization prepares lowered module graphs for quantization-aware training (QAT), and rewrites
// them with pattern based fusions such as FuseQATConvReLU.
package quantization

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/onnxutils/modgraph"
)

// QParams are per-tensor affine quantization parameters: real = (q - ZeroPoint) * Scale, with q in [QMin, QMax].
type QParams struct {
	Scale      float64
	ZeroPoint  int
	QMin, QMax int
}

// NewQParams returns the quantization parameters for the range of the integer dtype (Int8 or Uint8).
func NewQParams(scale float64, zeroPoint int, dtype dtypes.DType) QParams {
	q := QParams{Scale: scale, ZeroPoint: zeroPoint}
	switch dtype {
	case dtypes.Int8:
		q.QMin, q.QMax = -128, 127
	case dtypes.Uint8:
		q.QMin, q.QMax = 0, 255
	default:
		exceptions.Panicf("quantization to dtype %s not supported, only Int8 or Uint8", dtype)
	}
	return q
}

// String implements fmt.Stringer.
func (q QParams) String() string {
	return fmt.Sprintf("scale=%g, zero_point=%d, range=[%d, %d]", q.Scale, q.ZeroPoint, q.QMin, q.QMax)
}

// FakeQuantize quantizes and dequantizes x with the per-tensor parameters q:
//
//	(clip(round(x/scale) + zeroPoint, qmin, qmax) - zeroPoint) * scale
func FakeQuantize(x *graph.Node, q QParams) *graph.Node {
	if q.Scale <= 0 {
		exceptions.Panicf("FakeQuantize: scale must be positive, got %s", q)
	}
	g := x.Graph()
	scale := graph.Scalar(g, x.DType(), q.Scale)
	return fakeQuantizeWithScale(x, scale, q)
}

// fakeQuantizeWithScale is like FakeQuantize, but the scale is a scalar node, and q.Scale is ignored.
func fakeQuantizeWithScale(x, scale *graph.Node, q QParams) *graph.Node {
	g := x.Graph()
	dtype := x.DType()
	zeroPoint := graph.Scalar(g, dtype, float64(q.ZeroPoint))
	quantized := graph.Add(graph.Round(graph.Div(x, scale)), zeroPoint)
	quantized = graph.Clip(quantized, graph.Scalar(g, dtype, float64(q.QMin)), graph.Scalar(g, dtype, float64(q.QMax)))
	return graph.Mul(graph.Sub(quantized, zeroPoint), scale)
}

// FakeQuantizeModule applies FakeQuantize to its single input.
type FakeQuantizeModule struct {
	QParams QParams
}

// Kind implements modgraph.Module.
func (m *FakeQuantizeModule) Kind() modgraph.Kind { return modgraph.KindFakeQuantize }

// NumOutputs implements modgraph.Module.
func (m *FakeQuantizeModule) NumOutputs() int { return 1 }

// Call implements modgraph.Module.
func (m *FakeQuantizeModule) Call(inputs []*graph.Node) []*graph.Node {
	return []*graph.Node{FakeQuantize(inputs[0], m.QParams)}
}

// String implements fmt.Stringer.
func (m *FakeQuantizeModule) String() string {
	return fmt.Sprintf("FakeQuantize(%s)", m.QParams)
}

// ObserverModule passes its input through unchanged. It marks where quantization statistics are collected.
type ObserverModule struct{}

// Kind implements modgraph.Module.
func (m *ObserverModule) Kind() modgraph.Kind { return modgraph.KindObserver }

// NumOutputs implements modgraph.Module.
func (m *ObserverModule) NumOutputs() int { return 1 }

// Call implements modgraph.Module.
func (m *ObserverModule) Call(inputs []*graph.Node) []*graph.Node {
	return []*graph.Node{graph.Identity(inputs[0])}
}

// String implements fmt.Stringer.
func (m *ObserverModule) String() string { return "Observer" }
