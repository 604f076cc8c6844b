package quantization

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/onnxutils/modgraph"
	"github.com/gomlx/onnxutils/onnx2gomlx"
)

// QuantizedConvModule is a convolution whose kernel is fake-quantized before convolving. Inputs are the same as
// onnx2gomlx.ConvModule.
//
// If WeightQParams is nil, the kernel is quantized symmetrically to int8 with the scale max(|kernel|)/127.
type QuantizedConvModule struct {
	onnx2gomlx.ConvConfig
	WeightQParams *QParams
}

// QuantizedConvFromFloat returns the quantized counterpart of conv, with the same configuration.
func QuantizedConvFromFloat(conv *onnx2gomlx.ConvModule, weightQParams *QParams) *QuantizedConvModule {
	return &QuantizedConvModule{ConvConfig: conv.ConvConfig, WeightQParams: weightQParams}
}

// Kind implements modgraph.Module.
func (m *QuantizedConvModule) Kind() modgraph.Kind { return modgraph.ConvKind(m.SpatialRank, true) }

// NumOutputs implements modgraph.Module.
func (m *QuantizedConvModule) NumOutputs() int { return 1 }

// String implements fmt.Stringer.
func (m *QuantizedConvModule) String() string {
	if m.WeightQParams == nil {
		return fmt.Sprintf("%s(strides=%v, weights=symmetric int8)", m.Kind(), m.Strides)
	}
	return fmt.Sprintf("%s(strides=%v, weights=%s)", m.Kind(), m.Strides, *m.WeightQParams)
}

// Call implements modgraph.Module.
func (m *QuantizedConvModule) Call(inputs []*Node) []*Node {
	var bias *Node
	if len(inputs) > 2 {
		bias = inputs[2]
	}
	kernel := m.quantizeKernel(inputs[1])
	return []*Node{onnx2gomlx.ConvolveChannelsFirst(inputs[0], kernel, bias, m.ConvConfig)}
}

func (m *QuantizedConvModule) quantizeKernel(kernel *Node) *Node {
	if m.WeightQParams != nil {
		return FakeQuantize(kernel, *m.WeightQParams)
	}
	g := kernel.Graph()
	dtype := kernel.DType()
	q := NewQParams(1, 0, dtypes.Int8)
	q.QMin = -127
	scale := DivScalar(ReduceAllMax(Abs(kernel)), 127)
	// All-zero kernels keep a positive scale.
	scale = Max(scale, Scalar(g, dtype, 1e-8))
	return fakeQuantizeWithScale(kernel, StopGradient(scale), q)
}
