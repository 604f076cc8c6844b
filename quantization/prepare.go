package quantization

import (
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/onnxutils/modgraph"
	"github.com/gomlx/onnxutils/onnx2gomlx"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// QATConfig configures PrepareQAT.
type QATConfig struct {
	// SwapConvs replaces every float convolution with its QuantizedConvModule counterpart.
	SwapConvs bool

	// ActivationQParams are used by the FakeQuantize units inserted after computations and ReLUs.
	ActivationQParams QParams

	// WeightQParams for the swapped convolutions. If nil, the kernels are quantized symmetrically.
	WeightQParams *QParams
}

// DefaultQATConfig swaps convolutions, and fake-quantizes activations to int8 with scale 1/16.
func DefaultQATConfig() QATConfig {
	return QATConfig{
		SwapConvs:         true,
		ActivationQParams: NewQParams(1.0/16, 0, dtypes.Int8),
	}
}

// PrepareQAT returns a copy of mg prepared for quantization-aware training: convolutions are swapped for
// quantized ones (if cfg.SwapConvs), and a FakeQuantize unit is inserted after the output of every
// computation and ReLU unit. The input graph is not modified.
func PrepareQAT(mg *modgraph.Graph, cfg QATConfig) (*modgraph.Graph, error) {
	prepared := mg.Clone()
	var numSwapped, numInserted int
	for _, u := range slices.Clone(prepared.Units()) {
		if u.Op != modgraph.OpCall {
			continue
		}
		if conv, ok := u.Module.(*onnx2gomlx.ConvModule); ok && cfg.SwapConvs {
			u.Module = QuantizedConvFromFloat(conv, cfg.WeightQParams)
			numSwapped++
		}
		kind := u.Kind()
		if !kind.IsComputation() && kind != modgraph.KindReLU {
			continue
		}
		output := u.Output(0)
		fq, err := prepared.InsertAfter(u, u.Name+"_fq", &FakeQuantizeModule{QParams: cfg.ActivationQParams}, output)
		if err != nil {
			return nil, errors.WithMessagef(err, "while inserting FakeQuantize after %q", u.Name)
		}
		if err := prepared.ReplaceAllUsesExcept(output, fq.Output(0), fq); err != nil {
			return nil, errors.WithMessagef(err, "while inserting FakeQuantize after %q", u.Name)
		}
		numInserted++
	}
	klog.V(1).Infof("quantization: PrepareQAT swapped %d convolutions, inserted %d FakeQuantize units", numSwapped, numInserted)
	return prepared, nil
}
