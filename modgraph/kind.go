package modgraph

import "fmt"

// Kind is the category of a Module, used by pattern based passes to recognize units without knowing
// their concrete type.
type Kind int

const (
	KindGeneric Kind = iota
	KindIdentity
	KindBinary
	KindReduce
	KindConcat

	// Activations.
	KindReLU
	KindSigmoid
	KindTanh

	// Computations.
	KindConv1D
	KindConv2D
	KindConv3D
	KindQuantizedConv1D
	KindQuantizedConv2D
	KindQuantizedConv3D

	// Quantization observers and fake quantization.
	KindObserver
	KindFakeQuantize
)

var kindNames = map[Kind]string{
	KindGeneric:         "Generic",
	KindIdentity:        "Identity",
	KindBinary:          "Binary",
	KindReduce:          "Reduce",
	KindConcat:          "Concat",
	KindReLU:            "ReLU",
	KindSigmoid:         "Sigmoid",
	KindTanh:            "Tanh",
	KindConv1D:          "Conv1D",
	KindConv2D:          "Conv2D",
	KindConv3D:          "Conv3D",
	KindQuantizedConv1D: "QuantizedConv1D",
	KindQuantizedConv2D: "QuantizedConv2D",
	KindQuantizedConv3D: "QuantizedConv3D",
	KindObserver:        "Observer",
	KindFakeQuantize:    "FakeQuantize",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if name, found := kindNames[k]; found {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// IsComputation returns whether k is a float or quantized convolution.
func (k Kind) IsComputation() bool {
	return k >= KindConv1D && k <= KindQuantizedConv3D
}

// IsQuantized returns whether k is one of the quantized convolutions.
func (k Kind) IsQuantized() bool {
	return k >= KindQuantizedConv1D && k <= KindQuantizedConv3D
}

// IsQuantization returns whether k is a quantization observer or fake quantization.
func (k Kind) IsQuantization() bool {
	return k == KindObserver || k == KindFakeQuantize
}

// IsActivation returns whether k is an element-wise activation.
func (k Kind) IsActivation() bool {
	return k >= KindReLU && k <= KindTanh
}

// ConvKind returns the convolution kind for the given number of spatial axes (1, 2 or 3),
// or KindGeneric for other values.
func ConvKind(spatialRank int, quantized bool) Kind {
	if spatialRank < 1 || spatialRank > 3 {
		return KindGeneric
	}
	if quantized {
		return KindQuantizedConv1D + Kind(spatialRank-1)
	}
	return KindConv1D + Kind(spatialRank-1)
}
