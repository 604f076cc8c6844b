package onnx2gomlx

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/onnxutils/modgraph"
	"github.com/gomlx/onnxutils/onnx"
	"github.com/pkg/errors"
)

// ConvConfig holds the attributes of an ONNX convolution over SpatialRank spatial axes.
type ConvConfig struct {
	SpatialRank int

	// Strides and Dilations have one value per spatial axis.
	Strides, Dilations []int

	// Paddings has the (begin, end) padding per spatial axis. It is ignored if PadSame is set.
	Paddings [][2]int

	// PadSame pads so that each output spatial dimension is ceil(input/stride). The odd unit of padding goes
	// to the end, or to the beginning if SameLower is set.
	PadSame, SameLower bool
}

// ConvModule is an ONNX convolution: inputs are x shaped [batch, channels, spatial...], the kernel shaped
// [outputChannels, inputChannels, kernelSpatial...] and an optional bias shaped [outputChannels].
type ConvModule struct {
	ConvConfig
}

// Kind implements modgraph.Module.
func (m *ConvModule) Kind() modgraph.Kind { return modgraph.ConvKind(m.SpatialRank, false) }

// NumOutputs implements modgraph.Module.
func (m *ConvModule) NumOutputs() int { return 1 }

// String implements fmt.Stringer.
func (m *ConvModule) String() string {
	return fmt.Sprintf("%s(strides=%v, dilations=%v, pads=%v)", m.Kind(), m.Strides, m.Dilations, m.Paddings)
}

// Call implements modgraph.Module.
func (m *ConvModule) Call(inputs []*Node) []*Node {
	var bias *Node
	if len(inputs) > 2 {
		bias = inputs[2]
	}
	return []*Node{ConvolveChannelsFirst(inputs[0], inputs[1], bias, m.ConvConfig)}
}

// ConvolveChannelsFirst computes the ONNX convolution described by cfg. See ConvModule for the shapes.
// bias can be nil.
//
// GoMLX convolutions are computed in channels-last layout, so x and kernel are transposed, and the result
// transposed back to channels-first.
func ConvolveChannelsFirst(x, kernel, bias *Node, cfg ConvConfig) *Node {
	rank := cfg.SpatialRank
	if x.Rank() != rank+2 || kernel.Rank() != rank+2 {
		exceptions.Panicf("Conv%dD: x shaped %s and kernel shaped %s must have rank %d", rank, x.Shape(), kernel.Shape(), rank+2)
	}

	// x: [batch, channels, spatial...] -> [batch, spatial..., channels]
	xPerm := make([]int, 0, rank+2)
	xPerm = append(xPerm, 0)
	for axis := range rank {
		xPerm = append(xPerm, axis+2)
	}
	xPerm = append(xPerm, 1)
	x = TransposeAllDims(x, xPerm...)

	// kernel: [out, in, spatial...] -> [spatial..., in, out]
	kernelPerm := make([]int, 0, rank+2)
	for axis := range rank {
		kernelPerm = append(kernelPerm, axis+2)
	}
	kernelPerm = append(kernelPerm, 1, 0)
	kernel = TransposeAllDims(kernel, kernelPerm...)

	strides, dilations := onesIfEmpty(cfg.Strides, rank), onesIfEmpty(cfg.Dilations, rank)
	conv := Convolve(x, kernel).StridePerAxis(strides...).DilationPerAxis(dilations...)
	if cfg.PadSame {
		conv = conv.PaddingPerDim(samePaddings(x.Shape().Dimensions[1:rank+1], kernel.Shape().Dimensions[:rank],
			strides, dilations, cfg.SameLower))
	} else if len(cfg.Paddings) > 0 {
		conv = conv.PaddingPerDim(cfg.Paddings)
	} else {
		conv = conv.NoPadding()
	}
	output := conv.Done()

	// output: [batch, spatial..., out] -> [batch, out, spatial...]
	outputPerm := make([]int, 0, rank+2)
	outputPerm = append(outputPerm, 0, rank+1)
	for axis := range rank {
		outputPerm = append(outputPerm, axis+1)
	}
	output = TransposeAllDims(output, outputPerm...)

	if bias != nil {
		biasDims := make([]int, rank+2)
		for ii := range biasDims {
			biasDims[ii] = 1
		}
		biasDims[1] = bias.Shape().Size()
		output = Add(output, ConvertDType(Reshape(bias, biasDims...), output.DType()))
	}
	return output
}

func onesIfEmpty(values []int, n int) []int {
	if len(values) > 0 {
		return values
	}
	ones := make([]int, n)
	for ii := range ones {
		ones[ii] = 1
	}
	return ones
}

// samePaddings returns the (begin, end) paddings of the ONNX SAME_UPPER or SAME_LOWER auto_pad, given the input
// and kernel spatial dimensions.
func samePaddings(inputDims, kernelDims, strides, dilations []int, lower bool) [][2]int {
	paddings := make([][2]int, len(inputDims))
	for axis, dim := range inputDims {
		outputDim := (dim + strides[axis] - 1) / strides[axis]
		effectiveKernel := (kernelDims[axis]-1)*dilations[axis] + 1
		total := max(0, (outputDim-1)*strides[axis]+effectiveKernel-dim)
		small, large := total/2, total-total/2
		if lower {
			paddings[axis] = [2]int{large, small}
		} else {
			paddings[axis] = [2]int{small, large}
		}
	}
	return paddings
}

// convSpatialRank returns the number of spatial axes of a convolution, from the rank of its weights.
func convSpatialRank(graph *onnx.Graph, weightsName string) (int, error) {
	if t, found := graph.Initializer(weightsName); found {
		return len(t.Dims) - 2, nil
	}
	if vi, found := graph.ValueInfo(weightsName); found && vi.HasShape {
		return len(vi.Dims) - 2, nil
	}
	return 0, errors.Errorf("Conv weights %q have unknown rank: it must be an initializer or have a declared shape", weightsName)
}

// ConvConfigFromNode parses the attributes of an ONNX Conv node, for a convolution with spatialRank axes.
func ConvConfigFromNode(node *onnx.Node, spatialRank int) (ConvConfig, error) {
	cfg := ConvConfig{SpatialRank: spatialRank}
	if group := node.IntAttrOr("group", 1); group != 1 {
		return cfg, errors.Errorf("Conv with group=%d not implemented in %s", group, node)
	}
	cfg.Strides = onesIfEmpty(node.IntsAttrOr("strides", nil), spatialRank)
	if len(cfg.Strides) != spatialRank {
		return cfg, errors.Errorf("Conv strides=%v must have %d values in %s", cfg.Strides, spatialRank, node)
	}
	cfg.Dilations = onesIfEmpty(node.IntsAttrOr("dilations", nil), spatialRank)
	if len(cfg.Dilations) != spatialRank {
		return cfg, errors.Errorf("Conv dilations=%v must have %d values in %s", cfg.Dilations, spatialRank, node)
	}
	for axis := range spatialRank {
		if cfg.Strides[axis] < 1 || cfg.Dilations[axis] < 1 {
			return cfg, errors.Errorf("Conv strides=%v and dilations=%v must be >= 1 in %s", cfg.Strides, cfg.Dilations, node)
		}
	}
	if slices.ContainsFunc(cfg.Strides, isNotOne) && slices.ContainsFunc(cfg.Dilations, isNotOne) {
		return cfg, errors.Errorf("Conv with both strides=%v and dilations=%v not implemented in %s",
			cfg.Strides, cfg.Dilations, node)
	}

	switch autoPad := node.StringAttrOr("auto_pad", "NOTSET"); autoPad {
	case "NOTSET", "VALID":
	case "SAME_UPPER", "SAME_LOWER":
		cfg.PadSame = true
		cfg.SameLower = autoPad == "SAME_LOWER"
		return cfg, nil
	default:
		return cfg, errors.Errorf("Conv auto_pad=%q not supported in %s", autoPad, node)
	}
	pads := node.IntsAttrOr("pads", nil)
	if len(pads) == 0 {
		return cfg, nil
	}
	if len(pads) != 2*spatialRank {
		return cfg, errors.Errorf("Conv pads=%v must have %d values in %s", pads, 2*spatialRank, node)
	}
	cfg.Paddings = make([][2]int, spatialRank)
	for axis := range spatialRank {
		cfg.Paddings[axis] = [2]int{pads[axis], pads[axis+spatialRank]}
	}
	return cfg, nil
}

func isNotOne(v int) bool { return v != 1 }

// convertConv converts a ONNX Conv node with 1, 2 or 3 spatial axes.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Conv.html
func convertConv(node *onnx.Node, graph *onnx.Graph) (Result, error) {
	if len(node.Inputs) < 2 || len(node.Inputs) > 3 {
		exceptions.Panicf("Conv requires 2 or 3 inputs, got %d in %s", len(node.Inputs), node)
	}
	spatialRank, err := convSpatialRank(graph, node.Inputs[1])
	if err != nil {
		return Result{}, err
	}
	if spatialRank < 1 || spatialRank > 3 {
		return Result{}, errors.Errorf("Conv with %d spatial axes not supported in %s", spatialRank, node)
	}
	cfg, err := ConvConfigFromNode(node, spatialRank)
	if err != nil {
		return Result{}, err
	}
	return singleOutputResult(node, &ConvModule{ConvConfig: cfg}), nil
}
