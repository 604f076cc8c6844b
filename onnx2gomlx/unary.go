package onnx2gomlx

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/onnxutils/modgraph"
	"github.com/gomlx/onnxutils/onnx"
	"github.com/pkg/errors"
)

// IdentityModule returns its single input.
var IdentityModule = modgraph.Func(modgraph.KindIdentity, "Identity", func(inputs []*Node) *Node {
	return Identity(inputs[0])
})

// ReluModule is the rectified linear unit activation.
var ReluModule = modgraph.Func(modgraph.KindReLU, "ReLU", func(inputs []*Node) *Node {
	return activations.Relu(inputs[0])
})

// SigmoidModule is the logistic activation.
var SigmoidModule = modgraph.Func(modgraph.KindSigmoid, "Sigmoid", func(inputs []*Node) *Node {
	return Sigmoid(inputs[0])
})

// TanhModule is the hyperbolic tangent activation.
var TanhModule = modgraph.Func(modgraph.KindTanh, "Tanh", func(inputs []*Node) *Node {
	return Tanh(inputs[0])
})

// unaryConverter returns a converter mapping a single input node to module.
func unaryConverter(module modgraph.Module) ConverterFunc {
	return func(node *onnx.Node, _ *onnx.Graph) (Result, error) {
		assertNumInputs(node, 1)
		return singleOutputResult(node, module), nil
	}
}

func registerUnaryConverters(r *Registry) {
	for _, version := range []int{13, 14, 16, 19, 21} {
		r.MustRegister("Identity", version, unaryConverter(IdentityModule))
	}
	r.MustRegister("Relu", 13, unaryConverter(ReluModule))
	r.MustRegister("Relu", 14, unaryConverter(ReluModule))
	r.MustRegister("Sigmoid", 13, unaryConverter(SigmoidModule))
	r.MustRegister("Tanh", 13, unaryConverter(TanhModule))
}

// convertConcat converts a ONNX node to a module concatenating its inputs.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Concat.html
func convertConcat(node *onnx.Node, _ *onnx.Graph) (Result, error) {
	axis := node.MustIntAttr("axis")
	if len(node.Inputs) == 0 {
		exceptions.Panicf("Concat requires at least one input in %s", node)
	}
	module := modgraph.Func(modgraph.KindConcat, fmt.Sprintf("Concat(axis=%d)", axis), func(inputs []*Node) *Node {
		if len(inputs) == 1 {
			return inputs[0]
		}
		return Concatenate(inputs, axis)
	})
	return singleOutputResult(node, module), nil
}

// ReduceMaxModule reduces its input with max over one axis, or over all axes if HasAxis is false.
type ReduceMaxModule struct {
	Axis     int
	HasAxis  bool
	KeepDims bool
}

// Kind implements modgraph.Module.
func (m *ReduceMaxModule) Kind() modgraph.Kind { return modgraph.KindReduce }

// NumOutputs implements modgraph.Module.
func (m *ReduceMaxModule) NumOutputs() int { return 1 }

// String implements fmt.Stringer.
func (m *ReduceMaxModule) String() string {
	if !m.HasAxis {
		return fmt.Sprintf("ReduceMax(keepdims=%v)", m.KeepDims)
	}
	return fmt.Sprintf("ReduceMax(axis=%d, keepdims=%v)", m.Axis, m.KeepDims)
}

// Call implements modgraph.Module.
func (m *ReduceMaxModule) Call(inputs []*Node) []*Node {
	operand := inputs[0]
	if !m.HasAxis {
		res := ReduceAllMax(operand)
		if m.KeepDims {
			res = ExpandLeftToRank(res, operand.Rank())
		}
		return []*Node{res}
	}
	if m.KeepDims {
		return []*Node{ReduceAndKeep(operand, ReduceMax, m.Axis)}
	}
	return []*Node{ReduceMax(operand, m.Axis)}
}

// convertReduceMax converts a ONNX ReduceMax node, with the axes given as an attribute (up to opset 13).
// Only the reduction over a single axis, or over all axes, is supported.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__ReduceMax.html
func convertReduceMax(node *onnx.Node, _ *onnx.Graph) (Result, error) {
	assertNumInputs(node, 1)
	module := &ReduceMaxModule{KeepDims: node.IntAttrOr("keepdims", 1) > 0}
	axes := node.IntsAttrOr("axes", nil)
	switch len(axes) {
	case 0:
	case 1:
		module.Axis = axes[0]
		module.HasAxis = true
	default:
		return Result{}, errors.Errorf("ReduceMax over more than one axis (axes=%v) not implemented", axes)
	}
	return singleOutputResult(node, module), nil
}
