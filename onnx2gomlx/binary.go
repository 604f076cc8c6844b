package onnx2gomlx

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/onnxutils/modgraph"
	"github.com/gomlx/onnxutils/onnx"
)

// BinaryOp enumerates the element-wise binary operations implemented by BinaryModule.
type BinaryOp int

const (
	BinaryAdd BinaryOp = iota
	BinarySub
	BinaryMul
	// BinaryDiv is the true division: integer operands are converted to float.
	BinaryDiv
	// BinaryTruncDiv is the integer division, truncating toward zero.
	BinaryTruncDiv
	BinaryPow
	BinaryEqual
	BinaryGreater
	BinaryLess
	BinaryLessOrEqual
	BinaryAnd
)

var binaryOpNames = map[BinaryOp]string{
	BinaryAdd:         "Add",
	BinarySub:         "Sub",
	BinaryMul:         "Mul",
	BinaryDiv:         "Div",
	BinaryTruncDiv:    "TruncDiv",
	BinaryPow:         "Pow",
	BinaryEqual:       "Equal",
	BinaryGreater:     "Greater",
	BinaryLess:        "Less",
	BinaryLessOrEqual: "LessOrEqual",
	BinaryAnd:         "And",
}

// String implements fmt.Stringer.
func (op BinaryOp) String() string {
	if name, found := binaryOpNames[op]; found {
		return name
	}
	return fmt.Sprintf("BinaryOp(%d)", int(op))
}

// BinaryModule applies an element-wise binary operation with ONNX broadcasting: operands of lower rank are
// expanded on the left. Operands of different dtypes are promoted to the higher priority one.
type BinaryModule struct {
	Op BinaryOp
}

// Kind implements modgraph.Module.
func (m *BinaryModule) Kind() modgraph.Kind { return modgraph.KindBinary }

// NumOutputs implements modgraph.Module.
func (m *BinaryModule) NumOutputs() int { return 1 }

// String implements fmt.Stringer.
func (m *BinaryModule) String() string { return m.Op.String() }

// Call implements modgraph.Module.
func (m *BinaryModule) Call(inputs []*Node) []*Node {
	if len(inputs) != 2 {
		exceptions.Panicf("binary operation %s requires 2 inputs, got %d", m.Op, len(inputs))
	}
	return []*Node{convertBinaryOp(m.Op, inputs[0], inputs[1])}
}

// onnxImplicitBroadcast expands operands to the largest rank, expanding to the left.
// This is part of ONNX implicit broadcasting rule.
// Scalars are left untouched, because generally, XLA will broadcast them.
//
// Returns the list of broadcast operands.
func onnxImplicitBroadcast(operands []*Node) []*Node {
	ranks := sliceMap(operands, func(n *Node) int { return n.Rank() })
	maxRank := slices.Max(ranks)
	return sliceMap(operands, func(n *Node) *Node {
		if n.IsScalar() || n.Rank() == maxRank {
			return n
		}
		return ExpandLeftToRank(n, maxRank)
	})
}

// convertBinaryOp applies ONNX broadcasting rule and dtype promotion before calling the GoMLX operation.
//
// It differs from GoMLX and XLA in that it automatically prepend 1-dimensional axes to
// any of the operands, if they differ in rank.
func convertBinaryOp(op BinaryOp, lhs, rhs *Node) *Node {
	operands := onnxImplicitBroadcast([]*Node{lhs, rhs})
	lhs, rhs = operands[0], operands[1]
	if op == BinaryAnd {
		return LogicalAnd(lhs, rhs)
	}
	lhs, rhs = promoteToCommonDType(lhs, rhs)
	switch op {
	case BinaryAdd:
		return Add(lhs, rhs)
	case BinarySub:
		return Sub(lhs, rhs)
	case BinaryMul:
		return Mul(lhs, rhs)
	case BinaryDiv:
		if !lhs.DType().IsFloat() {
			lhs, rhs = ConvertDType(lhs, dtypes.Float32), ConvertDType(rhs, dtypes.Float32)
		}
		return Div(lhs, rhs)
	case BinaryTruncDiv:
		if lhs.DType().IsFloat() {
			quotient := Div(lhs, rhs)
			return Where(GreaterOrEqual(quotient, ZerosLike(quotient)), Floor(quotient), Ceil(quotient))
		}
		// Integer division truncates toward zero.
		return Div(lhs, rhs)
	case BinaryPow:
		return Pow(lhs, rhs)
	case BinaryEqual:
		return Equal(lhs, rhs)
	case BinaryGreater:
		return GreaterThan(lhs, rhs)
	case BinaryLess:
		return LessThan(lhs, rhs)
	case BinaryLessOrEqual:
		return LessOrEqual(lhs, rhs)
	default:
		exceptions.Panicf("binary operation %s not implemented", op)
		panic(nil) // for lint benefit.
	}
}

// promoteToCommonDType converts two nodes to a common dtype based on type promotion rules:
// Float64 > Float32 > Float16 > Int64 > ...
func promoteToCommonDType(lhs, rhs *Node) (*Node, *Node) {
	lhsDType := lhs.DType()
	rhsDType := rhs.DType()
	if lhsDType == rhsDType {
		return lhs, rhs
	}
	targetDType := lhsDType
	if dtypePriority(rhsDType) > dtypePriority(lhsDType) {
		targetDType = rhsDType
	}
	if lhsDType != targetDType {
		lhs = ConvertDType(lhs, targetDType)
	}
	if rhsDType != targetDType {
		rhs = ConvertDType(rhs, targetDType)
	}
	return lhs, rhs
}

// dtypePriority returns a priority value for dtype promotion.
// Higher values are preferred in mixed-type operations.
func dtypePriority(dt dtypes.DType) int {
	switch dt {
	case dtypes.Complex128:
		return 110
	case dtypes.Complex64:
		return 105
	case dtypes.Float64:
		return 100
	case dtypes.Float32:
		return 90
	case dtypes.Float16, dtypes.BFloat16:
		return 80
	case dtypes.Int64:
		return 70
	case dtypes.Int32:
		return 60
	case dtypes.Int16:
		return 50
	case dtypes.Int8:
		return 40
	case dtypes.Uint64:
		return 35
	case dtypes.Uint32:
		return 30
	case dtypes.Uint16:
		return 25
	case dtypes.Uint8:
		return 20
	case dtypes.Bool:
		return 10
	default:
		return 0
	}
}

func sliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// UnknownOperandTypeError is returned when the element type of an operand is needed to select a conversion, but
// it is neither declared in the graph value infos nor the operand is an initializer.
type UnknownOperandTypeError struct {
	Operand string
	OpType  string
}

// Error implements error.
func (e *UnknownOperandTypeError) Error() string {
	return fmt.Sprintf("unknown element type of operand %q of %s", e.Operand, e.OpType)
}

// operandDataType returns the declared element type of the tensor name: from the value infos, or else from
// the initializer with that name.
func operandDataType(graph *onnx.Graph, name string) (onnx.DataType, bool) {
	if vi, found := graph.ValueInfo(name); found && vi.DataType != onnx.Undefined {
		return vi.DataType, true
	}
	if t, found := graph.Initializer(name); found {
		return t.DataType, true
	}
	return onnx.Undefined, false
}

// binaryConverter returns a converter mapping a two input node to a BinaryModule with the given operation.
func binaryConverter(op BinaryOp) ConverterFunc {
	return func(node *onnx.Node, _ *onnx.Graph) (Result, error) {
		assertNumInputs(node, 2)
		return singleOutputResult(node, &BinaryModule{Op: op}), nil
	}
}

// convertDiv selects the truncating integer division if all operands are integers, and the true division
// otherwise.
//
// See ONNX documentation in:
// https://onnx.ai/onnx/operators/onnx__Div.html
func convertDiv(node *onnx.Node, graph *onnx.Graph) (Result, error) {
	assertNumInputs(node, 2)
	allIntegers := true
	for _, input := range node.Inputs {
		dataType, found := operandDataType(graph, input)
		if !found {
			return Result{}, &UnknownOperandTypeError{Operand: input, OpType: node.OpType}
		}
		allIntegers = allIntegers && dataType.IsInteger()
	}
	op := BinaryDiv
	if allIntegers {
		op = BinaryTruncDiv
	}
	return singleOutputResult(node, &BinaryModule{Op: op}), nil
}

func registerBinaryConverters(r *Registry) {
	for _, version := range []int{7, 13, 14} {
		r.MustRegister("Add", version, binaryConverter(BinaryAdd))
		r.MustRegister("Sub", version, binaryConverter(BinarySub))
		r.MustRegister("Mul", version, binaryConverter(BinaryMul))
		r.MustRegister("Div", version, convertDiv)
	}
	r.MustRegister("Pow", 15, binaryConverter(BinaryPow))
	r.MustRegister("Equal", 13, binaryConverter(BinaryEqual))
	r.MustRegister("Greater", 13, binaryConverter(BinaryGreater))
	r.MustRegister("Less", 13, binaryConverter(BinaryLess))
	r.MustRegister("LessOrEqual", 16, binaryConverter(BinaryLessOrEqual))
	r.MustRegister("And", 7, binaryConverter(BinaryAnd))
}

// assertNumInputs panics with an exception if node doesn't have exactly n inputs.
func assertNumInputs(node *onnx.Node, n int) {
	if len(node.Inputs) != n {
		exceptions.Panicf("%s requires %d inputs, got %d in %s", node.OpType, n, len(node.Inputs), node)
	}
}

// singleOutputResult maps the node inputs and its first output to module.
func singleOutputResult(node *onnx.Node, module modgraph.Module) Result {
	if len(node.Outputs) < 1 {
		exceptions.Panicf("%s has no outputs", node)
	}
	return Result{
		Module:  module,
		Mapping: Mapping{Inputs: node.Inputs, Outputs: node.Outputs[:1]},
	}
}
