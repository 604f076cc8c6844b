package onnx

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/onnxutils/internal/onnxpb"
)

// Node is one operator application in a Graph.
type Node struct {
	Name   string
	OpType string
	Domain string

	// Inputs and Outputs are tensor names. An absent optional input is represented by "".
	Inputs, Outputs []string

	Attributes []*Attribute

	graph *Graph
}

// NewNode creates a node. Attach it to a graph with Graph.AddNode.
func NewNode(opType string, inputs, outputs []string, attributes ...*Attribute) *Node {
	return &Node{
		OpType:     opType,
		Inputs:     inputs,
		Outputs:    outputs,
		Attributes: attributes,
	}
}

// Version returns the opset version in effect for the node: the one imported by its graph.
// It returns 0 for nodes not attached to a graph.
func (n *Node) Version() int {
	if n.graph == nil {
		return 0
	}
	return n.graph.OpsetVersion
}

// Graph returns the graph owning the node, or nil.
func (n *Node) Graph() *Graph {
	return n.graph
}

// Clone returns a detached copy of the node. Attribute values are shared.
func (n *Node) Clone() *Node {
	return &Node{
		Name:       n.Name,
		OpType:     n.OpType,
		Domain:     n.Domain,
		Inputs:     slices.Clone(n.Inputs),
		Outputs:    slices.Clone(n.Outputs),
		Attributes: slices.Clone(n.Attributes),
	}
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	var sb strings.Builder
	sb.WriteString(n.OpType)
	if n.Name != "" {
		fmt.Fprintf(&sb, "[%q]", n.Name)
	}
	fmt.Fprintf(&sb, "(%s) -> (%s)", strings.Join(quoteAll(n.Inputs), ", "), strings.Join(quoteAll(n.Outputs), ", "))
	if len(n.Attributes) > 0 {
		sb.WriteString(" {")
		for ii, attr := range n.Attributes {
			if ii > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(attr.String())
		}
		sb.WriteString("}")
	}
	return sb.String()
}

func quoteAll(names []string) []string {
	quoted := make([]string, len(names))
	for ii, name := range names {
		quoted[ii] = fmt.Sprintf("%q", name)
	}
	return quoted
}

// AttributeType is the kind of literal held by an Attribute.
type AttributeType int32

// Attribute kinds, numbered as in onnx.proto.
const (
	AttrUndefined AttributeType = 0
	AttrFloat     AttributeType = 1
	AttrInt       AttributeType = 2
	AttrString    AttributeType = 3
	AttrTensor    AttributeType = 4
	AttrGraph     AttributeType = 5
	AttrFloats    AttributeType = 6
	AttrInts      AttributeType = 7
	AttrStrings   AttributeType = 8
	AttrTensors   AttributeType = 9
)

var attributeTypeNames = map[AttributeType]string{
	AttrUndefined: "UNDEFINED",
	AttrFloat:     "FLOAT",
	AttrInt:       "INT",
	AttrString:    "STRING",
	AttrTensor:    "TENSOR",
	AttrGraph:     "GRAPH",
	AttrFloats:    "FLOATS",
	AttrInts:      "INTS",
	AttrStrings:   "STRINGS",
	AttrTensors:   "TENSORS",
}

// String implements fmt.Stringer.
func (t AttributeType) String() string {
	if name, found := attributeTypeNames[t]; found {
		return name
	}
	return fmt.Sprintf("AttributeType(%d)", int32(t))
}

// Attribute is a named literal parameter of a node.
// Only the field matching Type is meaningful.
type Attribute struct {
	Name    string
	Type    AttributeType
	F       float32
	I       int64
	S       string
	T       *Tensor
	Floats  []float32
	Ints    []int64
	Strings []string

	// unmodeled holds attributes of kinds not modeled (graphs, lists of tensors, ...), so they survive
	// a read/write cycle.
	unmodeled *onnxpb.AttributeProto
}

// IntAttr creates an INT attribute.
func IntAttr(name string, value int64) *Attribute {
	return &Attribute{Name: name, Type: AttrInt, I: value}
}

// IntsAttr creates an INTS attribute.
func IntsAttr(name string, values ...int64) *Attribute {
	return &Attribute{Name: name, Type: AttrInts, Ints: values}
}

// FloatAttr creates a FLOAT attribute.
func FloatAttr(name string, value float32) *Attribute {
	return &Attribute{Name: name, Type: AttrFloat, F: value}
}

// StringAttr creates a STRING attribute.
func StringAttr(name, value string) *Attribute {
	return &Attribute{Name: name, Type: AttrString, S: value}
}

// TensorAttr creates a TENSOR attribute.
func TensorAttr(name string, value *Tensor) *Attribute {
	return &Attribute{Name: name, Type: AttrTensor, T: value}
}

// String implements fmt.Stringer.
func (a *Attribute) String() string {
	switch a.Type {
	case AttrFloat:
		return fmt.Sprintf("%s=%g", a.Name, a.F)
	case AttrInt:
		return fmt.Sprintf("%s=%d", a.Name, a.I)
	case AttrString:
		return fmt.Sprintf("%s=%q", a.Name, a.S)
	case AttrTensor:
		return fmt.Sprintf("%s=%s", a.Name, a.T)
	case AttrFloats:
		return fmt.Sprintf("%s=%v", a.Name, a.Floats)
	case AttrInts:
		return fmt.Sprintf("%s=%v", a.Name, a.Ints)
	case AttrStrings:
		return fmt.Sprintf("%s=%q", a.Name, a.Strings)
	default:
		return fmt.Sprintf("%s=<%s>", a.Name, a.Type)
	}
}

// Attr returns the attribute with the given name, or nil.
func (n *Node) Attr(name string) *Attribute {
	for _, attr := range n.Attributes {
		if attr.Name == name {
			return attr
		}
	}
	return nil
}

// mustGetAttr returns the named attribute, panicking with an exception if it is missing.
func (n *Node) mustGetAttr(name string) *Attribute {
	attr := n.Attr(name)
	if attr == nil {
		exceptions.Panicf("ONNX %s is missing required attribute %q", n, name)
	}
	return attr
}

func (n *Node) assertAttrType(attr *Attribute, attributeType AttributeType) {
	if attr.Type != attributeType {
		exceptions.Panicf("unsupported ONNX attribute %q of type %s (wanted %s) in %s", attr.Name, attr.Type, attributeType, n)
	}
}

// MustIntAttr gets the attribute as an integer.
// It panics with an exception if attribute is not set or if it is of the wrong type.
func (n *Node) MustIntAttr(name string) int {
	attr := n.mustGetAttr(name)
	n.assertAttrType(attr, AttrInt)
	return int(attr.I)
}

// IntAttrOr gets an integer attribute if present or returns defaultValue.
// It panics with an exception if the attribute is present but is of the wrong type.
func (n *Node) IntAttrOr(name string, defaultValue int) int {
	attr := n.Attr(name)
	if attr == nil {
		return defaultValue
	}
	n.assertAttrType(attr, AttrInt)
	return int(attr.I)
}

// BoolAttrOr gets a boolean attribute (ONNX uses an int value of 0 or 1) if present or returns defaultValue.
func (n *Node) BoolAttrOr(name string, defaultValue bool) bool {
	defaultInt := 0
	if defaultValue {
		defaultInt = 1
	}
	return n.IntAttrOr(name, defaultInt) != 0
}

// FloatAttrOr gets a float attribute if present or returns defaultValue.
func (n *Node) FloatAttrOr(name string, defaultValue float32) float32 {
	attr := n.Attr(name)
	if attr == nil {
		return defaultValue
	}
	n.assertAttrType(attr, AttrFloat)
	return attr.F
}

// StringAttrOr gets a string attribute if present or returns defaultValue.
func (n *Node) StringAttrOr(name string, defaultValue string) string {
	attr := n.Attr(name)
	if attr == nil {
		return defaultValue
	}
	n.assertAttrType(attr, AttrString)
	return attr.S
}

// MustIntsAttr gets a list of integers attribute. A single INT attribute is accepted as a list of one.
// It panics with an exception if the attribute is missing or of the wrong type.
func (n *Node) MustIntsAttr(name string) []int {
	attr := n.mustGetAttr(name)
	if attr.Type == AttrInt {
		return []int{int(attr.I)}
	}
	n.assertAttrType(attr, AttrInts)
	return toInts(attr.Ints)
}

// IntsAttrOr gets an integer list attribute if present or returns defaultValues.
func (n *Node) IntsAttrOr(name string, defaultValues []int) []int {
	attr := n.Attr(name)
	if attr == nil {
		return defaultValues
	}
	n.assertAttrType(attr, AttrInts)
	return toInts(attr.Ints)
}

// MustTensorAttr returns a tensor attribute, panicking if it is missing or of the wrong type.
func (n *Node) MustTensorAttr(name string) *Tensor {
	attr := n.mustGetAttr(name)
	n.assertAttrType(attr, AttrTensor)
	return attr.T
}

func toInts(values []int64) []int {
	ints := make([]int, len(values))
	for ii, v := range values {
		ints[ii] = int(v)
	}
	return ints
}
