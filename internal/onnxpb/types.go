// Package onnxpb decodes and encodes the subset of the ONNX protobuf messages (onnx.proto) used by onnxutils.
//
// The messages mirror the field names of the generated ONNX bindings, but the codec is written directly
// over google.golang.org/protobuf/encoding/protowire: fields that are not modeled are kept as raw bytes
// in each message's Unknown field and written back untouched by Marshal.
package onnxpb

// TensorProto_DataType enumerates the ONNX tensor element types.
type TensorProto_DataType int32

// ONNX tensor element types, as numbered in onnx.proto.
const (
	TensorProto_UNDEFINED  TensorProto_DataType = 0
	TensorProto_FLOAT      TensorProto_DataType = 1
	TensorProto_UINT8      TensorProto_DataType = 2
	TensorProto_INT8       TensorProto_DataType = 3
	TensorProto_UINT16     TensorProto_DataType = 4
	TensorProto_INT16      TensorProto_DataType = 5
	TensorProto_INT32      TensorProto_DataType = 6
	TensorProto_INT64      TensorProto_DataType = 7
	TensorProto_STRING     TensorProto_DataType = 8
	TensorProto_BOOL       TensorProto_DataType = 9
	TensorProto_FLOAT16    TensorProto_DataType = 10
	TensorProto_DOUBLE     TensorProto_DataType = 11
	TensorProto_UINT32     TensorProto_DataType = 12
	TensorProto_UINT64     TensorProto_DataType = 13
	TensorProto_COMPLEX64  TensorProto_DataType = 14
	TensorProto_COMPLEX128 TensorProto_DataType = 15
	TensorProto_BFLOAT16   TensorProto_DataType = 16
	TensorProto_UINT4      TensorProto_DataType = 21
	TensorProto_INT4       TensorProto_DataType = 22
)

// AttributeProto_AttributeType enumerates the ONNX attribute kinds.
type AttributeProto_AttributeType int32

// ONNX attribute kinds, as numbered in onnx.proto.
const (
	AttributeProto_UNDEFINED AttributeProto_AttributeType = 0
	AttributeProto_FLOAT     AttributeProto_AttributeType = 1
	AttributeProto_INT       AttributeProto_AttributeType = 2
	AttributeProto_STRING    AttributeProto_AttributeType = 3
	AttributeProto_TENSOR    AttributeProto_AttributeType = 4
	AttributeProto_GRAPH     AttributeProto_AttributeType = 5
	AttributeProto_FLOATS    AttributeProto_AttributeType = 6
	AttributeProto_INTS      AttributeProto_AttributeType = 7
	AttributeProto_STRINGS   AttributeProto_AttributeType = 8
	AttributeProto_TENSORS   AttributeProto_AttributeType = 9
)

// ModelProto is the top-level ONNX container.
type ModelProto struct {
	IrVersion       int64
	OpsetImport     []*OperatorSetIdProto
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	MetadataProps   []*StringStringEntryProto
	Unknown         []byte
}

// OperatorSetIdProto identifies an imported operator set.
type OperatorSetIdProto struct {
	Domain  string
	Version int64
	Unknown []byte
}

// StringStringEntryProto is a key/value pair.
type StringStringEntryProto struct {
	Key     string
	Value   string
	Unknown []byte
}

// GraphProto holds the nodes, initializers and interface of a graph.
type GraphProto struct {
	Node        []*NodeProto
	Name        string
	Initializer []*TensorProto
	DocString   string
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
	ValueInfo   []*ValueInfoProto
	Unknown     []byte
}

// NodeProto is one operator application.
type NodeProto struct {
	Input     []string
	Output    []string
	Name      string
	OpType    string
	Attribute []*AttributeProto
	DocString string
	Domain    string
	Overload  string
	Unknown   []byte
}

// AttributeProto is a named attribute literal of a node.
type AttributeProto struct {
	Name        string
	RefAttrName string
	DocString   string
	Type        AttributeProto_AttributeType
	F           float32
	I           int64
	S           []byte
	T           *TensorProto
	Floats      []float32
	Ints        []int64
	Strings     [][]byte
	Tensors     []*TensorProto
	Unknown     []byte
}

// ValueInfoProto describes the type of a named value.
type ValueInfoProto struct {
	Name      string
	Type      *TypeProto
	DocString string
	Unknown   []byte
}

// TypeProto is the type of a value. Only tensor types are modeled.
type TypeProto struct {
	TensorType *TypeProto_Tensor
	Denotation string
	Unknown    []byte
}

// TypeProto_Tensor is the type of a dense tensor.
type TypeProto_Tensor struct {
	ElemType int32
	Shape    *TensorShapeProto
	Unknown  []byte
}

// TensorShapeProto lists the dimensions of a tensor type.
type TensorShapeProto struct {
	Dim     []*TensorShapeProto_Dimension
	Unknown []byte
}

// TensorShapeProto_Dimension is either a fixed value or a symbolic parameter.
type TensorShapeProto_Dimension struct {
	DimValue   int64
	DimParam   string
	Denotation string
	Unknown    []byte
}

// TensorProto holds a constant tensor.
type TensorProto struct {
	Dims         []int64
	DataType     int32
	FloatData    []float32
	Int32Data    []int32
	StringData   [][]byte
	Int64Data    []int64
	Name         string
	RawData      []byte
	DoubleData   []float64
	Uint64Data   []uint64
	DocString    string
	ExternalData []*StringStringEntryProto
	DataLocation int32
	Unknown      []byte
}
