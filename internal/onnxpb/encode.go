package onnxpb

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Marshal serializes the model. Unknown fields are written back after the modeled ones.
func Marshal(m *ModelProto) []byte {
	return m.marshal(nil)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendPackedVarints[T int32 | int64 | uint64](b []byte, num protowire.Number, values []T) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendMessage(b, num, packed)
}

func (m *ModelProto) marshal(b []byte) []byte {
	b = appendVarint(b, 1, uint64(m.IrVersion))
	b = appendString(b, 2, m.ProducerName)
	b = appendString(b, 3, m.ProducerVersion)
	b = appendString(b, 4, m.Domain)
	b = appendVarint(b, 5, uint64(m.ModelVersion))
	b = appendString(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendMessage(b, 7, m.Graph.marshal(nil))
	}
	for _, opset := range m.OpsetImport {
		b = appendMessage(b, 8, opset.marshal(nil))
	}
	for _, prop := range m.MetadataProps {
		b = appendMessage(b, 14, prop.marshal(nil))
	}
	return append(b, m.Unknown...)
}

func (o *OperatorSetIdProto) marshal(b []byte) []byte {
	b = appendString(b, 1, o.Domain)
	b = appendVarint(b, 2, uint64(o.Version))
	return append(b, o.Unknown...)
}

func (e *StringStringEntryProto) marshal(b []byte) []byte {
	b = appendString(b, 1, e.Key)
	b = appendString(b, 2, e.Value)
	return append(b, e.Unknown...)
}

func (g *GraphProto) marshal(b []byte) []byte {
	for _, node := range g.Node {
		b = appendMessage(b, 1, node.marshal(nil))
	}
	b = appendString(b, 2, g.Name)
	for _, t := range g.Initializer {
		b = appendMessage(b, 5, t.marshal(nil))
	}
	b = appendString(b, 10, g.DocString)
	for _, vi := range g.Input {
		b = appendMessage(b, 11, vi.marshal(nil))
	}
	for _, vi := range g.Output {
		b = appendMessage(b, 12, vi.marshal(nil))
	}
	for _, vi := range g.ValueInfo {
		b = appendMessage(b, 13, vi.marshal(nil))
	}
	return append(b, g.Unknown...)
}

func (node *NodeProto) marshal(b []byte) []byte {
	// Empty input names are meaningful (absent optional inputs), so they are always written.
	for _, input := range node.Input {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, input)
	}
	for _, output := range node.Output {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, output)
	}
	b = appendString(b, 3, node.Name)
	b = appendString(b, 4, node.OpType)
	for _, attr := range node.Attribute {
		b = appendMessage(b, 5, attr.marshal(nil))
	}
	b = appendString(b, 6, node.DocString)
	b = appendString(b, 7, node.Domain)
	b = appendString(b, 8, node.Overload)
	return append(b, node.Unknown...)
}

func (a *AttributeProto) marshal(b []byte) []byte {
	b = appendString(b, 1, a.Name)
	if a.Type == AttributeProto_FLOAT || a.F != 0 {
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	}
	if a.Type == AttributeProto_INT || a.I != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(a.I))
	}
	if a.S != nil || a.Type == AttributeProto_STRING {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, a.S)
	}
	if a.T != nil {
		b = appendMessage(b, 5, a.T.marshal(nil))
	}
	for _, f := range a.Floats {
		b = protowire.AppendTag(b, 7, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(f))
	}
	for _, i := range a.Ints {
		b = protowire.AppendTag(b, 8, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(i))
	}
	for _, s := range a.Strings {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, s)
	}
	for _, t := range a.Tensors {
		b = appendMessage(b, 10, t.marshal(nil))
	}
	b = appendString(b, 13, a.DocString)
	b = appendVarint(b, 20, uint64(a.Type))
	b = appendString(b, 21, a.RefAttrName)
	return append(b, a.Unknown...)
}

func (vi *ValueInfoProto) marshal(b []byte) []byte {
	b = appendString(b, 1, vi.Name)
	if vi.Type != nil {
		b = appendMessage(b, 2, vi.Type.marshal(nil))
	}
	b = appendString(b, 3, vi.DocString)
	return append(b, vi.Unknown...)
}

func (t *TypeProto) marshal(b []byte) []byte {
	if t.TensorType != nil {
		b = appendMessage(b, 1, t.TensorType.marshal(nil))
	}
	b = appendString(b, 6, t.Denotation)
	return append(b, t.Unknown...)
}

func (t *TypeProto_Tensor) marshal(b []byte) []byte {
	b = appendVarint(b, 1, uint64(t.ElemType))
	if t.Shape != nil {
		b = appendMessage(b, 2, t.Shape.marshal(nil))
	}
	return append(b, t.Unknown...)
}

func (s *TensorShapeProto) marshal(b []byte) []byte {
	for _, dim := range s.Dim {
		b = appendMessage(b, 1, dim.marshal(nil))
	}
	return append(b, s.Unknown...)
}

func (d *TensorShapeProto_Dimension) marshal(b []byte) []byte {
	if d.DimParam == "" {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d.DimValue))
	}
	b = appendString(b, 2, d.DimParam)
	b = appendString(b, 3, d.Denotation)
	return append(b, d.Unknown...)
}

func (t *TensorProto) marshal(b []byte) []byte {
	for _, dim := range t.Dims {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(dim))
	}
	b = appendVarint(b, 2, uint64(t.DataType))
	if len(t.FloatData) > 0 {
		var packed []byte
		for _, f := range t.FloatData {
			packed = protowire.AppendFixed32(packed, math.Float32bits(f))
		}
		b = appendMessage(b, 4, packed)
	}
	b = appendPackedVarints(b, 5, t.Int32Data)
	for _, s := range t.StringData {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, s)
	}
	b = appendPackedVarints(b, 7, t.Int64Data)
	b = appendString(b, 8, t.Name)
	if t.RawData != nil {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendBytes(b, t.RawData)
	}
	if len(t.DoubleData) > 0 {
		var packed []byte
		for _, f := range t.DoubleData {
			packed = protowire.AppendFixed64(packed, math.Float64bits(f))
		}
		b = appendMessage(b, 10, packed)
	}
	b = appendPackedVarints(b, 11, t.Uint64Data)
	b = appendString(b, 12, t.DocString)
	for _, entry := range t.ExternalData {
		b = appendMessage(b, 13, entry.marshal(nil))
	}
	b = appendVarint(b, 14, uint64(t.DataLocation))
	return append(b, t.Unknown...)
}
