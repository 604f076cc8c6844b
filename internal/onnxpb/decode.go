package onnxpb

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Unmarshal parses the serialized ONNX model in b.
func Unmarshal(b []byte) (*ModelProto, error) {
	m := &ModelProto{}
	if err := m.unmarshal(b); err != nil {
		return nil, errors.WithMessage(err, "decoding onnx.ModelProto")
	}
	return m, nil
}

// fieldDecoder decodes the value of one field, given its number and wire type, from the start of b.
// It returns the number of bytes consumed, or -1 if the field is not modeled.
type fieldDecoder func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// decodeMessage walks all fields of a message. Fields not handled by decode are appended verbatim to unknown.
func decodeMessage(b []byte, unknown *[]byte, decode fieldDecoder) error {
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return protowire.ParseError(tagLen)
		}
		field := b
		b = b[tagLen:]
		n, err := decode(num, typ, b)
		if err != nil {
			return errors.WithMessagef(err, "field #%d", num)
		}
		if n < 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return errors.WithMessagef(protowire.ParseError(n), "field #%d", num)
			}
			*unknown = append(*unknown, field[:tagLen+n]...)
		}
		b = b[n:]
	}
	return nil
}

func wrongType(want, got protowire.Type) error {
	return errors.Errorf("wrong wire type %d, expected %d", got, want)
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, wrongType(protowire.BytesType, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	v, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	*dst = string(v)
	return n, nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, wrongType(protowire.VarintType, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeInt64(typ protowire.Type, b []byte, dst *int64) (int, error) {
	v, n, err := consumeVarint(typ, b)
	*dst = int64(v)
	return n, err
}

func consumeInt32(typ protowire.Type, b []byte, dst *int32) (int, error) {
	v, n, err := consumeVarint(typ, b)
	*dst = int32(v)
	return n, err
}

func consumeFloat32(typ protowire.Type, b []byte, dst *float32) (int, error) {
	if typ != protowire.Fixed32Type {
		return 0, wrongType(protowire.Fixed32Type, typ)
	}
	v, n := protowire.ConsumeFixed32(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = math.Float32frombits(v)
	return n, nil
}

// appendRepeatedVarints decodes either a packed or a single unpacked varint element.
func appendRepeatedVarints[T int32 | int64 | uint64](typ protowire.Type, b []byte, dst *[]T) (int, error) {
	if typ == protowire.VarintType {
		v, n, err := consumeVarint(typ, b)
		if err != nil {
			return 0, err
		}
		*dst = append(*dst, T(v))
		return n, nil
	}
	packed, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return 0, protowire.ParseError(m)
		}
		*dst = append(*dst, T(v))
		packed = packed[m:]
	}
	return n, nil
}

func appendRepeatedFloat32s(typ protowire.Type, b []byte, dst *[]float32) (int, error) {
	if typ == protowire.Fixed32Type {
		var v float32
		n, err := consumeFloat32(typ, b, &v)
		if err != nil {
			return 0, err
		}
		*dst = append(*dst, v)
		return n, nil
	}
	packed, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeFixed32(packed)
		if m < 0 {
			return 0, protowire.ParseError(m)
		}
		*dst = append(*dst, math.Float32frombits(v))
		packed = packed[m:]
	}
	return n, nil
}

func appendRepeatedFloat64s(typ protowire.Type, b []byte, dst *[]float64) (int, error) {
	if typ == protowire.Fixed64Type {
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		*dst = append(*dst, math.Float64frombits(v))
		return n, nil
	}
	packed, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeFixed64(packed)
		if m < 0 {
			return 0, protowire.ParseError(m)
		}
		*dst = append(*dst, math.Float64frombits(v))
		packed = packed[m:]
	}
	return n, nil
}

// consumeMessage decodes an embedded message with the given unmarshal function.
func consumeMessage[T any](typ protowire.Type, b []byte, unmarshal func(*T, []byte) error) (*T, int, error) {
	v, n, err := consumeBytes(typ, b)
	if err != nil {
		return nil, 0, err
	}
	msg := new(T)
	if err := unmarshal(msg, v); err != nil {
		return nil, 0, err
	}
	return msg, n, nil
}

func (m *ModelProto) unmarshal(b []byte) error {
	return decodeMessage(b, &m.Unknown, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt64(typ, b, &m.IrVersion)
		case 2:
			return consumeString(typ, b, &m.ProducerName)
		case 3:
			return consumeString(typ, b, &m.ProducerVersion)
		case 4:
			return consumeString(typ, b, &m.Domain)
		case 5:
			return consumeInt64(typ, b, &m.ModelVersion)
		case 6:
			return consumeString(typ, b, &m.DocString)
		case 7:
			g, n, err := consumeMessage(typ, b, (*GraphProto).unmarshal)
			m.Graph = g
			return n, err
		case 8:
			opset, n, err := consumeMessage(typ, b, (*OperatorSetIdProto).unmarshal)
			if err == nil {
				m.OpsetImport = append(m.OpsetImport, opset)
			}
			return n, err
		case 14:
			prop, n, err := consumeMessage(typ, b, (*StringStringEntryProto).unmarshal)
			if err == nil {
				m.MetadataProps = append(m.MetadataProps, prop)
			}
			return n, err
		}
		return -1, nil
	})
}

func (o *OperatorSetIdProto) unmarshal(b []byte) error {
	return decodeMessage(b, &o.Unknown, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &o.Domain)
		case 2:
			return consumeInt64(typ, b, &o.Version)
		}
		return -1, nil
	})
}

func (e *StringStringEntryProto) unmarshal(b []byte) error {
	return decodeMessage(b, &e.Unknown, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &e.Key)
		case 2:
			return consumeString(typ, b, &e.Value)
		}
		return -1, nil
	})
}

func (g *GraphProto) unmarshal(b []byte) error {
	appendValueInfo := func(dst *[]*ValueInfoProto, typ protowire.Type, b []byte) (int, error) {
		vi, n, err := consumeMessage(typ, b, (*ValueInfoProto).unmarshal)
		if err == nil {
			*dst = append(*dst, vi)
		}
		return n, err
	}
	return decodeMessage(b, &g.Unknown, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			node, n, err := consumeMessage(typ, b, (*NodeProto).unmarshal)
			if err == nil {
				g.Node = append(g.Node, node)
			}
			return n, err
		case 2:
			return consumeString(typ, b, &g.Name)
		case 5:
			t, n, err := consumeMessage(typ, b, (*TensorProto).unmarshal)
			if err == nil {
				g.Initializer = append(g.Initializer, t)
			}
			return n, err
		case 10:
			return consumeString(typ, b, &g.DocString)
		case 11:
			return appendValueInfo(&g.Input, typ, b)
		case 12:
			return appendValueInfo(&g.Output, typ, b)
		case 13:
			return appendValueInfo(&g.ValueInfo, typ, b)
		}
		return -1, nil
	})
}

func (node *NodeProto) unmarshal(b []byte) error {
	appendString := func(dst *[]string, typ protowire.Type, b []byte) (int, error) {
		var s string
		n, err := consumeString(typ, b, &s)
		if err == nil {
			*dst = append(*dst, s)
		}
		return n, err
	}
	return decodeMessage(b, &node.Unknown, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return appendString(&node.Input, typ, b)
		case 2:
			return appendString(&node.Output, typ, b)
		case 3:
			return consumeString(typ, b, &node.Name)
		case 4:
			return consumeString(typ, b, &node.OpType)
		case 5:
			attr, n, err := consumeMessage(typ, b, (*AttributeProto).unmarshal)
			if err == nil {
				node.Attribute = append(node.Attribute, attr)
			}
			return n, err
		case 6:
			return consumeString(typ, b, &node.DocString)
		case 7:
			return consumeString(typ, b, &node.Domain)
		case 8:
			return consumeString(typ, b, &node.Overload)
		}
		return -1, nil
	})
}

func (a *AttributeProto) unmarshal(b []byte) error {
	return decodeMessage(b, &a.Unknown, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &a.Name)
		case 2:
			return consumeFloat32(typ, b, &a.F)
		case 3:
			return consumeInt64(typ, b, &a.I)
		case 4:
			v, n, err := consumeBytes(typ, b)
			a.S = append([]byte(nil), v...)
			return n, err
		case 5:
			t, n, err := consumeMessage(typ, b, (*TensorProto).unmarshal)
			a.T = t
			return n, err
		case 7:
			return appendRepeatedFloat32s(typ, b, &a.Floats)
		case 8:
			return appendRepeatedVarints(typ, b, &a.Ints)
		case 9:
			v, n, err := consumeBytes(typ, b)
			if err == nil {
				a.Strings = append(a.Strings, append([]byte(nil), v...))
			}
			return n, err
		case 10:
			t, n, err := consumeMessage(typ, b, (*TensorProto).unmarshal)
			if err == nil {
				a.Tensors = append(a.Tensors, t)
			}
			return n, err
		case 13:
			return consumeString(typ, b, &a.DocString)
		case 20:
			var v int32
			n, err := consumeInt32(typ, b, &v)
			a.Type = AttributeProto_AttributeType(v)
			return n, err
		case 21:
			return consumeString(typ, b, &a.RefAttrName)
		}
		return -1, nil
	})
}

func (vi *ValueInfoProto) unmarshal(b []byte) error {
	return decodeMessage(b, &vi.Unknown, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &vi.Name)
		case 2:
			t, n, err := consumeMessage(typ, b, (*TypeProto).unmarshal)
			vi.Type = t
			return n, err
		case 3:
			return consumeString(typ, b, &vi.DocString)
		}
		return -1, nil
	})
}

func (t *TypeProto) unmarshal(b []byte) error {
	return decodeMessage(b, &t.Unknown, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			tt, n, err := consumeMessage(typ, b, (*TypeProto_Tensor).unmarshal)
			t.TensorType = tt
			return n, err
		case 6:
			return consumeString(typ, b, &t.Denotation)
		}
		return -1, nil
	})
}

func (t *TypeProto_Tensor) unmarshal(b []byte) error {
	return decodeMessage(b, &t.Unknown, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt32(typ, b, &t.ElemType)
		case 2:
			shape, n, err := consumeMessage(typ, b, (*TensorShapeProto).unmarshal)
			t.Shape = shape
			return n, err
		}
		return -1, nil
	})
}

func (s *TensorShapeProto) unmarshal(b []byte) error {
	return decodeMessage(b, &s.Unknown, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			dim, n, err := consumeMessage(typ, b, (*TensorShapeProto_Dimension).unmarshal)
			if err == nil {
				s.Dim = append(s.Dim, dim)
			}
			return n, err
		}
		return -1, nil
	})
}

func (d *TensorShapeProto_Dimension) unmarshal(b []byte) error {
	return decodeMessage(b, &d.Unknown, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt64(typ, b, &d.DimValue)
		case 2:
			return consumeString(typ, b, &d.DimParam)
		case 3:
			return consumeString(typ, b, &d.Denotation)
		}
		return -1, nil
	})
}

func (t *TensorProto) unmarshal(b []byte) error {
	return decodeMessage(b, &t.Unknown, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return appendRepeatedVarints(typ, b, &t.Dims)
		case 2:
			return consumeInt32(typ, b, &t.DataType)
		case 4:
			return appendRepeatedFloat32s(typ, b, &t.FloatData)
		case 5:
			return appendRepeatedVarints(typ, b, &t.Int32Data)
		case 6:
			v, n, err := consumeBytes(typ, b)
			if err == nil {
				t.StringData = append(t.StringData, append([]byte(nil), v...))
			}
			return n, err
		case 7:
			return appendRepeatedVarints(typ, b, &t.Int64Data)
		case 8:
			return consumeString(typ, b, &t.Name)
		case 9:
			v, n, err := consumeBytes(typ, b)
			t.RawData = append([]byte{}, v...)
			return n, err
		case 10:
			return appendRepeatedFloat64s(typ, b, &t.DoubleData)
		case 11:
			return appendRepeatedVarints(typ, b, &t.Uint64Data)
		case 12:
			return consumeString(typ, b, &t.DocString)
		case 13:
			entry, n, err := consumeMessage(typ, b, (*StringStringEntryProto).unmarshal)
			if err == nil {
				t.ExternalData = append(t.ExternalData, entry)
			}
			return n, err
		case 14:
			return consumeInt32(typ, b, &t.DataLocation)
		}
		return -1, nil
	})
}
