package onnx

import (
	"github.com/gomlx/onnxutils/internal/onnxpb"
	"github.com/pkg/errors"
)

// This file converts between the wire messages and the Graph model.

// dataLocationExternal is TensorProto.DataLocation EXTERNAL.
const dataLocationExternal = 1

func graphFromProto(proto *onnxpb.GraphProto, opsetVersion int) (*Graph, error) {
	g := NewGraph(proto.Name, opsetVersion)
	for _, tp := range proto.Initializer {
		t, err := tensorFromProto(tp)
		if err != nil {
			return nil, err
		}
		if _, found := g.initializers[t.Name]; found {
			return nil, errors.Errorf("initializer %q defined twice", t.Name)
		}
		g.AddInitializer(t)
	}

	// Inputs, outputs and intermediary value infos are all merged in the graph value infos.
	for _, vi := range proto.Input {
		g.SetValueInfo(valueInfoFromProto(vi))
		// Older IR versions list initializers as inputs as well (as their default value).
		if _, isInitializer := g.initializers[vi.Name]; !isInitializer {
			g.Inputs = append(g.Inputs, vi.Name)
		}
	}
	for _, vi := range proto.Output {
		g.SetValueInfo(valueInfoFromProto(vi))
		g.Outputs = append(g.Outputs, vi.Name)
	}
	for _, vi := range proto.ValueInfo {
		g.SetValueInfo(valueInfoFromProto(vi))
	}

	for ii, np := range proto.Node {
		if np.Overload != "" {
			return nil, errors.Errorf("node #%d (%s): overload %q to in-model function not supported", ii, np.OpType, np.Overload)
		}
		node := &Node{
			Name:    np.Name,
			OpType:  np.OpType,
			Domain:  np.Domain,
			Inputs:  np.Input,
			Outputs: np.Output,
		}
		for _, ap := range np.Attribute {
			attr, err := attributeFromProto(ap)
			if err != nil {
				return nil, errors.WithMessagef(err, "node #%d %s", ii, node)
			}
			node.Attributes = append(node.Attributes, attr)
		}
		g.AddNode(node)
	}
	return g, nil
}

func valueInfoFromProto(proto *onnxpb.ValueInfoProto) *ValueInfo {
	vi := &ValueInfo{Name: proto.Name}
	if proto.Type == nil || proto.Type.TensorType == nil {
		return vi
	}
	tt := proto.Type.TensorType
	vi.DataType = DataType(tt.ElemType)
	if tt.Shape != nil {
		vi.HasShape = true
		vi.Dims = make([]int, len(tt.Shape.Dim))
		vi.DimNames = make([]string, len(tt.Shape.Dim))
		for axis, dim := range tt.Shape.Dim {
			if dim.DimParam != "" {
				vi.Dims[axis] = -1
				vi.DimNames[axis] = dim.DimParam
			} else {
				vi.Dims[axis] = int(dim.DimValue)
			}
		}
	}
	return vi
}

func tensorFromProto(proto *onnxpb.TensorProto) (*Tensor, error) {
	if proto == nil {
		return nil, errors.New("ONNX TensorProto is nil")
	}
	t := &Tensor{
		Name:       proto.Name,
		DataType:   DataType(proto.DataType),
		Dims:       toInts(proto.Dims),
		RawData:    proto.RawData,
		FloatData:  proto.FloatData,
		DoubleData: proto.DoubleData,
		Int32Data:  proto.Int32Data,
		Int64Data:  proto.Int64Data,
		Uint64Data: proto.Uint64Data,
	}
	if proto.DataLocation == dataLocationExternal {
		entries := make(map[string]string, len(proto.ExternalData))
		for _, entry := range proto.ExternalData {
			entries[entry.Key] = entry.Value
		}
		var err error
		t.External, err = parseExternalData(entries)
		if err != nil {
			return nil, errors.WithMessagef(err, "tensor %q", proto.Name)
		}
	}
	return t, nil
}

func attributeFromProto(proto *onnxpb.AttributeProto) (*Attribute, error) {
	attr := &Attribute{Name: proto.Name, Type: AttributeType(proto.Type)}
	switch attr.Type {
	case AttrFloat:
		attr.F = proto.F
	case AttrInt:
		attr.I = proto.I
	case AttrString:
		attr.S = string(proto.S)
	case AttrTensor:
		t, err := tensorFromProto(proto.T)
		if err != nil {
			return nil, errors.WithMessagef(err, "attribute %q", proto.Name)
		}
		attr.T = t
	case AttrFloats:
		attr.Floats = proto.Floats
	case AttrInts:
		attr.Ints = proto.Ints
	case AttrStrings:
		attr.Strings = make([]string, len(proto.Strings))
		for ii, s := range proto.Strings {
			attr.Strings[ii] = string(s)
		}
	default:
		attr.unmodeled = proto
	}
	return attr, nil
}

func graphToProto(g *Graph) (*onnxpb.GraphProto, error) {
	proto := &onnxpb.GraphProto{Name: g.Name}
	for _, node := range g.Nodes {
		np := &onnxpb.NodeProto{
			Name:   node.Name,
			OpType: node.OpType,
			Domain: node.Domain,
			Input:  node.Inputs,
			Output: node.Outputs,
		}
		for _, attr := range node.Attributes {
			ap, err := attributeToProto(attr)
			if err != nil {
				return nil, errors.WithMessagef(err, "node %s", node)
			}
			np.Attribute = append(np.Attribute, ap)
		}
		proto.Node = append(proto.Node, np)
	}
	for t := range g.Initializers() {
		tp, err := tensorToProto(t)
		if err != nil {
			return nil, err
		}
		proto.Initializer = append(proto.Initializer, tp)
	}

	interfaceNames := make(map[string]bool)
	valueInfoOrDefault := func(name string) *onnxpb.ValueInfoProto {
		interfaceNames[name] = true
		if vi, found := g.valueInfo[name]; found {
			return valueInfoToProto(vi)
		}
		return &onnxpb.ValueInfoProto{Name: name}
	}
	for _, name := range g.Inputs {
		proto.Input = append(proto.Input, valueInfoOrDefault(name))
	}
	for _, name := range g.Outputs {
		proto.Output = append(proto.Output, valueInfoOrDefault(name))
	}
	for _, name := range g.valueInfoNames {
		if interfaceNames[name] {
			continue
		}
		if _, isInitializer := g.initializers[name]; isInitializer {
			continue
		}
		proto.ValueInfo = append(proto.ValueInfo, valueInfoToProto(g.valueInfo[name]))
	}
	return proto, nil
}

func valueInfoToProto(vi *ValueInfo) *onnxpb.ValueInfoProto {
	proto := &onnxpb.ValueInfoProto{Name: vi.Name}
	if vi.DataType == Undefined && !vi.HasShape {
		return proto
	}
	tt := &onnxpb.TypeProto_Tensor{ElemType: int32(vi.DataType)}
	if vi.HasShape {
		tt.Shape = &onnxpb.TensorShapeProto{}
		for axis, dim := range vi.Dims {
			d := &onnxpb.TensorShapeProto_Dimension{}
			if dim < 0 && axis < len(vi.DimNames) && vi.DimNames[axis] != "" {
				d.DimParam = vi.DimNames[axis]
			} else {
				d.DimValue = int64(dim)
			}
			tt.Shape.Dim = append(tt.Shape.Dim, d)
		}
	}
	proto.Type = &onnxpb.TypeProto{TensorType: tt}
	return proto
}

func tensorToProto(t *Tensor) (*onnxpb.TensorProto, error) {
	if t.External != nil {
		return nil, errors.Errorf("tensor %s: writing back external data is not supported", t)
	}
	dims := make([]int64, len(t.Dims))
	for ii, dim := range t.Dims {
		dims[ii] = int64(dim)
	}
	return &onnxpb.TensorProto{
		Name:       t.Name,
		DataType:   int32(t.DataType),
		Dims:       dims,
		RawData:    t.RawData,
		FloatData:  t.FloatData,
		DoubleData: t.DoubleData,
		Int32Data:  t.Int32Data,
		Int64Data:  t.Int64Data,
		Uint64Data: t.Uint64Data,
	}, nil
}

func attributeToProto(attr *Attribute) (*onnxpb.AttributeProto, error) {
	if attr.unmodeled != nil {
		return attr.unmodeled, nil
	}
	proto := &onnxpb.AttributeProto{Name: attr.Name, Type: onnxpb.AttributeProto_AttributeType(attr.Type)}
	switch attr.Type {
	case AttrFloat:
		proto.F = attr.F
	case AttrInt:
		proto.I = attr.I
	case AttrString:
		proto.S = []byte(attr.S)
	case AttrTensor:
		tp, err := tensorToProto(attr.T)
		if err != nil {
			return nil, errors.WithMessagef(err, "attribute %q", attr.Name)
		}
		proto.T = tp
	case AttrFloats:
		proto.Floats = attr.Floats
	case AttrInts:
		proto.Ints = attr.Ints
	case AttrStrings:
		for _, s := range attr.Strings {
			proto.Strings = append(proto.Strings, []byte(s))
		}
	default:
		return nil, errors.Errorf("attribute %q of type %s cannot be serialized", attr.Name, attr.Type)
	}
	return proto, nil
}
