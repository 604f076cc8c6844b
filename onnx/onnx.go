// Package onnx provides the mutable graph model of an ONNX model, used by the optimizer passes and the
// lowering to GoMLX.
//
//   - Parse: converts a serialized ONNX ModelProto to a Model.
//   - ReadFile: reads a file (and any external data it references) and calls Parse.
//   - Model: holds the model metadata and its Graph. Model.Marshal serializes it back.
//   - Graph: nodes, value infos, initializers and the graph interface, with the operations passes need to
//     rewrite it (NodesByOpType, RemapInputNames, RemoveNodes, ...).
package onnx

import (
	"os"
	"path/filepath"

	"github.com/gomlx/onnxutils/internal/onnxpb"
	"github.com/pkg/errors"
)

// Model represents a parsed ONNX file.
type Model struct {
	// Proto holds the model level metadata (producer, IR version, opsets, ...).
	// Its Graph field is not used: Graph is regenerated from Model.Graph by Marshal.
	Proto *onnxpb.ModelProto

	// Graph is the main graph of the model.
	Graph *Graph

	// graphUnknown holds the raw fields of the GraphProto not modeled by Graph (e.g. sparse initializers).
	graphUnknown []byte
}

// Parse parses an ONNX model into the Graph representation.
//
// Tensors with external data are not loaded: use ReadFile for that, or load them with an ExternalDataReader.
func Parse(contents []byte) (*Model, error) {
	proto, err := onnxpb.Unmarshal(contents)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse ONNX model proto")
	}
	if proto.Graph == nil {
		return nil, errors.New("ONNX model has no graph")
	}
	m := &Model{Proto: proto, graphUnknown: proto.Graph.Unknown}
	m.Graph, err = graphFromProto(proto.Graph, m.OpsetVersion())
	if err != nil {
		return nil, errors.WithMessage(err, "failed to convert ONNX graph")
	}
	proto.Graph = nil
	return m, nil
}

// ReadFile parses an ONNX model file. Initializers stored as external data are loaded from files relative
// to the model directory.
func ReadFile(filePath string) (*Model, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read ONNX model file in %s", filePath)
	}
	m, err := Parse(contents)
	if err != nil {
		return nil, err
	}
	reader := NewExternalDataReader(filepath.Dir(filePath))
	defer func() { _ = reader.Close() }()
	for t := range m.Graph.Initializers() {
		if err := reader.Load(t); err != nil {
			return nil, errors.WithMessagef(err, "loading external data of initializer %q", t.Name)
		}
	}
	return m, nil
}

// OpsetVersion returns the version of the default operator set ("" or "ai.onnx" domain) imported by the model,
// or 0 if not declared.
func (m *Model) OpsetVersion() int {
	for _, opset := range m.Proto.OpsetImport {
		if opset.Domain == "" || opset.Domain == "ai.onnx" {
			return int(opset.Version)
		}
	}
	return 0
}

// Marshal serializes the model, with its current Graph.
func (m *Model) Marshal() ([]byte, error) {
	graphProto, err := graphToProto(m.Graph)
	if err != nil {
		return nil, err
	}
	graphProto.Unknown = m.graphUnknown
	proto := *m.Proto
	proto.Graph = graphProto
	return onnxpb.Marshal(&proto), nil
}

// WriteFile serializes the model to filePath.
func (m *Model) WriteFile(filePath string) error {
	contents, err := m.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filePath, contents, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write ONNX model to %s", filePath)
	}
	return nil
}

// NewModel wraps a graph into a model importing the graph opset version.
func NewModel(g *Graph) *Model {
	return &Model{
		Proto: &onnxpb.ModelProto{
			IrVersion:    8,
			ProducerName: "onnxutils",
			OpsetImport:  []*onnxpb.OperatorSetIdProto{{Version: int64(g.OpsetVersion)}},
		},
		Graph: g,
	}
}
