package onnx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/onnxutils/internal/onnxpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMarshal(t *testing.T) {
	g := NewGraph("add", 14)
	g.Inputs = []string{"x"}
	g.Outputs = []string{"y"}
	g.SetValueInfo(&ValueInfo{Name: "x", DataType: Float, Dims: []int{-1, 3}, DimNames: []string{"batch", ""}, HasShape: true})
	g.SetValueInfo(&ValueInfo{Name: "y", DataType: Float, Dims: []int{-1, 3}, DimNames: []string{"batch", ""}, HasShape: true})
	bias, err := TensorFromGoMLX("bias", tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3))
	require.NoError(t, err)
	g.AddInitializer(bias)
	g.AddNode(NewNode("Add", []string{"x", "bias"}, []string{"y"}))
	g.Nodes[0].Name = "add0"
	require.NoError(t, g.Validate())

	contents, err := NewModel(g).Marshal()
	require.NoError(t, err)

	m, err := Parse(contents)
	require.NoError(t, err)
	assert.Equal(t, 14, m.OpsetVersion())
	assert.Equal(t, 14, m.Graph.OpsetVersion)
	assert.Equal(t, "onnxutils", m.Proto.ProducerName)
	assert.Equal(t, []string{"x"}, m.Graph.Inputs)
	assert.Equal(t, []string{"y"}, m.Graph.Outputs)
	require.Len(t, m.Graph.Nodes, 1)
	node := m.Graph.Nodes[0]
	assert.Equal(t, "Add", node.OpType)
	assert.Equal(t, "add0", node.Name)
	assert.Equal(t, 14, node.Version())

	vi, found := m.Graph.ValueInfo("x")
	require.True(t, found)
	assert.Equal(t, []int{-1, 3}, vi.Dims)
	assert.Equal(t, "batch", vi.DimNames[0])

	parsedBias, found := m.Graph.Initializer("bias")
	require.True(t, found)
	biasTensor, err := parsedBias.ToGoMLX()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, tensors.MustCopyFlatData[float32](biasTensor))
	assert.Contains(t, m.String(), "Add×1")
}

// TestInitializersListedAsInputs checks that older style models, which list initializers as graph inputs,
// don't expose them as inputs.
func TestInitializersListedAsInputs(t *testing.T) {
	proto := &onnxpb.ModelProto{
		IrVersion:   3,
		OpsetImport: []*onnxpb.OperatorSetIdProto{{Domain: "ai.onnx", Version: 13}},
		Graph: &onnxpb.GraphProto{
			Node: []*onnxpb.NodeProto{{OpType: "Add", Input: []string{"x", "w"}, Output: []string{"y"}}},
			Initializer: []*onnxpb.TensorProto{
				{Name: "w", DataType: int32(onnxpb.TensorProto_FLOAT), FloatData: []float32{1}},
			},
			Input:  []*onnxpb.ValueInfoProto{{Name: "x"}, {Name: "w"}},
			Output: []*onnxpb.ValueInfoProto{{Name: "y"}},
		},
	}
	m, err := Parse(onnxpb.Marshal(proto))
	require.NoError(t, err)
	assert.Equal(t, 13, m.OpsetVersion())
	assert.Equal(t, []string{"x"}, m.Graph.Inputs)
	assert.Equal(t, []string{"w"}, m.Graph.InitializerNames())
	require.NoError(t, m.Graph.Validate())
}

func TestParseErrors(t *testing.T) {
	_, err := Parse(onnxpb.Marshal(&onnxpb.ModelProto{IrVersion: 8}))
	require.ErrorContains(t, err, "no graph")

	_, err = Parse([]byte{0x0a, 0xff})
	require.Error(t, err)
}

func TestReadFileExternalData(t *testing.T) {
	dir := t.TempDir()
	// Two float32 values, 1.0 and 2.0, after 4 bytes of padding.
	data := []byte{0, 0, 0, 0, 0x00, 0x00, 0x80, 0x3f, 0x00, 0x00, 0x00, 0x40}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "weights.bin"), data, 0o644))

	proto := &onnxpb.ModelProto{
		IrVersion:   8,
		OpsetImport: []*onnxpb.OperatorSetIdProto{{Version: 13}},
		Graph: &onnxpb.GraphProto{
			Node: []*onnxpb.NodeProto{{OpType: "Identity", Input: []string{"w"}, Output: []string{"y"}}},
			Initializer: []*onnxpb.TensorProto{{
				Name:         "w",
				Dims:         []int64{2},
				DataType:     int32(onnxpb.TensorProto_FLOAT),
				DataLocation: dataLocationExternal,
				ExternalData: []*onnxpb.StringStringEntryProto{
					{Key: "location", Value: "weights.bin"},
					{Key: "offset", Value: "4"},
				},
			}},
			Output: []*onnxpb.ValueInfoProto{{Name: "y"}},
		},
	}
	modelPath := filepath.Join(dir, "model.onnx")
	require.NoError(t, os.WriteFile(modelPath, onnxpb.Marshal(proto), 0o644))

	m, err := ReadFile(modelPath)
	require.NoError(t, err)
	w, found := m.Graph.Initializer("w")
	require.True(t, found)
	assert.Nil(t, w.External)
	wTensor, err := w.ToGoMLX()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, tensors.MustCopyFlatData[float32](wTensor))
}

func TestDataType(t *testing.T) {
	for _, dt := range []DataType{Int32, Int64, Uint8, Int8, Uint16, Int16, Uint32, Uint64} {
		assert.True(t, dt.IsInteger(), "%s", dt)
		assert.False(t, dt.IsFloat(), "%s", dt)
	}
	for _, dt := range []DataType{Float, Double, Float16, BFloat16} {
		assert.False(t, dt.IsInteger(), "%s", dt)
		assert.True(t, dt.IsFloat(), "%s", dt)
	}
	assert.False(t, Bool.IsInteger())
	assert.Equal(t, "FLOAT", Float.String())
}
