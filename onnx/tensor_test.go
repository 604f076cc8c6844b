package onnx

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	t.Run("NilTensor", func(t *testing.T) {
		var tensor *Tensor
		_, err := tensor.Shape()
		require.ErrorContains(t, err, "nil")
	})

	t.Run("Float32Scalar", func(t *testing.T) {
		shape, err := (&Tensor{DataType: Float}).Shape()
		require.NoError(t, err)
		require.Equal(t, dtypes.Float32, shape.DType)
		require.Equal(t, 0, shape.Rank())
	})

	t.Run("Int32_2D", func(t *testing.T) {
		shape, err := (&Tensor{DataType: Int32, Dims: []int{3, 4}}).Shape()
		require.NoError(t, err)
		require.Equal(t, dtypes.Int32, shape.DType)
		require.Equal(t, []int{3, 4}, shape.Dimensions)
	})

	t.Run("Unsupported", func(t *testing.T) {
		_, err := (&Tensor{DataType: String}).Shape()
		require.Error(t, err)
	})

	t.Run("NegativeDims", func(t *testing.T) {
		tensor := &Tensor{Name: "w", DataType: Float, Dims: []int{2, -1}, RawData: []byte{0, 0, 0, 0}}
		_, err := tensor.Shape()
		require.ErrorContains(t, err, "negative")
		require.NotPanics(t, func() {
			_, err = tensor.ToGoMLX()
		})
		require.Error(t, err)
	})
}

func TestTensorToGoMLX(t *testing.T) {
	t.Run("FloatData", func(t *testing.T) {
		tensor, err := (&Tensor{Dims: []int{2, 2}, DataType: Float, FloatData: []float32{1, 2, 3, 4}}).ToGoMLX()
		require.NoError(t, err)
		require.Equal(t, []int{2, 2}, tensor.Shape().Dimensions)
		require.Equal(t, []float32{1, 2, 3, 4}, tensors.MustCopyFlatData[float32](tensor))
	})

	t.Run("Int32DataAsUint8", func(t *testing.T) {
		tensor, err := (&Tensor{Dims: []int{3}, DataType: Uint8, Int32Data: []int32{1, 2, 255}}).ToGoMLX()
		require.NoError(t, err)
		require.Equal(t, dtypes.Uint8, tensor.Shape().DType)
		require.Equal(t, []uint8{1, 2, 255}, tensors.MustCopyFlatData[uint8](tensor))
	})

	t.Run("Int32DataAsBool", func(t *testing.T) {
		tensor, err := (&Tensor{Dims: []int{2}, DataType: Bool, Int32Data: []int32{0, 1}}).ToGoMLX()
		require.NoError(t, err)
		require.Equal(t, []bool{false, true}, tensors.MustCopyFlatData[bool](tensor))
	})

	t.Run("RawData", func(t *testing.T) {
		tensor, err := (&Tensor{Dims: []int{2}, DataType: Int32, RawData: []byte{1, 0, 0, 0, 0xff, 0xff, 0xff, 0xff}}).ToGoMLX()
		require.NoError(t, err)
		require.Equal(t, []int32{1, -1}, tensors.MustCopyFlatData[int32](tensor))
	})

	t.Run("RawDataWrongSize", func(t *testing.T) {
		_, err := (&Tensor{Dims: []int{2}, DataType: Int32, RawData: []byte{1, 0, 0, 0}}).ToGoMLX()
		require.ErrorContains(t, err, "raw-data")
	})

	t.Run("WrongNumberOfValues", func(t *testing.T) {
		_, err := (&Tensor{Dims: []int{3}, DataType: Int64, Int64Data: []int64{1}}).ToGoMLX()
		require.Error(t, err)
	})

	t.Run("NotLoadedExternal", func(t *testing.T) {
		_, err := (&Tensor{Dims: []int{3}, DataType: Int64, External: &ExternalData{Location: "w.bin"}}).ToGoMLX()
		require.ErrorContains(t, err, "w.bin")
	})
}

func TestTensorFromGoMLX(t *testing.T) {
	original := tensors.FromFlatDataAndDimensions([]float64{0.5, -1, 2, 4, 8, 16}, 2, 3)
	onnxTensor, err := TensorFromGoMLX("w", original)
	require.NoError(t, err)
	require.Equal(t, Double, onnxTensor.DataType)
	require.Equal(t, []int{2, 3}, onnxTensor.Dims)
	require.Len(t, onnxTensor.RawData, 6*8)

	back, err := onnxTensor.ToGoMLX()
	require.NoError(t, err)
	require.Equal(t, []float64{0.5, -1, 2, 4, 8, 16}, tensors.MustCopyFlatData[float64](back))
}
