package onnx

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Tensor is a constant tensor of the model: an initializer or the value of a TENSOR attribute.
//
// The values are held either as little-endian RawData, or in the typed field matching DataType, following
// the ONNX conventions (e.g.: INT8, UINT8, INT16, UINT16 and BOOL values are stored in Int32Data).
type Tensor struct {
	Name     string
	DataType DataType
	Dims     []int

	RawData    []byte
	FloatData  []float32
	DoubleData []float64
	Int32Data  []int32
	Int64Data  []int64
	Uint64Data []uint64

	// External is set if the data is stored outside the model file and has not been loaded, see ReadFile.
	External *ExternalData
}

// Size returns the number of elements of the tensor.
func (t *Tensor) Size() int {
	size := 1
	for _, dim := range t.Dims {
		size *= dim
	}
	return size
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil tensor>"
	}
	return fmt.Sprintf("%q: %s%v", t.Name, t.DataType, t.Dims)
}

// Shape converts the ONNX data type and dimensions to GoMLX shapes.Shape (it includes the dtype).
func (t *Tensor) Shape() (shape shapes.Shape, err error) {
	if t == nil {
		err = errors.New("ONNX Tensor is nil")
		return
	}
	shape.DType, err = t.DataType.DType()
	if err != nil {
		return
	}
	if slices.ContainsFunc(t.Dims, func(dim int) bool { return dim < 0 }) {
		err = errors.Errorf("ONNX tensor %q has invalid negative dimensions %v", t.Name, t.Dims)
		return
	}
	shape.Dimensions = slices.Clone(t.Dims)
	if shape.Dimensions == nil {
		shape.Dimensions = []int{}
	}
	return
}

// tensorElement are the element types that can be copied between ONNX tensors and GoMLX tensors.
type tensorElement interface {
	bool | float32 | float64 | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64
}

// fromRawData decodes little-endian values.
func fromRawData[T tensorElement](t *Tensor, shape shapes.Shape) (*tensors.Tensor, error) {
	data := make([]T, shape.Size())
	if want := binary.Size(data); want != len(t.RawData) {
		return nil, errors.Errorf("tensor %q shaped %s uses %d bytes, but ONNX model provided %d bytes of raw-data!?",
			t.Name, shape, want, len(t.RawData))
	}
	if err := binary.Read(bytes.NewReader(t.RawData), binary.LittleEndian, data); err != nil {
		return nil, errors.Wrapf(err, "decoding raw-data of tensor %q", t.Name)
	}
	return tensors.FromFlatDataAndDimensions(data, shape.Dimensions...), nil
}

// fromTypedData converts values stored in one of the typed fields, possibly in a wider type.
func fromTypedData[T tensorElement, From int32 | int64 | uint64 | float32 | float64](t *Tensor, values []From, shape shapes.Shape) (*tensors.Tensor, error) {
	if len(values) != shape.Size() {
		return nil, errors.Errorf("tensor %q shaped %s has size %d , but ONNX model provided a slice with %d values!?",
			t.Name, shape, shape.Size(), len(values))
	}
	data := make([]T, len(values))
	for ii, v := range values {
		data[ii] = convertElement[T](v)
	}
	return tensors.FromFlatDataAndDimensions(data, shape.Dimensions...), nil
}

func convertElement[T tensorElement, From int32 | int64 | uint64 | float32 | float64](v From) T {
	var zero T
	if _, isBool := any(zero).(bool); isBool {
		return any(v != 0).(T)
	}
	switch any(zero).(type) {
	case float32:
		return any(float32(v)).(T)
	case float64:
		return any(float64(v)).(T)
	case int8:
		return any(int8(v)).(T)
	case int16:
		return any(int16(v)).(T)
	case int32:
		return any(int32(v)).(T)
	case int64:
		return any(int64(v)).(T)
	case uint8:
		return any(uint8(v)).(T)
	case uint16:
		return any(uint16(v)).(T)
	case uint32:
		return any(uint32(v)).(T)
	default:
		return any(uint64(v)).(T)
	}
}

// ToGoMLX converts the tensor to a GoMLX tensor, handling errors and the different ways ONNX stores data.
func (t *Tensor) ToGoMLX() (*tensors.Tensor, error) {
	shape, err := t.Shape()
	if err != nil {
		return nil, errors.WithMessagef(err, "while parsing tensor %s", t)
	}
	if t.External != nil {
		return nil, errors.Errorf("tensor %s data is stored externally in %q and was not loaded", t, t.External.Location)
	}

	if t.RawData != nil {
		switch shape.DType {
		case dtypes.Float32:
			return fromRawData[float32](t, shape)
		case dtypes.Float64:
			return fromRawData[float64](t, shape)
		case dtypes.Int8:
			return fromRawData[int8](t, shape)
		case dtypes.Int16:
			return fromRawData[int16](t, shape)
		case dtypes.Int32:
			return fromRawData[int32](t, shape)
		case dtypes.Int64:
			return fromRawData[int64](t, shape)
		case dtypes.Uint8:
			return fromRawData[uint8](t, shape)
		case dtypes.Uint16:
			return fromRawData[uint16](t, shape)
		case dtypes.Uint32:
			return fromRawData[uint32](t, shape)
		case dtypes.Uint64:
			return fromRawData[uint64](t, shape)
		case dtypes.Bool:
			return fromRawData[bool](t, shape)
		}
		return nil, errors.Errorf("tensor %s: raw-data for dtype %s not supported", t, shape.DType)
	}

	switch {
	case t.FloatData != nil && shape.DType == dtypes.Float32:
		return fromTypedData[float32](t, t.FloatData, shape)
	case t.DoubleData != nil && shape.DType == dtypes.Float64:
		return fromTypedData[float64](t, t.DoubleData, shape)
	case t.Int64Data != nil && shape.DType == dtypes.Int64:
		return fromTypedData[int64](t, t.Int64Data, shape)
	case t.Uint64Data != nil && shape.DType == dtypes.Uint64:
		return fromTypedData[uint64](t, t.Uint64Data, shape)
	case t.Uint64Data != nil && shape.DType == dtypes.Uint32:
		return fromTypedData[uint32](t, t.Uint64Data, shape)
	case t.Int32Data != nil:
		switch shape.DType {
		case dtypes.Int32:
			return fromTypedData[int32](t, t.Int32Data, shape)
		case dtypes.Int16:
			return fromTypedData[int16](t, t.Int32Data, shape)
		case dtypes.Int8:
			return fromTypedData[int8](t, t.Int32Data, shape)
		case dtypes.Uint16:
			return fromTypedData[uint16](t, t.Int32Data, shape)
		case dtypes.Uint8:
			return fromTypedData[uint8](t, t.Int32Data, shape)
		case dtypes.Bool:
			return fromTypedData[bool](t, t.Int32Data, shape)
		}
	}
	if shape.Size() == 0 {
		return tensors.FromShape(shape), nil
	}
	// Unknown tensor data type!?
	return nil, errors.Errorf("tensor %s has no supported format of data in the ONNX model!?", t)
}

func toRawData[T tensorElement](t *tensors.Tensor) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, tensors.MustCopyFlatData[T](t)); err != nil {
		return nil, errors.Wrap(err, "encoding raw-data")
	}
	return buf.Bytes(), nil
}

// TensorFromGoMLX creates an ONNX tensor named name holding the value of t, stored as raw-data.
func TensorFromGoMLX(name string, t *tensors.Tensor) (*Tensor, error) {
	shape := t.Shape()
	dataType, err := DataTypeFromDType(shape.DType)
	if err != nil {
		return nil, errors.WithMessagef(err, "converting tensor %q", name)
	}
	var raw []byte
	switch shape.DType {
	case dtypes.Float32:
		raw, err = toRawData[float32](t)
	case dtypes.Float64:
		raw, err = toRawData[float64](t)
	case dtypes.Int8:
		raw, err = toRawData[int8](t)
	case dtypes.Int16:
		raw, err = toRawData[int16](t)
	case dtypes.Int32:
		raw, err = toRawData[int32](t)
	case dtypes.Int64:
		raw, err = toRawData[int64](t)
	case dtypes.Uint8:
		raw, err = toRawData[uint8](t)
	case dtypes.Uint16:
		raw, err = toRawData[uint16](t)
	case dtypes.Uint32:
		raw, err = toRawData[uint32](t)
	case dtypes.Uint64:
		raw, err = toRawData[uint64](t)
	case dtypes.Bool:
		raw, err = toRawData[bool](t)
	default:
		err = errors.Errorf("dtype %s not supported", shape.DType)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "converting tensor %q", name)
	}
	if raw == nil {
		raw = []byte{}
	}
	return &Tensor{
		Name:     name,
		DataType: dataType,
		Dims:     slices.Clone(shape.Dimensions),
		RawData:  raw,
	}, nil
}
