package onnx

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/onnxutils/internal/onnxpb"
	"github.com/pkg/errors"
)

// DataType is an ONNX tensor element type, numbered as in onnx.proto.
type DataType int32

// ONNX element types.
const (
	Undefined  = DataType(onnxpb.TensorProto_UNDEFINED)
	Float      = DataType(onnxpb.TensorProto_FLOAT)
	Uint8      = DataType(onnxpb.TensorProto_UINT8)
	Int8       = DataType(onnxpb.TensorProto_INT8)
	Uint16     = DataType(onnxpb.TensorProto_UINT16)
	Int16      = DataType(onnxpb.TensorProto_INT16)
	Int32      = DataType(onnxpb.TensorProto_INT32)
	Int64      = DataType(onnxpb.TensorProto_INT64)
	String     = DataType(onnxpb.TensorProto_STRING)
	Bool       = DataType(onnxpb.TensorProto_BOOL)
	Float16    = DataType(onnxpb.TensorProto_FLOAT16)
	Double     = DataType(onnxpb.TensorProto_DOUBLE)
	Uint32     = DataType(onnxpb.TensorProto_UINT32)
	Uint64     = DataType(onnxpb.TensorProto_UINT64)
	Complex64  = DataType(onnxpb.TensorProto_COMPLEX64)
	Complex128 = DataType(onnxpb.TensorProto_COMPLEX128)
	BFloat16   = DataType(onnxpb.TensorProto_BFLOAT16)
	Uint4      = DataType(onnxpb.TensorProto_UINT4)
	Int4       = DataType(onnxpb.TensorProto_INT4)
)

var dataTypeNames = map[DataType]string{
	Undefined:  "UNDEFINED",
	Float:      "FLOAT",
	Uint8:      "UINT8",
	Int8:       "INT8",
	Uint16:     "UINT16",
	Int16:      "INT16",
	Int32:      "INT32",
	Int64:      "INT64",
	String:     "STRING",
	Bool:       "BOOL",
	Float16:    "FLOAT16",
	Double:     "DOUBLE",
	Uint32:     "UINT32",
	Uint64:     "UINT64",
	Complex64:  "COMPLEX64",
	Complex128: "COMPLEX128",
	BFloat16:   "BFLOAT16",
	Uint4:      "UINT4",
	Int4:       "INT4",
}

// String implements fmt.Stringer.
func (dt DataType) String() string {
	if name, found := dataTypeNames[dt]; found {
		return name
	}
	return fmt.Sprintf("DataType(%d)", int32(dt))
}

// IsInteger returns whether dt is one of the signed or unsigned integer types, including the 4-bit ones.
// Bool is not an integer type.
func (dt DataType) IsInteger() bool {
	switch dt {
	case Uint8, Int8, Uint16, Int16, Uint32, Int32, Uint64, Int64, Uint4, Int4:
		return true
	default:
		return false
	}
}

// IsFloat returns whether dt is a floating point type.
func (dt DataType) IsFloat() bool {
	switch dt {
	case Float, Double, Float16, BFloat16:
		return true
	default:
		return false
	}
}

// DType converts an ONNX data type to a GoMLX data type.
func (dt DataType) DType() (dtypes.DType, error) {
	switch dt {
	case Float:
		return dtypes.Float32, nil
	case Float16:
		return dtypes.Float16, nil
	case BFloat16:
		return dtypes.BFloat16, nil
	case Double:
		return dtypes.Float64, nil
	case Int32:
		return dtypes.Int32, nil
	case Int64:
		return dtypes.Int64, nil
	case Uint8:
		return dtypes.Uint8, nil
	case Int8:
		return dtypes.Int8, nil
	case Int16:
		return dtypes.Int16, nil
	case Uint16:
		return dtypes.Uint16, nil
	case Uint32:
		return dtypes.Uint32, nil
	case Uint64:
		return dtypes.Uint64, nil
	case Bool:
		return dtypes.Bool, nil
	case Complex64:
		return dtypes.Complex64, nil
	case Complex128:
		return dtypes.Complex128, nil
	default:
		return dtypes.InvalidDType, errors.Errorf("unsupported/unknown ONNX data type %s", dt)
	}
}

// DataTypeFromDType converts a GoMLX dtype back to the ONNX data type.
func DataTypeFromDType(dtype dtypes.DType) (DataType, error) {
	switch dtype {
	case dtypes.Float32:
		return Float, nil
	case dtypes.Float16:
		return Float16, nil
	case dtypes.BFloat16:
		return BFloat16, nil
	case dtypes.Float64:
		return Double, nil
	case dtypes.Int32:
		return Int32, nil
	case dtypes.Int64:
		return Int64, nil
	case dtypes.Uint8:
		return Uint8, nil
	case dtypes.Int8:
		return Int8, nil
	case dtypes.Int16:
		return Int16, nil
	case dtypes.Uint16:
		return Uint16, nil
	case dtypes.Uint32:
		return Uint32, nil
	case dtypes.Uint64:
		return Uint64, nil
	case dtypes.Bool:
		return Bool, nil
	case dtypes.Complex64:
		return Complex64, nil
	case dtypes.Complex128:
		return Complex128, nil
	default:
		return Undefined, errors.Errorf("GoMLX dtype %s has no ONNX equivalent", dtype)
	}
}
