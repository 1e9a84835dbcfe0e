// Package shapes defines Shape, the (DType, dimensions) pair describing the
// value moved by a collective operation.
//
// DType is the data type of the unit element, defined in
// github.com/gomlx/gopjrt/dtypes. A Shape with no dimensions is a scalar.
// Float16 support uses the github.com/x448/float16 implementation.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape represents the shape (rank, dimensions and DType) of a value.
//
// Use Make to create one.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape with the given dtype and dimensions. Dimensions must
// all be positive, and dtype valid, otherwise it panics.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	if dtype == dtypes.InvalidDType {
		exceptions.Panicf("shapes.Make: invalid dtype")
	}
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// Scalar returns a scalar Shape for the given dtype.
func Scalar(dtype dtypes.DType) Shape {
	return Make(dtype)
}

// Ok returns whether this is a valid Shape. The zero Shape{} is invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape has no dimensions (rank 0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Shape returns itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// String implements fmt.Stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}

// Size returns the number of elements of DType in the shape, the product of
// all dimensions.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the number of bytes needed to store a value of this shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares dtype and dimensions.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// HasShape is anything that can report its own Shape.
type HasShape interface {
	Shape() Shape
}

// ParseDType converts a dtype name ("float32", "int64", ...) to its DType,
// returning an error for unknown names. Used when loading plans from text
// form.
func ParseDType(name string) (dtypes.DType, error) {
	dtype, err := dtypes.DTypeString(strings.TrimSpace(name))
	if err != nil {
		return dtypes.InvalidDType, err
	}
	return dtype, nil
}
