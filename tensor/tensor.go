package tensor

import (
	"fmt"
)

// DType records the precision a tensor's values were last rounded to.
// Storage is always float32; Float16 tensors hold values representable in
// IEEE binary16.
type DType int

const (
	Float32 DType = iota
	Float16
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Float16:
		return "Float16"
	default:
		return "Unknown"
	}
}

// Tensor is a dense, row-major float32 tensor
type Tensor struct {
	Shape    []int
	Strides  []int
	DType    DType
	Data     []float32
	NumElems int
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, elements=%d)",
		t.Shape, t.DType, t.NumElems)
}

// Dim returns the size of dimension i; negative indices count from the end
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

// Item returns the single value of a one-element tensor
func (t *Tensor) Item() (float32, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("item() requires a single-element tensor, got shape %v", t.Shape)
	}
	return t.Data[0], nil
}

// At returns the element at the given multi-dimensional index
func (t *Tensor) At(indices ...int) float32 {
	return t.Data[getIndex(indices, t.Strides)]
}

// Set writes the element at the given multi-dimensional index
func (t *Tensor) Set(value float32, indices ...int) {
	t.Data[getIndex(indices, t.Strides)] = value
}

// Row returns a view of the i-th slice along the first dimension
func (t *Tensor) Row(i int) []float32 {
	size := t.NumElems / t.Shape[0]
	return t.Data[i*size : (i+1)*size]
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: at least one dimension is required")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func getIndex(indices []int, strides []int) int {
	index := 0
	for i, idx := range indices {
		index += idx * strides[i]
	}
	return index
}

// ShapesEqual reports whether two shapes are identical
func ShapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
