package tensor

import (
	"fmt"
	"math/rand"
)

// NewTensor creates a tensor of the given shape. A nil data slice allocates
// zeros; otherwise the slice is adopted without copying.
func NewTensor(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	} else if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	s := make([]int, len(shape))
	copy(s, shape)

	return &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		DType:    Float32,
		Data:     data,
		NumElems: numElems,
	}, nil
}

// MustNew is NewTensor for shapes known to be valid; it panics otherwise
func MustNew(shape []int, data []float32) *Tensor {
	t, err := NewTensor(shape, data)
	if err != nil {
		panic(err)
	}
	return t
}

func Zeros(shape []int) (*Tensor, error) {
	return NewTensor(shape, nil)
}

func Ones(shape []int) (*Tensor, error) {
	return Full(shape, 1)
}

// Full creates a tensor with every element set to value
func Full(shape []int, value float32) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// FromScalar creates a one-element tensor
func FromScalar(value float64) *Tensor {
	return MustNew([]int{1}, []float32{float32(value)})
}

// RandN fills a new tensor with samples from N(0, std^2)
func RandN(shape []int, std float64, rng *rand.Rand) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64() * std)
	}
	return t, nil
}

// RandUniform fills a new tensor with samples from U(low, high)
func RandUniform(shape []int, low, high float64, rng *rand.Rand) (*Tensor, error) {
	t, err := NewTensor(shape, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = float32(low + rng.Float64()*(high-low))
	}
	return t, nil
}

// ZerosLike allocates a zero tensor with the same shape as t
func ZerosLike(t *Tensor) *Tensor {
	return MustNew(t.Shape, nil)
}
