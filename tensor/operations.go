package tensor

import (
	"fmt"
)

func checkShapesCompatible(shape1, shape2 []int) error {
	if len(shape1) == 0 || len(shape2) == 0 {
		return fmt.Errorf("cannot operate on empty tensors")
	}
	if !ShapesEqual(shape1, shape2) {
		return fmt.Errorf("tensor shapes must match: %v vs %v", shape1, shape2)
	}
	return nil
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkShapesCompatible(t1.Shape, t2.Shape); err != nil {
		return nil, err
	}

	result := ZerosLike(t1)
	for i := range result.Data {
		result.Data[i] = t1.Data[i] + t2.Data[i]
	}
	return result, nil
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkShapesCompatible(t1.Shape, t2.Shape); err != nil {
		return nil, err
	}

	result := ZerosLike(t1)
	for i := range result.Data {
		result.Data[i] = t1.Data[i] - t2.Data[i]
	}
	return result, nil
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	if err := checkShapesCompatible(t1.Shape, t2.Shape); err != nil {
		return nil, err
	}

	result := ZerosLike(t1)
	for i := range result.Data {
		result.Data[i] = t1.Data[i] * t2.Data[i]
	}
	return result, nil
}

// AddInPlace accumulates src into dst
func AddInPlace(dst, src *Tensor) error {
	if err := checkShapesCompatible(dst.Shape, src.Shape); err != nil {
		return err
	}
	for i, v := range src.Data {
		dst.Data[i] += v
	}
	return nil
}

// Scale multiplies every element of t by s in place
func Scale(t *Tensor, s float32) {
	for i := range t.Data {
		t.Data[i] *= s
	}
}

// Fill sets every element of t to value
func Fill(t *Tensor, value float32) {
	for i := range t.Data {
		t.Data[i] = value
	}
}

// Sum returns the float64 sum of all elements
func Sum(t *Tensor) float64 {
	var s float64
	for _, v := range t.Data {
		s += float64(v)
	}
	return s
}

// Mean returns the float64 mean of all elements
func Mean(t *Tensor) float64 {
	if t.NumElems == 0 {
		return 0
	}
	return Sum(t) / float64(t.NumElems)
}
