package tensor

import (
	"fmt"
)

// Gemm computes C = alpha*op(A)*op(B) + beta*C for dense row-major
// matrices, where op(X) is X or X^T. op(A) is m x k, op(B) is k x n and C is
// m x n.
func Gemm(transA, transB bool, m, n, k int, alpha float32, a, b []float32, beta float32, c []float32) {
	switch beta {
	case 0:
		for i := range c[:m*n] {
			c[i] = 0
		}
	case 1:
	default:
		for i := range c[:m*n] {
			c[i] *= beta
		}
	}

	switch {
	case !transA && !transB:
		for i := 0; i < m; i++ {
			ci := c[i*n : (i+1)*n]
			ai := a[i*k : (i+1)*k]
			for p, av := range ai {
				if av == 0 {
					continue
				}
				av *= alpha
				bp := b[p*n : (p+1)*n]
				for j, bv := range bp {
					ci[j] += av * bv
				}
			}
		}
	case !transA && transB:
		for i := 0; i < m; i++ {
			ai := a[i*k : (i+1)*k]
			for j := 0; j < n; j++ {
				bj := b[j*k : (j+1)*k]
				var sum float32
				for p, av := range ai {
					sum += av * bj[p]
				}
				c[i*n+j] += alpha * sum
			}
		}
	case transA && !transB:
		for p := 0; p < k; p++ {
			ap := a[p*m : (p+1)*m]
			bp := b[p*n : (p+1)*n]
			for i, av := range ap {
				if av == 0 {
					continue
				}
				av *= alpha
				ci := c[i*n : (i+1)*n]
				for j, bv := range bp {
					ci[j] += av * bv
				}
			}
		}
	default:
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				bj := b[j*k : (j+1)*k]
				var sum float32
				for p := 0; p < k; p++ {
					sum += a[p*m+i] * bj[p]
				}
				c[i*n+j] += alpha * sum
			}
		}
	}
}

// MatMul multiplies two 2D tensors
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires 2D tensors, got %v and %v", t1.Shape, t2.Shape)
	}

	rows1, cols1 := t1.Shape[0], t1.Shape[1]
	rows2, cols2 := t2.Shape[0], t2.Shape[1]

	if cols1 != rows2 {
		return nil, fmt.Errorf("incompatible matrix dimensions for multiplication: %v x %v", t1.Shape, t2.Shape)
	}

	result := MustNew([]int{rows1, cols2}, nil)
	Gemm(false, false, rows1, cols2, cols1, 1, t1.Data, t2.Data, 0, result.Data)
	return result, nil
}

// Transpose returns the transpose of a 2D tensor
func Transpose(t *Tensor) (*Tensor, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("transpose requires a 2D tensor, got shape %v", t.Shape)
	}

	rows, cols := t.Shape[0], t.Shape[1]
	result := MustNew([]int{cols, rows}, nil)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			result.Data[j*rows+i] = t.Data[i*cols+j]
		}
	}
	return result, nil
}
