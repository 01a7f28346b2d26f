package tensor

import (
	"math"

	"github.com/x448/float16"
)

// RoundHalf rounds every value in data to the nearest IEEE binary16 value.
// Values beyond the binary16 range become +/-Inf, as they would on a device
// computing in half precision.
func RoundHalf(data []float32) {
	for i, v := range data {
		data[i] = float16.Fromfloat32(v).Float32()
	}
}

// ToHalf returns a copy of t rounded to binary16 precision
func ToHalf(t *Tensor) *Tensor {
	h := t.Clone()
	RoundHalf(h.Data)
	h.DType = Float16
	return h
}

// HasNonFinite reports whether data contains NaN or an infinity
func HasNonFinite(data []float32) bool {
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}
