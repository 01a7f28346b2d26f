package layers

import (
	"fmt"

	"github.com/tsawler/leafnet/tensor"
)

// ReLU implements ReLU activation function module
type ReLU struct {
	modeFlag
	mask []bool
}

// NewReLU creates a new ReLU activation module
func NewReLU() *ReLU {
	return &ReLU{modeFlag: modeFlag{training: true}}
}

func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	output := tensor.ZerosLike(input)
	output.DType = input.DType
	r.mask = make([]bool, input.NumElems)
	for i, v := range input.Data {
		if v > 0 {
			output.Data[i] = v
			r.mask[i] = true
		}
	}
	return output, nil
}

func (r *ReLU) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if len(r.mask) != gradOutput.NumElems {
		return nil, fmt.Errorf("relu gradient size mismatch: expected %d, got %d", len(r.mask), gradOutput.NumElems)
	}
	gradInput := tensor.ZerosLike(gradOutput)
	for i, on := range r.mask {
		if on {
			gradInput.Data[i] = gradOutput.Data[i]
		}
	}
	return gradInput, nil
}

func (r *ReLU) NamedParameters(string) []NamedParameter { return nil }

func (r *ReLU) Describe() string { return "ReLU(inplace=True)" }
