package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/leafnet/tensor"
)

// Linear implements a fully connected (dense) layer: y = xW^T + b
type Linear struct {
	modeFlag
	InFeatures  int
	OutFeatures int

	weight *Parameter // [out, in]
	bias   *Parameter // [out]

	autocast bool
	input    *tensor.Tensor
	wUsed    []float32
}

// NewLinear creates a new Linear layer with U(-1/sqrt(in), 1/sqrt(in)) init
func NewLinear(inputSize, outputSize int, bias bool) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("invalid linear configuration: in=%d out=%d", inputSize, outputSize)
	}
	bound := 1.0 / math.Sqrt(float64(inputSize))

	var w, b *tensor.Tensor
	var err error
	withRng(func(rng *rand.Rand) {
		w, err = tensor.RandUniform([]int{outputSize, inputSize}, -bound, bound, rng)
		if err == nil && bias {
			b, err = tensor.RandUniform([]int{outputSize}, -bound, bound, rng)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create linear parameters: %v", err)
	}

	l := &Linear{
		modeFlag:    modeFlag{training: true},
		InFeatures:  inputSize,
		OutFeatures: outputSize,
		weight:      NewParameter(w),
	}
	if bias {
		l.bias = NewParameter(b)
	}
	return l, nil
}

func (l *Linear) SetAutocast(enabled bool) { l.autocast = enabled }

// Forward performs the forward pass: y = xW^T + b
func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 2 {
		return nil, fmt.Errorf("Linear layer expects 2D input [batch_size, input_size], got shape %v", input.Shape)
	}
	if input.Shape[1] != l.InFeatures {
		return nil, fmt.Errorf("input size mismatch: expected %d, got %d", l.InFeatures, input.Shape[1])
	}
	batch := input.Shape[0]

	x := input
	l.wUsed = l.weight.Data.Data
	if l.autocast {
		x = tensor.ToHalf(input)
		hw := append([]float32(nil), l.wUsed...)
		tensor.RoundHalf(hw)
		l.wUsed = hw
	}
	l.input = x

	output := tensor.MustNew([]int{batch, l.OutFeatures}, nil)
	tensor.Gemm(false, true, batch, l.OutFeatures, l.InFeatures, 1, x.Data, l.wUsed, 0, output.Data)
	if l.bias != nil {
		for i := 0; i < batch; i++ {
			row := output.Row(i)
			for j, b := range l.bias.Data.Data {
				row[j] += b
			}
		}
	}

	if l.autocast {
		tensor.RoundHalf(output.Data)
		output.DType = tensor.Float16
	}
	return output, nil
}

func (l *Linear) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, fmt.Errorf("linear backward called before forward")
	}
	batch := l.input.Shape[0]
	if !tensor.ShapesEqual(gradOutput.Shape, []int{batch, l.OutFeatures}) {
		return nil, fmt.Errorf("linear gradient shape mismatch: got %v", gradOutput.Shape)
	}

	// dW += dY^T X
	tensor.Gemm(true, false, l.OutFeatures, l.InFeatures, batch, 1, gradOutput.Data, l.input.Data, 1, l.weight.Grad.Data)
	if l.bias != nil {
		gb := l.bias.Grad.Data
		for i := 0; i < batch; i++ {
			for j, v := range gradOutput.Row(i) {
				gb[j] += v
			}
		}
	}

	gradInput := tensor.MustNew([]int{batch, l.InFeatures}, nil)
	tensor.Gemm(false, false, batch, l.InFeatures, l.OutFeatures, 1, gradOutput.Data, l.wUsed, 0, gradInput.Data)
	return gradInput, nil
}

func (l *Linear) NamedParameters(prefix string) []NamedParameter {
	params := []NamedParameter{{Name: Join(prefix, "weight"), Param: l.weight}}
	if l.bias != nil {
		params = append(params, NamedParameter{Name: Join(prefix, "bias"), Param: l.bias})
	}
	return params
}

func (l *Linear) Describe() string {
	bias := "False"
	if l.bias != nil {
		bias = "True"
	}
	return fmt.Sprintf("Linear(in_features=%d, out_features=%d, bias=%s)", l.InFeatures, l.OutFeatures, bias)
}
