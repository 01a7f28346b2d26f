package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/leafnet/tensor"
)

// Conv2D is a 2D convolution over NCHW input with square kernels
type Conv2D struct {
	modeFlag
	InChannels  int
	OutChannels int
	KernelSize  int
	Stride      int
	Padding     int

	weight *Parameter // [out, in, k, k]
	bias   *Parameter // [out], optional

	autocast bool
	input    *tensor.Tensor
	wUsed    []float32 // weights as seen by the last forward pass
}

// NewConv2D creates a convolution with Kaiming-normal (fan_out, ReLU) weights
func NewConv2D(inputChannels, outputChannels, kernelSize, stride, padding int, bias bool) (*Conv2D, error) {
	if inputChannels <= 0 || outputChannels <= 0 || kernelSize <= 0 || stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("invalid conv2d configuration: in=%d out=%d k=%d s=%d p=%d",
			inputChannels, outputChannels, kernelSize, stride, padding)
	}

	shape := []int{outputChannels, inputChannels, kernelSize, kernelSize}
	std := math.Sqrt(2.0 / float64(outputChannels*kernelSize*kernelSize))

	var w *tensor.Tensor
	var err error
	withRng(func(rng *rand.Rand) {
		w, err = tensor.RandN(shape, std, rng)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}

	c := &Conv2D{
		modeFlag:    modeFlag{training: true},
		InChannels:  inputChannels,
		OutChannels: outputChannels,
		KernelSize:  kernelSize,
		Stride:      stride,
		Padding:     padding,
		weight:      NewParameter(w),
	}

	if bias {
		c.bias = NewParameter(tensor.MustNew([]int{outputChannels}, nil))
	}

	return c, nil
}

// Weight exposes the kernel parameter
func (c *Conv2D) Weight() *Parameter { return c.weight }

func (c *Conv2D) SetAutocast(enabled bool) { c.autocast = enabled }

// Forward computes the convolution via im2col and a matrix product per sample
func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if err := expectRank("Conv2D", input, 4); err != nil {
		return nil, err
	}
	n, ch, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	if ch != c.InChannels {
		return nil, fmt.Errorf("conv2d channel mismatch: expected %d, got %d", c.InChannels, ch)
	}

	k := c.KernelSize
	outH := tensor.ConvOutputSize(h, k, c.Stride, c.Padding)
	outW := tensor.ConvOutputSize(w, k, c.Stride, c.Padding)
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("conv2d input %dx%d too small for kernel %d", h, w, k)
	}

	x := input
	c.wUsed = c.weight.Data.Data
	if c.autocast {
		x = tensor.ToHalf(input)
		hw := make([]float32, len(c.wUsed))
		copy(hw, c.wUsed)
		tensor.RoundHalf(hw)
		c.wUsed = hw
	}
	c.input = x

	output := tensor.MustNew([]int{n, c.OutChannels, outH, outW}, nil)
	rows := ch * k * k
	spatial := outH * outW

	err := tensor.ParallelChunks(n, func(_, start, end int) error {
		cols := make([]float32, rows*spatial)
		for i := start; i < end; i++ {
			tensor.Im2Col(x.Row(i), ch, h, w, k, k, c.Stride, c.Padding, cols)
			out := output.Row(i)
			tensor.Gemm(false, false, c.OutChannels, spatial, rows, 1, c.wUsed, cols, 0, out)
			if c.bias != nil {
				for o, b := range c.bias.Data.Data {
					plane := out[o*spatial : (o+1)*spatial]
					for j := range plane {
						plane[j] += b
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if c.autocast {
		tensor.RoundHalf(output.Data)
		output.DType = tensor.Float16
	}
	return output, nil
}

// Backward accumulates kernel/bias gradients and returns the input gradient
func (c *Conv2D) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if c.input == nil {
		return nil, fmt.Errorf("conv2d backward called before forward")
	}
	x := c.input
	n, ch, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	k := c.KernelSize
	outH := tensor.ConvOutputSize(h, k, c.Stride, c.Padding)
	outW := tensor.ConvOutputSize(w, k, c.Stride, c.Padding)
	if !tensor.ShapesEqual(gradOutput.Shape, []int{n, c.OutChannels, outH, outW}) {
		return nil, fmt.Errorf("conv2d gradient shape mismatch: got %v", gradOutput.Shape)
	}

	rows := ch * k * k
	spatial := outH * outW
	gradInput := tensor.ZerosLike(x)

	chunks := tensor.NumChunks(n)
	partialW := make([][]float32, chunks)

	err := tensor.ParallelChunks(n, func(chunk, start, end int) error {
		cols := make([]float32, rows*spatial)
		dcols := make([]float32, rows*spatial)
		dw := make([]float32, len(c.wUsed))
		for i := start; i < end; i++ {
			gy := gradOutput.Row(i)
			tensor.Im2Col(x.Row(i), ch, h, w, k, k, c.Stride, c.Padding, cols)
			// dW += dY * cols^T
			tensor.Gemm(false, true, c.OutChannels, rows, spatial, 1, gy, cols, 1, dw)
			// dcols = W^T * dY
			tensor.Gemm(true, false, rows, spatial, c.OutChannels, 1, c.wUsed, gy, 0, dcols)
			tensor.Col2Im(dcols, ch, h, w, k, k, c.Stride, c.Padding, gradInput.Row(i))
		}
		partialW[chunk] = dw
		return nil
	})
	if err != nil {
		return nil, err
	}

	gw := c.weight.Grad.Data
	for _, dw := range partialW {
		for j, v := range dw {
			gw[j] += v
		}
	}

	if c.bias != nil {
		gb := c.bias.Grad.Data
		for i := 0; i < n; i++ {
			gy := gradOutput.Row(i)
			for o := range gb {
				var s float32
				for _, v := range gy[o*spatial : (o+1)*spatial] {
					s += v
				}
				gb[o] += s
			}
		}
	}

	return gradInput, nil
}

func (c *Conv2D) NamedParameters(prefix string) []NamedParameter {
	params := []NamedParameter{{Name: Join(prefix, "weight"), Param: c.weight}}
	if c.bias != nil {
		params = append(params, NamedParameter{Name: Join(prefix, "bias"), Param: c.bias})
	}
	return params
}

func (c *Conv2D) Describe() string {
	return fmt.Sprintf("Conv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=(%d, %d), bias=%t)",
		c.InChannels, c.OutChannels, c.KernelSize, c.KernelSize, c.Stride, c.Stride, c.Padding, c.Padding, c.bias != nil)
}
