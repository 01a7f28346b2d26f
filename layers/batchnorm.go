package layers

import (
	"fmt"
	"math"

	"github.com/tsawler/leafnet/tensor"
)

// BatchNorm2D normalises each channel of an NCHW tensor. In training mode it
// uses batch statistics and updates the running estimates; in eval mode it
// uses the running estimates.
type BatchNorm2D struct {
	modeFlag
	NumFeatures int
	Eps         float64
	Momentum    float64

	gamma       *Parameter
	beta        *Parameter
	runningMean *Parameter
	runningVar  *Parameter
	numBatches  *Parameter

	// cached for backward
	xhat           []float32
	invStd         []float64
	shape          []int
	usedBatchStats bool
}

// NewBatchNorm2D creates a batch norm with weight=1, bias=0, running_mean=0, running_var=1
func NewBatchNorm2D(numFeatures int, eps, momentum float64) (*BatchNorm2D, error) {
	if numFeatures <= 0 {
		return nil, fmt.Errorf("batchnorm requires positive feature count, got %d", numFeatures)
	}
	if eps <= 0 {
		eps = 1e-5
	}
	if momentum <= 0 || momentum > 1 {
		momentum = 0.1
	}

	gamma, _ := tensor.Ones([]int{numFeatures})
	runVar, _ := tensor.Ones([]int{numFeatures})

	return &BatchNorm2D{
		modeFlag:    modeFlag{training: true},
		NumFeatures: numFeatures,
		Eps:         eps,
		Momentum:    momentum,
		gamma:       NewParameter(gamma),
		beta:        NewParameter(tensor.MustNew([]int{numFeatures}, nil)),
		runningMean: NewBuffer(tensor.MustNew([]int{numFeatures}, nil)),
		runningVar:  NewBuffer(runVar),
		numBatches:  NewBuffer(tensor.MustNew([]int{1}, nil)),
	}, nil
}

// RunningStats returns copies of the running mean and variance
func (bn *BatchNorm2D) RunningStats() (mean, variance []float32) {
	mean = append([]float32(nil), bn.runningMean.Data.Data...)
	variance = append([]float32(nil), bn.runningVar.Data.Data...)
	return mean, variance
}

func (bn *BatchNorm2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if err := expectRank("BatchNorm2D", input, 4); err != nil {
		return nil, err
	}
	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	if c != bn.NumFeatures {
		return nil, fmt.Errorf("batchnorm channel mismatch: expected %d, got %d", bn.NumFeatures, c)
	}

	hw := h * w
	count := n * hw
	if bn.training && count <= 1 {
		return nil, fmt.Errorf("batchnorm needs more than one value per channel in training mode, got input shape %v", input.Shape)
	}

	output := tensor.ZerosLike(input)
	bn.xhat = make([]float32, input.NumElems)
	bn.invStd = make([]float64, c)
	bn.shape = append([]int(nil), input.Shape...)
	bn.usedBatchStats = bn.training

	gamma := bn.gamma.Data.Data
	beta := bn.beta.Data.Data
	rm := bn.runningMean.Data.Data
	rv := bn.runningVar.Data.Data

	for ch := 0; ch < c; ch++ {
		var mean, variance float64
		if bn.training {
			for i := 0; i < n; i++ {
				plane := input.Data[(i*c+ch)*hw : (i*c+ch+1)*hw]
				for _, v := range plane {
					mean += float64(v)
				}
			}
			mean /= float64(count)
			for i := 0; i < n; i++ {
				plane := input.Data[(i*c+ch)*hw : (i*c+ch+1)*hw]
				for _, v := range plane {
					d := float64(v) - mean
					variance += d * d
				}
			}
			variance /= float64(count)

			unbiased := variance * float64(count) / float64(count-1)
			rm[ch] = float32((1-bn.Momentum)*float64(rm[ch]) + bn.Momentum*mean)
			rv[ch] = float32((1-bn.Momentum)*float64(rv[ch]) + bn.Momentum*unbiased)
		} else {
			mean = float64(rm[ch])
			variance = float64(rv[ch])
		}

		inv := 1.0 / math.Sqrt(variance+bn.Eps)
		bn.invStd[ch] = inv
		g, b := gamma[ch], beta[ch]
		for i := 0; i < n; i++ {
			off := (i*c + ch) * hw
			for j := 0; j < hw; j++ {
				xh := float32((float64(input.Data[off+j]) - mean) * inv)
				bn.xhat[off+j] = xh
				output.Data[off+j] = g*xh + b
			}
		}
	}

	if bn.training {
		bn.numBatches.Data.Data[0]++
	}

	return output, nil
}

func (bn *BatchNorm2D) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if bn.xhat == nil {
		return nil, fmt.Errorf("batchnorm backward called before forward")
	}
	if !tensor.ShapesEqual(gradOutput.Shape, bn.shape) {
		return nil, fmt.Errorf("batchnorm gradient shape mismatch: expected %v, got %v", bn.shape, gradOutput.Shape)
	}
	n, c, h, w := bn.shape[0], bn.shape[1], bn.shape[2], bn.shape[3]
	hw := h * w
	count := float64(n * hw)

	gradInput := tensor.ZerosLike(gradOutput)
	gamma := bn.gamma.Data.Data
	gg := bn.gamma.Grad.Data
	gb := bn.beta.Grad.Data

	for ch := 0; ch < c; ch++ {
		var sumDy, sumDyXhat float64
		for i := 0; i < n; i++ {
			off := (i*c + ch) * hw
			for j := 0; j < hw; j++ {
				dy := float64(gradOutput.Data[off+j])
				sumDy += dy
				sumDyXhat += dy * float64(bn.xhat[off+j])
			}
		}
		gg[ch] += float32(sumDyXhat)
		gb[ch] += float32(sumDy)

		scale := float64(gamma[ch]) * bn.invStd[ch]
		for i := 0; i < n; i++ {
			off := (i*c + ch) * hw
			for j := 0; j < hw; j++ {
				dy := float64(gradOutput.Data[off+j])
				if bn.usedBatchStats {
					xh := float64(bn.xhat[off+j])
					gradInput.Data[off+j] = float32(scale * (dy - sumDy/count - xh*sumDyXhat/count))
				} else {
					gradInput.Data[off+j] = float32(scale * dy)
				}
			}
		}
	}

	return gradInput, nil
}

func (bn *BatchNorm2D) NamedParameters(prefix string) []NamedParameter {
	return []NamedParameter{
		{Name: Join(prefix, "weight"), Param: bn.gamma},
		{Name: Join(prefix, "bias"), Param: bn.beta},
		{Name: Join(prefix, "running_mean"), Param: bn.runningMean},
		{Name: Join(prefix, "running_var"), Param: bn.runningVar},
		{Name: Join(prefix, "num_batches_tracked"), Param: bn.numBatches},
	}
}

func (bn *BatchNorm2D) Describe() string {
	return fmt.Sprintf("BatchNorm2d(%d, eps=%g, momentum=%g, affine=True, track_running_stats=True)",
		bn.NumFeatures, bn.Eps, bn.Momentum)
}
