package training

import (
	"fmt"
	"math"

	"github.com/tsawler/leafnet/tensor"
)

// Loss interface defines methods that all loss functions must implement.
// Forward returns a scalar tensor; Backward returns dL/d(predicted).
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

// NewLoss returns the loss registered under name: "bce" or "dense_ce"
func NewLoss(name string) (Loss, error) {
	switch name {
	case "", "bce", "bce_with_logits":
		return NewBCEWithLogitsLoss("mean"), nil
	case "dense_ce", "dense_cross_entropy":
		return NewDenseCrossEntropy("mean"), nil
	default:
		return nil, fmt.Errorf("unknown loss %q", name)
	}
}

func checkPair(predicted, target *tensor.Tensor) (rows, cols int, err error) {
	if len(predicted.Shape) != 2 {
		return 0, 0, fmt.Errorf("predicted must be 2D tensor [batch_size, num_classes], got shape %v", predicted.Shape)
	}
	if !tensor.ShapesEqual(predicted.Shape, target.Shape) {
		return 0, 0, fmt.Errorf("predicted and target tensors must have the same shape, got %v and %v", predicted.Shape, target.Shape)
	}
	return predicted.Shape[0], predicted.Shape[1], nil
}

// BCEWithLogitsLoss is binary cross entropy applied to raw logits, one
// independent sigmoid per element:
//
//	l = max(x, 0) - x*y + log(1 + exp(-|x|))
type BCEWithLogitsLoss struct {
	reduction string // "mean" or "sum"
}

// NewBCEWithLogitsLoss creates the loss with the given reduction
func NewBCEWithLogitsLoss(reduction string) *BCEWithLogitsLoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &BCEWithLogitsLoss{reduction: reduction}
}

func (l *BCEWithLogitsLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if _, _, err := checkPair(predicted, target); err != nil {
		return nil, err
	}

	var total float64
	for i, x32 := range predicted.Data {
		x := float64(x32)
		y := float64(target.Data[i])
		total += math.Max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x)))
	}
	if l.reduction == "mean" {
		total /= float64(predicted.NumElems)
	}
	return tensor.FromScalar(total), nil
}

func (l *BCEWithLogitsLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if _, _, err := checkPair(predicted, target); err != nil {
		return nil, err
	}

	scale := 1.0
	if l.reduction == "mean" {
		scale = 1.0 / float64(predicted.NumElems)
	}
	grad := tensor.ZerosLike(predicted)
	for i, x := range predicted.Data {
		grad.Data[i] = float32((sigmoid(float64(x)) - float64(target.Data[i])) * scale)
	}
	return grad, nil
}

func sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// DenseCrossEntropy is cross entropy against soft or one-hot targets:
//
//	l_i = -sum_j y_ij * log_softmax(x_i)_j
type DenseCrossEntropy struct {
	reduction string // "mean" or "sum"
}

// NewDenseCrossEntropy creates the loss with the given reduction
func NewDenseCrossEntropy(reduction string) *DenseCrossEntropy {
	if reduction == "" {
		reduction = "mean"
	}
	return &DenseCrossEntropy{reduction: reduction}
}

func (ce *DenseCrossEntropy) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	rows, cols, err := checkPair(predicted, target)
	if err != nil {
		return nil, err
	}

	logp := make([]float64, cols)
	var total float64
	for i := 0; i < rows; i++ {
		logSoftmax(predicted.Row(i), logp)
		for j, y := range target.Row(i) {
			total -= float64(y) * logp[j]
		}
	}
	if ce.reduction == "mean" {
		total /= float64(rows)
	}
	return tensor.FromScalar(total), nil
}

func (ce *DenseCrossEntropy) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	rows, cols, err := checkPair(predicted, target)
	if err != nil {
		return nil, err
	}

	scale := 1.0
	if ce.reduction == "mean" {
		scale = 1.0 / float64(rows)
	}
	grad := tensor.ZerosLike(predicted)
	logp := make([]float64, cols)
	for i := 0; i < rows; i++ {
		logSoftmax(predicted.Row(i), logp)
		y := target.Row(i)
		var mass float64
		for _, v := range y {
			mass += float64(v)
		}
		g := grad.Row(i)
		for j := range g {
			g[j] = float32((math.Exp(logp[j])*mass - float64(y[j])) * scale)
		}
	}
	return grad, nil
}

// logSoftmax writes log(softmax(x)) into dst using the max-shift trick
func logSoftmax(x []float32, dst []float64) {
	maxVal := math.Inf(-1)
	for _, v := range x {
		maxVal = math.Max(maxVal, float64(v))
	}
	var sum float64
	for _, v := range x {
		sum += math.Exp(float64(v) - maxVal)
	}
	lse := maxVal + math.Log(sum)
	for j, v := range x {
		dst[j] = float64(v) - lse
	}
}

// Softmax returns row-wise probabilities of a [N, C] logits tensor
func Softmax(logits *tensor.Tensor) (*tensor.Tensor, error) {
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("softmax expects [batch_size, num_classes], got %v", logits.Shape)
	}
	out := tensor.ZerosLike(logits)
	logp := make([]float64, logits.Shape[1])
	for i := 0; i < logits.Shape[0]; i++ {
		logSoftmax(logits.Row(i), logp)
		row := out.Row(i)
		for j, v := range logp {
			row[j] = float32(math.Exp(v))
		}
	}
	return out, nil
}

// Sigmoid applies the logistic function element-wise
func Sigmoid(logits *tensor.Tensor) *tensor.Tensor {
	out := tensor.ZerosLike(logits)
	for i, v := range logits.Data {
		out.Data[i] = float32(sigmoid(float64(v)))
	}
	return out
}
