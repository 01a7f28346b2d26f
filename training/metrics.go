package training

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/tsawler/leafnet/tensor"
)

var (
	// ErrUndefinedAUC is returned when the labels contain a single class
	ErrUndefinedAUC = errors.New("only one class present in labels, ROC AUC is undefined")
	// ErrNonFiniteScores is returned when a score is NaN or infinite
	ErrNonFiniteScores = errors.New("scores contain NaN or infinity")
)

// AverageMeter tracks the running mean of a scalar
type AverageMeter struct {
	Val   float64
	Avg   float64
	Sum   float64
	Count int
}

// Update adds value observed over n samples
func (m *AverageMeter) Update(value float64, n int) {
	m.Val = value
	m.Sum += value * float64(n)
	m.Count += n
	m.Avg = m.Sum / float64(m.Count)
}

// Reset clears the meter
func (m *AverageMeter) Reset() {
	*m = AverageMeter{}
}

// ROCAUC computes the area under the ROC curve for binary labels (> 0.5 is
// positive). Tied scores share their average rank, which matches the
// trapezoidal area of the curve.
func ROCAUC(scores, labels []float32) (float64, error) {
	if len(scores) != len(labels) {
		return 0, fmt.Errorf("scores and labels differ in length: %d vs %d", len(scores), len(labels))
	}
	for i, v := range scores {
		if f := float64(v); math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("%w: score %d is %v", ErrNonFiniteScores, i, v)
		}
	}

	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return scores[idx[a]] < scores[idx[b]] })

	var pos, neg int
	var rankSum float64
	for i := 0; i < len(idx); {
		j := i
		for j < len(idx) && scores[idx[j]] == scores[idx[i]] {
			j++
		}
		// ranks i+1..j averaged
		avgRank := float64(i+1+j) / 2
		for k := i; k < j; k++ {
			if labels[idx[k]] > 0.5 {
				pos++
				rankSum += avgRank
			} else {
				neg++
			}
		}
		i = j
	}

	if pos == 0 || neg == 0 {
		return 0, ErrUndefinedAUC
	}
	u := rankSum - float64(pos)*float64(pos+1)/2
	return u / (float64(pos) * float64(neg)), nil
}

// MicroROCAUC flattens [N, C] scores and labels and computes one AUC
func MicroROCAUC(outputs, targets *tensor.Tensor) (float64, error) {
	if !tensor.ShapesEqual(outputs.Shape, targets.Shape) {
		return 0, fmt.Errorf("outputs and targets must have the same shape, got %v and %v", outputs.Shape, targets.Shape)
	}
	return ROCAUC(outputs.Data, targets.Data)
}

// Accuracy is the fraction of rows whose argmax matches the target argmax
func Accuracy(outputs, targets *tensor.Tensor) (float64, error) {
	if len(outputs.Shape) != 2 || !tensor.ShapesEqual(outputs.Shape, targets.Shape) {
		return 0, fmt.Errorf("accuracy expects matching [N, C] tensors, got %v and %v", outputs.Shape, targets.Shape)
	}
	rows := outputs.Shape[0]
	if rows == 0 {
		return 0, nil
	}
	correct := 0
	for i := 0; i < rows; i++ {
		if Argmax(outputs.Row(i)) == Argmax(targets.Row(i)) {
			correct++
		}
	}
	return float64(correct) / float64(rows), nil
}

// Argmax returns the index of the largest value, the first on ties
func Argmax(row []float32) int {
	best := 0
	for j, v := range row {
		if v > row[best] {
			best = j
		}
	}
	return best
}

// ConfusionMatrix counts [true_class][predicted_class] pairs
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Update adds a batch of [N, C] scores against one-hot [N, C] targets
func (cm *ConfusionMatrix) Update(outputs, targets *tensor.Tensor) error {
	if len(outputs.Shape) != 2 || !tensor.ShapesEqual(outputs.Shape, targets.Shape) {
		return fmt.Errorf("confusion matrix expects matching [N, C] tensors, got %v and %v", outputs.Shape, targets.Shape)
	}
	if outputs.Shape[1] != cm.NumClasses {
		return fmt.Errorf("confusion matrix has %d classes, batch has %d", cm.NumClasses, outputs.Shape[1])
	}
	for i := 0; i < outputs.Shape[0]; i++ {
		cm.Matrix[Argmax(targets.Row(i))][Argmax(outputs.Row(i))]++
		cm.TotalSamples++
	}
	return nil
}

// Accuracy returns the fraction of samples on the diagonal
func (cm *ConfusionMatrix) Accuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// Recall returns TP / (TP + FN) for class c
func (cm *ConfusionMatrix) Recall(c int) float64 {
	var row int
	for _, v := range cm.Matrix[c] {
		row += v
	}
	if row == 0 {
		return 0
	}
	return float64(cm.Matrix[c][c]) / float64(row)
}

// Precision returns TP / (TP + FP) for class c
func (cm *ConfusionMatrix) Precision(c int) float64 {
	var col int
	for i := range cm.Matrix {
		col += cm.Matrix[i][c]
	}
	if col == 0 {
		return 0
	}
	return float64(cm.Matrix[c][c]) / float64(col)
}

// MacroF1 averages per-class F1 scores
func (cm *ConfusionMatrix) MacroF1() float64 {
	if cm.NumClasses == 0 {
		return 0
	}
	var sum float64
	for c := 0; c < cm.NumClasses; c++ {
		p, r := cm.Precision(c), cm.Recall(c)
		if p+r > 0 {
			sum += 2 * p * r / (p + r)
		}
	}
	return sum / float64(cm.NumClasses)
}

// Format renders the matrix with the given class labels
func (cm *ConfusionMatrix) Format(labels []string) string {
	width := 6
	for _, l := range labels {
		width = max(width, len(l))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%*s", width, "")
	for c := 0; c < cm.NumClasses; c++ {
		fmt.Fprintf(&b, " %*s", width, label(labels, c))
	}
	b.WriteString("\n")
	for r := 0; r < cm.NumClasses; r++ {
		fmt.Fprintf(&b, "%*s", width, label(labels, r))
		for c := 0; c < cm.NumClasses; c++ {
			fmt.Fprintf(&b, " %*d", width, cm.Matrix[r][c])
		}
		b.WriteString("\n")
	}
	return b.String()
}

func label(labels []string, i int) string {
	if i < len(labels) {
		return labels[i]
	}
	return fmt.Sprintf("%d", i)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
