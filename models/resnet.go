// Package models holds the networks fine-tuned on the leaf images: a ResNet
// backbone and the PlantModel classification head built on top of it.
package models

import (
	"fmt"
	"strings"

	"github.com/tsawler/leafnet/layers"
	"github.com/tsawler/leafnet/tensor"
)

// blockCounts maps a ResNet depth to the number of BasicBlocks per stage
var blockCounts = map[int][4]int{
	18: {2, 2, 2, 2},
	34: {3, 4, 6, 3},
}

// ResNetConfig selects the backbone variant
type ResNetConfig struct {
	Depth int // 18 or 34
	// Width is the channel count of the stem and layer1; later stages double
	// it. Zero means the standard 64.
	Width int
}

// ResNet is the torchvision ResNet feature extractor without its fc head.
// Forward maps [N, 3, H, W] images to [N, FeatureDim] pooled features.
type ResNet struct {
	depth   int
	conv1   *layers.Conv2D
	bn1     *layers.BatchNorm2D
	relu    *layers.ReLU
	maxpool *layers.MaxPool2D
	stages  [4]*layers.Sequential
	avgpool *layers.GlobalAvgPool2D

	features   int
	pooledDims []int
	training   bool
}

// NewResNet builds a randomly initialised backbone
func NewResNet(cfg ResNetConfig) (*ResNet, error) {
	counts, ok := blockCounts[cfg.Depth]
	if !ok {
		return nil, fmt.Errorf("unsupported resnet depth %d (want 18 or 34)", cfg.Depth)
	}
	width := cfg.Width
	if width == 0 {
		width = 64
	}
	if width < 0 {
		return nil, fmt.Errorf("resnet width must be positive, got %d", width)
	}

	conv1, err := layers.NewConv2D(3, width, 7, 2, 3, false)
	if err != nil {
		return nil, fmt.Errorf("conv1: %w", err)
	}
	bn1, err := layers.NewBatchNorm2D(width, 1e-5, 0.1)
	if err != nil {
		return nil, fmt.Errorf("bn1: %w", err)
	}

	r := &ResNet{
		depth:    cfg.Depth,
		conv1:    conv1,
		bn1:      bn1,
		relu:     layers.NewReLU(),
		maxpool:  layers.NewMaxPool2D(3, 2, 1),
		avgpool:  layers.NewGlobalAvgPool2D(),
		training: true,
	}

	inPlanes := width
	for i, n := range counts {
		planes := width << i
		stride := 2
		if i == 0 {
			stride = 1
		}
		stage := layers.NewSequential()
		for b := 0; b < n; b++ {
			s := 1
			if b == 0 {
				s = stride
			}
			block, err := layers.NewBasicBlock(inPlanes, planes, s)
			if err != nil {
				return nil, fmt.Errorf("layer%d.%d: %w", i+1, b, err)
			}
			stage.Add(block)
			inPlanes = planes
		}
		r.stages[i] = stage
	}
	r.features = inPlanes
	return r, nil
}

// FeatureDim is the width of the pooled feature vector (torchvision's
// fc.in_features)
func (r *ResNet) FeatureDim() int { return r.features }

// Depth returns 18 or 34
func (r *ResNet) Depth() int { return r.depth }

func (r *ResNet) modules() []layers.Module {
	return []layers.Module{
		r.conv1, r.bn1, r.relu, r.maxpool,
		r.stages[0], r.stages[1], r.stages[2], r.stages[3],
		r.avgpool,
	}
}

func (r *ResNet) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("resnet expects [N, C, H, W] input, got %v", input.Shape)
	}
	x := input
	for i, m := range r.modules() {
		out, err := m.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("resnet stage %d: %w", i, err)
		}
		x = out
	}
	r.pooledDims = x.Shape
	return x.Reshape([]int{input.Shape[0], r.features})
}

func (r *ResNet) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if r.pooledDims == nil {
		return nil, fmt.Errorf("resnet backward called before forward")
	}
	g, err := gradOutput.Reshape(r.pooledDims)
	if err != nil {
		return nil, err
	}
	mods := r.modules()
	for i := len(mods) - 1; i >= 0; i-- {
		if g, err = mods[i].Backward(g); err != nil {
			return nil, fmt.Errorf("resnet stage %d backward: %w", i, err)
		}
	}
	return g, nil
}

// NamedParameters follows torchvision naming: conv1, bn1, layer1..layer4
func (r *ResNet) NamedParameters(prefix string) []layers.NamedParameter {
	var params []layers.NamedParameter
	params = append(params, r.conv1.NamedParameters(layers.Join(prefix, "conv1"))...)
	params = append(params, r.bn1.NamedParameters(layers.Join(prefix, "bn1"))...)
	for i, stage := range r.stages {
		params = append(params, stage.NamedParameters(layers.Join(prefix, fmt.Sprintf("layer%d", i+1)))...)
	}
	return params
}

func (r *ResNet) Train() {
	r.training = true
	for _, m := range r.modules() {
		m.Train()
	}
}

func (r *ResNet) Eval() {
	r.training = false
	for _, m := range r.modules() {
		m.Eval()
	}
}

func (r *ResNet) IsTraining() bool { return r.training }

func (r *ResNet) SetAutocast(enabled bool) {
	for _, m := range r.modules() {
		layers.SetAutocast(m, enabled)
	}
}

func (r *ResNet) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ResNet%d(\n", r.depth)
	names := []string{"conv1", "bn1", "relu", "maxpool", "layer1", "layer2", "layer3", "layer4", "avgpool"}
	for i, m := range r.modules() {
		d := fmt.Sprintf("%T", m)
		if desc, ok := m.(layers.Describer); ok {
			d = desc.Describe()
		}
		fmt.Fprintf(&b, "  (%s): %s\n", names[i], strings.ReplaceAll(d, "\n", "\n  "))
	}
	b.WriteString(")")
	return b.String()
}
