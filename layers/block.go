package layers

import (
	"fmt"
	"strings"

	"github.com/tsawler/leafnet/tensor"
)

// BasicBlock is the two-convolution residual block used by ResNet-18/34:
//
//	out = relu(bn2(conv2(relu(bn1(conv1(x))))) + shortcut(x))
//
// where shortcut is the identity or a 1x1 conv + batch norm downsample.
type BasicBlock struct {
	modeFlag
	conv1      *Conv2D
	bn1        *BatchNorm2D
	relu1      *ReLU
	conv2      *Conv2D
	bn2        *BatchNorm2D
	relu2      *ReLU
	downsample *Sequential
}

// NewBasicBlock builds a block mapping inPlanes to planes channels
func NewBasicBlock(inPlanes, planes, stride int) (*BasicBlock, error) {
	conv1, err := NewConv2D(inPlanes, planes, 3, stride, 1, false)
	if err != nil {
		return nil, err
	}
	bn1, err := NewBatchNorm2D(planes, 1e-5, 0.1)
	if err != nil {
		return nil, err
	}
	conv2, err := NewConv2D(planes, planes, 3, 1, 1, false)
	if err != nil {
		return nil, err
	}
	bn2, err := NewBatchNorm2D(planes, 1e-5, 0.1)
	if err != nil {
		return nil, err
	}

	b := &BasicBlock{
		modeFlag: modeFlag{training: true},
		conv1:    conv1,
		bn1:      bn1,
		relu1:    NewReLU(),
		conv2:    conv2,
		bn2:      bn2,
		relu2:    NewReLU(),
	}

	if stride != 1 || inPlanes != planes {
		dconv, err := NewConv2D(inPlanes, planes, 1, stride, 0, false)
		if err != nil {
			return nil, err
		}
		dbn, err := NewBatchNorm2D(planes, 1e-5, 0.1)
		if err != nil {
			return nil, err
		}
		b.downsample = NewSequential(dconv, dbn)
	}
	return b, nil
}

func (b *BasicBlock) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := b.conv1.Forward(input)
	if err != nil {
		return nil, fmt.Errorf("conv1: %w", err)
	}
	if out, err = b.bn1.Forward(out); err != nil {
		return nil, fmt.Errorf("bn1: %w", err)
	}
	if out, err = b.relu1.Forward(out); err != nil {
		return nil, err
	}
	if out, err = b.conv2.Forward(out); err != nil {
		return nil, fmt.Errorf("conv2: %w", err)
	}
	if out, err = b.bn2.Forward(out); err != nil {
		return nil, fmt.Errorf("bn2: %w", err)
	}

	identity := input
	if b.downsample != nil {
		if identity, err = b.downsample.Forward(input); err != nil {
			return nil, fmt.Errorf("downsample: %w", err)
		}
	}
	if err := tensor.AddInPlace(out, identity); err != nil {
		return nil, fmt.Errorf("residual add: %w", err)
	}
	return b.relu2.Forward(out)
}

func (b *BasicBlock) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	g, err := b.relu2.Backward(gradOutput)
	if err != nil {
		return nil, err
	}

	shortcut := g
	if b.downsample != nil {
		if shortcut, err = b.downsample.Backward(g); err != nil {
			return nil, fmt.Errorf("downsample backward: %w", err)
		}
	}

	main := g
	for _, step := range []Module{b.bn2, b.conv2, b.relu1, b.bn1, b.conv1} {
		if main, err = step.Backward(main); err != nil {
			return nil, err
		}
	}

	if err := tensor.AddInPlace(main, shortcut); err != nil {
		return nil, fmt.Errorf("residual gradient: %w", err)
	}
	return main, nil
}

func (b *BasicBlock) NamedParameters(prefix string) []NamedParameter {
	var params []NamedParameter
	params = append(params, b.conv1.NamedParameters(Join(prefix, "conv1"))...)
	params = append(params, b.bn1.NamedParameters(Join(prefix, "bn1"))...)
	params = append(params, b.conv2.NamedParameters(Join(prefix, "conv2"))...)
	params = append(params, b.bn2.NamedParameters(Join(prefix, "bn2"))...)
	if b.downsample != nil {
		params = append(params, b.downsample.NamedParameters(Join(prefix, "downsample"))...)
	}
	return params
}

func (b *BasicBlock) children() []Module {
	m := []Module{b.conv1, b.bn1, b.relu1, b.conv2, b.bn2, b.relu2}
	if b.downsample != nil {
		m = append(m, b.downsample)
	}
	return m
}

func (b *BasicBlock) Train() {
	b.training = true
	for _, m := range b.children() {
		m.Train()
	}
}

func (b *BasicBlock) Eval() {
	b.training = false
	for _, m := range b.children() {
		m.Eval()
	}
}

func (b *BasicBlock) SetAutocast(enabled bool) {
	for _, m := range b.children() {
		SetAutocast(m, enabled)
	}
}

func (b *BasicBlock) Describe() string {
	var s strings.Builder
	s.WriteString("BasicBlock(\n")
	fmt.Fprintf(&s, "  (conv1): %s\n", b.conv1.Describe())
	fmt.Fprintf(&s, "  (bn1): %s\n", b.bn1.Describe())
	fmt.Fprintf(&s, "  (relu): %s\n", b.relu1.Describe())
	fmt.Fprintf(&s, "  (conv2): %s\n", b.conv2.Describe())
	fmt.Fprintf(&s, "  (bn2): %s\n", b.bn2.Describe())
	if b.downsample != nil {
		fmt.Fprintf(&s, "  (downsample): %s\n", indent(b.downsample.Describe()))
	}
	s.WriteString(")")
	return s.String()
}
