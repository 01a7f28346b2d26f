package layers

import (
	"fmt"
	"math"

	"github.com/tsawler/leafnet/tensor"
)

// MaxPool2D takes the maximum over square windows; padding never wins
type MaxPool2D struct {
	modeFlag
	KernelSize int
	Stride     int
	Padding    int

	argmax     []int
	inputShape []int
}

// NewMaxPool2D creates a new max pooling module
func NewMaxPool2D(kernelSize, stride, padding int) *MaxPool2D {
	if stride <= 0 {
		stride = kernelSize
	}
	return &MaxPool2D{
		modeFlag:   modeFlag{training: true},
		KernelSize: kernelSize,
		Stride:     stride,
		Padding:    padding,
	}
}

func (m *MaxPool2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if err := expectRank("MaxPool2D", input, 4); err != nil {
		return nil, err
	}
	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	outH := tensor.ConvOutputSize(h, m.KernelSize, m.Stride, m.Padding)
	outW := tensor.ConvOutputSize(w, m.KernelSize, m.Stride, m.Padding)
	if outH <= 0 || outW <= 0 {
		return nil, fmt.Errorf("maxpool input %dx%d too small for kernel %d", h, w, m.KernelSize)
	}

	output := tensor.MustNew([]int{n, c, outH, outW}, nil)
	output.DType = input.DType
	m.argmax = make([]int, output.NumElems)
	m.inputShape = append([]int(nil), input.Shape...)

	for plane := 0; plane < n*c; plane++ {
		in := input.Data[plane*h*w : (plane+1)*h*w]
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				best := float32(math.Inf(-1))
				bestIdx := -1
				for ky := 0; ky < m.KernelSize; ky++ {
					iy := oy*m.Stride - m.Padding + ky
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < m.KernelSize; kx++ {
						ix := ox*m.Stride - m.Padding + kx
						if ix < 0 || ix >= w {
							continue
						}
						if v := in[iy*w+ix]; bestIdx < 0 || v > best {
							best = v
							bestIdx = iy*w + ix
						}
					}
				}
				o := (plane*outH+oy)*outW + ox
				output.Data[o] = best
				m.argmax[o] = plane*h*w + bestIdx
			}
		}
	}

	return output, nil
}

func (m *MaxPool2D) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if m.inputShape == nil || len(m.argmax) != gradOutput.NumElems {
		return nil, fmt.Errorf("maxpool backward called before forward or with wrong shape %v", gradOutput.Shape)
	}
	gradInput := tensor.MustNew(m.inputShape, nil)
	for o, idx := range m.argmax {
		gradInput.Data[idx] += gradOutput.Data[o]
	}
	return gradInput, nil
}

func (m *MaxPool2D) NamedParameters(string) []NamedParameter { return nil }

func (m *MaxPool2D) Describe() string {
	return fmt.Sprintf("MaxPool2d(kernel_size=%d, stride=%d, padding=%d, dilation=1, ceil_mode=False)",
		m.KernelSize, m.Stride, m.Padding)
}

// GlobalAvgPool2D is adaptive average pooling to a 1x1 output
type GlobalAvgPool2D struct {
	modeFlag
	inputShape []int
}

func NewGlobalAvgPool2D() *GlobalAvgPool2D {
	return &GlobalAvgPool2D{modeFlag: modeFlag{training: true}}
}

func (g *GlobalAvgPool2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if err := expectRank("GlobalAvgPool2D", input, 4); err != nil {
		return nil, err
	}
	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	hw := h * w
	g.inputShape = append([]int(nil), input.Shape...)

	output := tensor.MustNew([]int{n, c, 1, 1}, nil)
	for plane := 0; plane < n*c; plane++ {
		var s float64
		for _, v := range input.Data[plane*hw : (plane+1)*hw] {
			s += float64(v)
		}
		output.Data[plane] = float32(s / float64(hw))
	}
	return output, nil
}

func (g *GlobalAvgPool2D) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if g.inputShape == nil {
		return nil, fmt.Errorf("avgpool backward called before forward")
	}
	n, c, h, w := g.inputShape[0], g.inputShape[1], g.inputShape[2], g.inputShape[3]
	if gradOutput.NumElems != n*c {
		return nil, fmt.Errorf("avgpool gradient size mismatch: expected %d, got %d", n*c, gradOutput.NumElems)
	}
	hw := h * w
	gradInput := tensor.MustNew(g.inputShape, nil)
	for plane := 0; plane < n*c; plane++ {
		v := gradOutput.Data[plane] / float32(hw)
		dst := gradInput.Data[plane*hw : (plane+1)*hw]
		for j := range dst {
			dst[j] = v
		}
	}
	return gradInput, nil
}

func (g *GlobalAvgPool2D) NamedParameters(string) []NamedParameter { return nil }

func (g *GlobalAvgPool2D) Describe() string { return "AdaptiveAvgPool2d(output_size=(1, 1))" }
