package preprocessing

import (
	"fmt"
	"math/rand"
	"strings"
)

// ImageNet channel statistics
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// Transform is one augmentation step. Transforms never modify their input.
type Transform interface {
	Apply(img *ProcessedImage, rng *rand.Rand) (*ProcessedImage, error)
	String() string
}

// Compose chains transforms left to right
type Compose []Transform

func (c Compose) Apply(img *ProcessedImage, rng *rand.Rand) (*ProcessedImage, error) {
	var err error
	for _, t := range c {
		if img, err = t.Apply(img, rng); err != nil {
			return nil, fmt.Errorf("%s: %w", t, err)
		}
	}
	return img, nil
}

func (c Compose) String() string {
	parts := make([]string, len(c))
	for i, t := range c {
		parts[i] = t.String()
	}
	return "Compose([" + strings.Join(parts, ", ") + "])"
}

// CenterCrop cuts a Height x Width window from the middle of the image
type CenterCrop struct {
	Height int
	Width  int
}

func (cc CenterCrop) Apply(img *ProcessedImage, _ *rand.Rand) (*ProcessedImage, error) {
	if cc.Height > img.Height || cc.Width > img.Width {
		return nil, fmt.Errorf("crop %dx%d larger than image %dx%d", cc.Height, cc.Width, img.Height, img.Width)
	}
	y0 := (img.Height - cc.Height) / 2
	x0 := (img.Width - cc.Width) / 2

	out := NewProcessedImage(cc.Width, cc.Height, img.Channels)
	rowLen := cc.Width * img.Channels
	for y := 0; y < cc.Height; y++ {
		src := ((y0+y)*img.Width + x0) * img.Channels
		copy(out.Data[y*rowLen:(y+1)*rowLen], img.Data[src:src+rowLen])
	}
	return out, nil
}

func (cc CenterCrop) String() string {
	return fmt.Sprintf("CenterCrop(%d, %d)", cc.Height, cc.Width)
}

// Normalize computes (px/MaxPixel - mean) / std per channel
type Normalize struct {
	Mean     [3]float32
	Std      [3]float32
	MaxPixel float32
}

// NewImageNetNormalize uses ImageNet statistics and 8-bit pixels
func NewImageNetNormalize() Normalize {
	return Normalize{Mean: ImageNetMean, Std: ImageNetStd, MaxPixel: 255}
}

func (n Normalize) Apply(img *ProcessedImage, _ *rand.Rand) (*ProcessedImage, error) {
	if img.Channels != 3 {
		return nil, fmt.Errorf("normalize expects 3 channels, got %d", img.Channels)
	}
	maxPixel := n.MaxPixel
	if maxPixel == 0 {
		maxPixel = 255
	}
	out := img.Clone()
	for i, v := range out.Data {
		c := i % 3
		out.Data[i] = (v/maxPixel - n.Mean[c]) / n.Std[c]
	}
	return out, nil
}

func (n Normalize) String() string {
	return fmt.Sprintf("Normalize(mean=%v, std=%v, max_pixel_value=%g)", n.Mean, n.Std, n.MaxPixel)
}

// HorizontalFlip mirrors the image left-right with probability P
type HorizontalFlip struct {
	P float64
}

func (f HorizontalFlip) Apply(img *ProcessedImage, rng *rand.Rand) (*ProcessedImage, error) {
	if rng.Float64() >= f.P {
		return img, nil
	}
	out := NewProcessedImage(img.Width, img.Height, img.Channels)
	ch := img.Channels
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			src := (y*img.Width + x) * ch
			dst := (y*img.Width + img.Width - 1 - x) * ch
			copy(out.Data[dst:dst+ch], img.Data[src:src+ch])
		}
	}
	return out, nil
}

func (f HorizontalFlip) String() string { return fmt.Sprintf("HorizontalFlip(p=%g)", f.P) }

// VerticalFlip mirrors the image top-bottom with probability P
type VerticalFlip struct {
	P float64
}

func (f VerticalFlip) Apply(img *ProcessedImage, rng *rand.Rand) (*ProcessedImage, error) {
	if rng.Float64() >= f.P {
		return img, nil
	}
	out := NewProcessedImage(img.Width, img.Height, img.Channels)
	rowLen := img.Width * img.Channels
	for y := 0; y < img.Height; y++ {
		src := y * rowLen
		dst := (img.Height - 1 - y) * rowLen
		copy(out.Data[dst:dst+rowLen], img.Data[src:src+rowLen])
	}
	return out, nil
}

func (f VerticalFlip) String() string { return fmt.Sprintf("VerticalFlip(p=%g)", f.P) }
