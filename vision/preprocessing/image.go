package preprocessing

import (
	"fmt"
	"image"
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"io"
	"os"

	"golang.org/x/image/draw"

	"github.com/tsawler/leafnet/tensor"
)

// ProcessedImage is an RGB image stored HWC with float32 pixel values.
// Freshly decoded images hold values in [0, 255].
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// NewProcessedImage allocates a zeroed image
func NewProcessedImage(width, height, channels int) *ProcessedImage {
	return &ProcessedImage{
		Data:     make([]float32, width*height*channels),
		Width:    width,
		Height:   height,
		Channels: channels,
	}
}

// Clone returns a deep copy
func (p *ProcessedImage) Clone() *ProcessedImage {
	c := *p
	c.Data = append([]float32(nil), p.Data...)
	return &c
}

// At returns channel c of pixel (x, y)
func (p *ProcessedImage) At(x, y, c int) float32 {
	return p.Data[(y*p.Width+x)*p.Channels+c]
}

// CHW converts to a [C, H, W] tensor
func (p *ProcessedImage) CHW() *tensor.Tensor {
	out := tensor.MustNew([]int{p.Channels, p.Height, p.Width}, nil)
	plane := p.Width * p.Height
	for i := 0; i < plane; i++ {
		for c := 0; c < p.Channels; c++ {
			out.Data[c*plane+i] = p.Data[i*p.Channels+c]
		}
	}
	return out
}

// ImageProcessor decodes images and resizes them to a fixed size with
// bilinear interpolation
type ImageProcessor struct {
	width  int
	height int
}

// NewImageProcessor creates a processor producing width x height images.
// A non-positive size keeps the decoded dimensions.
func NewImageProcessor(width, height int) *ImageProcessor {
	return &ImageProcessor{width: width, height: height}
}

// Size returns the output dimensions
func (p *ImageProcessor) Size() (width, height int) {
	return p.width, p.height
}

// DecodeAndPreprocess decodes a JPEG or PNG stream and resizes it
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return p.FromImage(img), nil
}

// Load decodes and resizes the image file at path
func (p *ImageProcessor) Load(path string) (*ProcessedImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := p.DecodeAndPreprocess(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// FromImage resizes img and converts it to RGB float32
func (p *ImageProcessor) FromImage(img image.Image) *ProcessedImage {
	bounds := img.Bounds()
	w, h := p.width, p.height
	if w <= 0 || h <= 0 {
		w, h = bounds.Dx(), bounds.Dy()
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == bounds.Dx() && h == bounds.Dy() {
		draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
	} else {
		draw.BiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
	}

	out := NewProcessedImage(w, h, 3)
	for y := 0; y < h; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+4*w]
		for x := 0; x < w; x++ {
			o := (y*w + x) * 3
			out.Data[o] = float32(row[4*x])
			out.Data[o+1] = float32(row[4*x+1])
			out.Data[o+2] = float32(row[4*x+2])
		}
	}
	return out
}
