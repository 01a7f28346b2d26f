package preprocessing

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// solidPNG encodes a width x height image filled with c
func solidPNG(t *testing.T, width, height int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// ramp builds a w x h image whose red channel encodes x and green encodes y
func ramp(w, h int) *ProcessedImage {
	img := NewProcessedImage(w, h, 3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := (y*w + x) * 3
			img.Data[o] = float32(x)
			img.Data[o+1] = float32(y)
			img.Data[o+2] = 7
		}
	}
	return img
}

func TestDecodeAndPreprocessResizes(t *testing.T) {
	data := solidPNG(t, 40, 30, color.RGBA{R: 200, G: 100, B: 50, A: 255})

	img, err := NewImageProcessor(16, 8).DecodeAndPreprocess(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 16, img.Width)
	assert.Equal(t, 8, img.Height)
	assert.Equal(t, 3, img.Channels)
	assert.Len(t, img.Data, 16*8*3)
	assert.InDelta(t, 200, img.At(5, 5, 0), 1)
	assert.InDelta(t, 100, img.At(5, 5, 1), 1)
	assert.InDelta(t, 50, img.At(5, 5, 2), 1)
}

func TestDecodeKeepsSizeWhenUnset(t *testing.T) {
	data := solidPNG(t, 9, 5, color.RGBA{R: 1, G: 2, B: 3, A: 255})
	img, err := NewImageProcessor(0, 0).DecodeAndPreprocess(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 9, img.Width)
	assert.Equal(t, 5, img.Height)
	assert.Equal(t, float32(3), img.At(8, 4, 2))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := NewImageProcessor(8, 8).DecodeAndPreprocess(bytes.NewReader([]byte("not an image")))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := NewImageProcessor(8, 8).Load(filepath.Join(t.TempDir(), "missing.jpg"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCHWLayout(t *testing.T) {
	img := ramp(3, 2)
	chw := img.CHW()
	assert.Equal(t, []int{3, 2, 3}, chw.Shape)
	// channel 0 holds x, channel 1 holds y
	assert.Equal(t, float32(2), chw.At(0, 1, 2))
	assert.Equal(t, float32(1), chw.At(1, 1, 2))
	assert.Equal(t, float32(7), chw.At(2, 0, 0))
}

func TestCenterCrop(t *testing.T) {
	img := ramp(6, 4)
	out, err := CenterCrop{Height: 2, Width: 2}.Apply(img, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Width)
	assert.Equal(t, 2, out.Height)
	assert.Equal(t, float32(2), out.At(0, 0, 0))
	assert.Equal(t, float32(1), out.At(0, 0, 1))
	assert.Equal(t, float32(3), out.At(1, 1, 0))
	assert.Equal(t, float32(2), out.At(1, 1, 1))

	_, err = CenterCrop{Height: 5, Width: 2}.Apply(img, nil)
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	img := NewProcessedImage(1, 1, 3)
	img.Data = []float32{255, 0, 127.5}

	out, err := NewImageNetNormalize().Apply(img, nil)
	require.NoError(t, err)
	assert.InDelta(t, (1-0.485)/0.229, out.Data[0], 1e-5)
	assert.InDelta(t, (0-0.456)/0.224, out.Data[1], 1e-5)
	assert.InDelta(t, (0.5-0.406)/0.225, out.Data[2], 1e-5)
	assert.Equal(t, float32(255), img.Data[0], "input must not be modified")
}

func TestFlips(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	img := ramp(3, 2)

	h, err := HorizontalFlip{P: 1}.Apply(img, rng)
	require.NoError(t, err)
	assert.Equal(t, float32(2), h.At(0, 0, 0))
	assert.Equal(t, float32(0), h.At(2, 1, 0))
	assert.Equal(t, float32(1), h.At(0, 1, 1))

	v, err := VerticalFlip{P: 1}.Apply(img, rng)
	require.NoError(t, err)
	assert.Equal(t, float32(1), v.At(0, 0, 1))
	assert.Equal(t, float32(0), v.At(0, 1, 1))

	same, err := HorizontalFlip{P: 0}.Apply(img, rng)
	require.NoError(t, err)
	assert.Same(t, img, same)
}

func TestComposeOrder(t *testing.T) {
	pipeline := Compose{CenterCrop{Height: 2, Width: 2}, NewImageNetNormalize()}
	out, err := pipeline.Apply(ramp(4, 4), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Width)
	assert.InDelta(t, (1.0/255-0.485)/0.229, out.At(0, 0, 0), 1e-5)
	assert.Contains(t, pipeline.String(), "CenterCrop(2, 2)")

	_, err = Compose{CenterCrop{Height: 9, Width: 9}}.Apply(ramp(4, 4), nil)
	assert.ErrorContains(t, err, "CenterCrop(9, 9)")
}
