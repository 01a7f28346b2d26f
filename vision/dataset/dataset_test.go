package dataset

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/leafnet/tensor"
	"github.com/tsawler/leafnet/vision/preprocessing"
)

const sampleCSV = `image_id,healthy,multiple_diseases,rust,scab,kfold
Train_0,0,0,0,1,0
Train_1,0,1,0,0,1
Train_2,1,0,0,0,1
Train_3,0,0,1,0,0
`

func TestParseFrame(t *testing.T) {
	frame, err := ParseFrame(strings.NewReader(sampleCSV), nil)
	require.NoError(t, err)
	require.Equal(t, 4, frame.Len())
	assert.Equal(t, DefaultTargetColumns, frame.TargetColumns)
	assert.Equal(t, Row{ImageID: "Train_1", Targets: []float32{0, 1, 0, 0}, Fold: 1}, frame.Rows[1])
	assert.Equal(t, 3, frame.Label(0))
	assert.Equal(t, map[string]int{"healthy": 1, "multiple_diseases": 1, "rust": 1, "scab": 1}, frame.ClassDistribution())
	assert.Equal(t, filepath.Join("imgs", "Train_2.jpg"), frame.ImagePaths("imgs", "")[2])
	assert.Equal(t, filepath.Join("imgs", "Train_2.png"), frame.ImagePaths("imgs", "png")[2])
}

func TestParseFrameWithoutFoldsOrTargets(t *testing.T) {
	frame, err := ParseFrame(strings.NewReader("image_id,healthy,multiple_diseases,rust,scab\nA,1,0,0,0\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, -1, frame.Rows[0].Fold)

	test, err := ParseFrame(strings.NewReader("image_id\nTest_0\nTest_1\n"), nil)
	require.NoError(t, err)
	assert.False(t, test.HasTargets())
	assert.Nil(t, test.Targets())
	assert.Equal(t, 2, test.Len())
}

func TestParseFrameErrors(t *testing.T) {
	tests := []struct {
		name string
		csv  string
		is   error
	}{
		{"not one-hot", "image_id,healthy,multiple_diseases,rust,scab\nA,1,1,0,0\n", ErrNotOneHot},
		{"all zero", "image_id,healthy,multiple_diseases,rust,scab\nA,0,0,0,0\n", ErrNotOneHot},
		{"soft label", "image_id,healthy,multiple_diseases,rust,scab\nA,0.5,0.5,0,0\n", ErrNotOneHot},
		{"missing id", "healthy,multiple_diseases,rust,scab\n1,0,0,0\n", nil},
		{"partial targets", "image_id,healthy,rust\nA,1,0\n", nil},
		{"bad number", "image_id,healthy,multiple_diseases,rust,scab\nA,x,0,0,0\n", nil},
		{"bad fold", "image_id,healthy,multiple_diseases,rust,scab,kfold\nA,1,0,0,0,z\n", nil},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFrame(strings.NewReader(tt.csv), nil)
			require.Error(t, err)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
		})
	}
}

func TestWriteFrameRoundTrip(t *testing.T) {
	frame, err := ParseFrame(strings.NewReader(sampleCSV), nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "folds.csv")
	require.NoError(t, WriteFrame(path, frame))

	back, err := ReadFrame(path, nil)
	require.NoError(t, err)
	assert.Equal(t, frame, back)

	var buf bytes.Buffer
	require.NoError(t, frame.Write(&buf))
	assert.Equal(t, sampleCSV, buf.String())
}

func TestSplitByFold(t *testing.T) {
	frame, err := ParseFrame(strings.NewReader(sampleCSV), nil)
	require.NoError(t, err)

	train, valid, err := SplitByFold(frame, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, train.Len())
	assert.Equal(t, 2, valid.Len())
	for _, r := range valid.Rows {
		assert.Equal(t, 0, r.Fold)
	}
	for _, r := range train.Rows {
		assert.NotEqual(t, 0, r.Fold)
	}

	_, _, err = SplitByFold(frame, 7)
	assert.ErrorIs(t, err, ErrEmptySplit)

	single := frame.Subset([]int{0, 3})
	_, _, err = SplitByFold(single, 0)
	assert.ErrorIs(t, err, ErrEmptySplit)
}

func TestStratifiedKFold(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("image_id,healthy,multiple_diseases,rust,scab\n")
	counts := []int{50, 10, 60, 55}
	n := 0
	for c, k := range counts {
		for i := 0; i < k; i++ {
			oneHot := []string{"0", "0", "0", "0"}
			oneHot[c] = "1"
			fmt.Fprintf(&sb, "img_%d,%s\n", n, strings.Join(oneHot, ","))
			n++
		}
	}
	frame, err := ParseFrame(strings.NewReader(sb.String()), nil)
	require.NoError(t, err)

	folded, err := StratifiedKFold(frame, 5, 42)
	require.NoError(t, err)
	assert.Equal(t, -1, frame.Rows[0].Fold, "input frame must not change")

	perFold := make([]int, 5)
	perClass := make([][]int, 4)
	for c := range perClass {
		perClass[c] = make([]int, 5)
	}
	for i, row := range folded.Rows {
		require.GreaterOrEqual(t, row.Fold, 0)
		require.Less(t, row.Fold, 5)
		perFold[row.Fold]++
		perClass[folded.Label(i)][row.Fold]++
	}
	total := 0
	for _, v := range perFold {
		total += v
		assert.InDelta(t, n/5, v, 1)
	}
	assert.Equal(t, n, total)
	for c, folds := range perClass {
		for _, v := range folds {
			assert.InDelta(t, counts[c]/5, v, 1, "class %d", c)
		}
	}

	again, err := StratifiedKFold(frame, 5, 42)
	require.NoError(t, err)
	assert.Equal(t, folded, again)

	_, err = StratifiedKFold(frame, 1, 42)
	assert.Error(t, err)
}

func writePNG(t *testing.T, path string, w, h int, c color.RGBA) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())
}

type mapCache struct {
	mu   sync.Mutex
	data map[string]*preprocessing.ProcessedImage
	hits int
}

func (c *mapCache) Get(key string) (*preprocessing.ProcessedImage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.data[key]
	if ok {
		c.hits++
	}
	return img, ok
}

func (c *mapCache) Put(key string, img *preprocessing.ProcessedImage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = img
}

func TestClassificationDataset(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "a.png"), 12, 10, color.RGBA{R: 255, A: 255})
	writePNG(t, filepath.Join(dir, "b.png"), 7, 9, color.RGBA{G: 255, A: 255})

	frame := &Frame{
		TargetColumns: []string{"x", "y"},
		Rows: []Row{
			{ImageID: "a", Targets: []float32{1, 0}},
			{ImageID: "b", Targets: []float32{0, 1}},
		},
	}
	ds, err := FromFrame(frame, dir, ".png", ClassificationConfig{
		ResizeWidth:  8,
		ResizeHeight: 8,
		Augmentations: preprocessing.Compose{
			preprocessing.CenterCrop{Height: 4, Width: 4},
			preprocessing.NewImageNetNormalize(),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())
	assert.Equal(t, 2, ds.NumClasses())

	cache := &mapCache{data: map[string]*preprocessing.ProcessedImage{}}
	ds.SetImageCache(cache)

	img, target, err := ds.GetItem(1)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 4}, img.Shape)
	assert.Equal(t, []float32{0, 1}, target)
	assert.InDelta(t, (1-0.456)/0.224, img.At(1, 0, 0), 1e-4)
	assert.InDelta(t, (0-0.485)/0.229, img.At(0, 0, 0), 1e-4)

	_, _, err = ds.GetItem(1)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.hits)
	assert.Equal(t, 8, cache.data[ds.Path(1)].Width, "cache holds the resized image before augmentation")

	_, _, err = ds.GetItem(2)
	assert.Error(t, err)
}

func TestClassificationDatasetValidation(t *testing.T) {
	_, err := NewClassificationDataset(ClassificationConfig{})
	assert.Error(t, err)

	_, err = NewClassificationDataset(ClassificationConfig{
		ImagePaths: []string{"a", "b"},
		Targets:    [][]float32{{1}},
	})
	assert.Error(t, err)

	ds, err := NewClassificationDataset(ClassificationConfig{ImagePaths: []string{filepath.Join(t.TempDir(), "gone.jpg")}})
	require.NoError(t, err)
	_, _, err = ds.GetItem(0)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWriteSubmission(t *testing.T) {
	const want = "image_id,healthy,rust\nTest_0,0.250000,0.750000\nTest_1,1.000000,0.000000\n"
	scores := tensor.MustNew([]int{2, 2}, []float32{0.25, 0.75, 1, 0})
	var buf bytes.Buffer
	require.NoError(t, WriteSubmission(&buf, []string{"Test_0", "Test_1"}, []string{"healthy", "rust"}, scores))
	assert.Equal(t, want, buf.String())

	assert.Error(t, WriteSubmission(&buf, []string{"Test_0"}, []string{"healthy", "rust"}, scores))

	path := filepath.Join(t.TempDir(), "submission.csv")
	frame := &Frame{Rows: []Row{{ImageID: "Test_0", Fold: -1}, {ImageID: "Test_1", Fold: -1}}}
	require.NoError(t, WriteSubmissionFile(path, frame.ImageIDs(), []string{"healthy", "rust"}, scores))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, string(data))
}
