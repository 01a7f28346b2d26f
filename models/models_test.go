package models

import (
	"context"
	"io"
	"math"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/leafnet/checkpoints"
	"github.com/tsawler/leafnet/layers"
	"github.com/tsawler/leafnet/tensor"
	"github.com/tsawler/leafnet/training"
)

func tinyConfig() PlantConfig {
	cfg := DefaultPlantConfig()
	cfg.Width = 4
	return cfg
}

func newTiny(t *testing.T, seed int64) *PlantModel {
	t.Helper()
	layers.SetRandomSeed(seed)
	m, err := NewPlantModel(tinyConfig())
	require.NoError(t, err)
	return m
}

func images(t *testing.T, n int, seed int64) *tensor.Tensor {
	t.Helper()
	x, err := tensor.RandN([]int{n, 3, 32, 32}, 1, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return x
}

func TestResNetDepths(t *testing.T) {
	for _, depth := range []int{18, 34} {
		r, err := NewResNet(ResNetConfig{Depth: depth, Width: 4})
		require.NoError(t, err)
		assert.Equal(t, 32, r.FeatureDim())
		assert.Equal(t, depth, r.Depth())
	}

	_, err := NewResNet(ResNetConfig{Depth: 50})
	assert.Error(t, err)
	_, err = NewResNet(ResNetConfig{Depth: 18, Width: -1})
	assert.Error(t, err)
}

func TestResNet18ParameterCount(t *testing.T) {
	r, err := NewResNet(ResNetConfig{Depth: 18})
	require.NoError(t, err)
	// torchvision resnet18 has 11,689,512 parameters, 513,000 of them in fc
	assert.Equal(t, int64(11_176_512), layers.CountParameters(r))
	assert.Equal(t, 512, r.FeatureDim())
}

func TestPlantModelForwardBackward(t *testing.T) {
	m := newTiny(t, 1)
	x := images(t, 2, 1)

	out, err := m.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, out.Shape)

	layers.ZeroGrad(m)
	gradIn, err := m.Backward(tensor.MustNew(out.Shape, []float32{1, 0, 0, -1, 0, 1, 0, 0}))
	require.NoError(t, err)
	assert.Equal(t, x.Shape, gradIn.Shape)

	var nonZero int
	for _, p := range layers.Parameters(m) {
		for _, g := range p.Grad.Data {
			if g != 0 {
				nonZero++
				break
			}
		}
	}
	assert.Equal(t, len(layers.Parameters(m)), nonZero, "every trainable tensor receives a gradient")
}

func TestPlantModelStateDictNames(t *testing.T) {
	m := newTiny(t, 1)
	names := make(map[string]bool)
	var first, last string
	for i, np := range m.NamedParameters("") {
		names[np.Name] = true
		if i == 0 {
			first = np.Name
		}
		last = np.Name
	}
	assert.Equal(t, "backbone.conv1.weight", first)
	assert.Equal(t, "out.bias", last)
	for _, key := range []string{
		"backbone.bn1.running_var",
		"backbone.layer1.1.conv2.weight",
		"backbone.layer2.0.downsample.0.weight",
		"backbone.layer4.1.bn2.num_batches_tracked",
		"out.weight",
	} {
		assert.True(t, names[key], key)
	}
	assert.False(t, names["backbone.layer1.0.downsample.0.weight"], "layer1 keeps the identity shortcut")
}

func TestPlantModelHooks(t *testing.T) {
	m := newTiny(t, 1)
	assert.IsType(t, &training.BCEWithLogitsLoss{}, m.LossFn())

	opt, err := m.FetchOptimizer()
	require.NoError(t, err)
	assert.Equal(t, 1e-4, opt.GetLR())

	sched, err := m.FetchScheduler(opt)
	require.NoError(t, err)
	assert.Equal(t, "CosineAnnealingWarmRestarts", sched.GetName())
	assert.InDelta(t, 1e-4, sched.GetLR(10, 0, 1e-4), 1e-15)

	cfg := tinyConfig()
	cfg.Loss = "dense_ce"
	ce, err := NewPlantModel(cfg)
	require.NoError(t, err)
	assert.IsType(t, &training.DenseCrossEntropy{}, ce.LossFn())

	cfg.Loss = "hinge"
	_, err = NewPlantModel(cfg)
	assert.Error(t, err)

	cfg = tinyConfig()
	cfg.NumClass = 0
	_, err = NewPlantModel(cfg)
	assert.Error(t, err)

	cfg = tinyConfig()
	cfg.Optimizer = "lbfgs"
	_, err = NewPlantModel(cfg)
	assert.Error(t, err)

	assert.Contains(t, m.Describe(), "(out): Linear(in_features=32, out_features=4, bias=True)")
}

func TestPlantModelOptimizers(t *testing.T) {
	tests := []struct {
		name     string
		momentum float64
		want     any
	}{
		{"adam", 0, &training.Adam{}},
		{"sgd", 0.9, &training.SGD{}},
		{"", 0, &training.Adam{}},
	}
	for _, tt := range tests {
		t.Run("optimizer="+tt.name, func(t *testing.T) {
			cfg := tinyConfig()
			cfg.Optimizer = tt.name
			cfg.LearningRate = 0.01
			cfg.Momentum = tt.momentum
			m, err := NewPlantModel(cfg)
			require.NoError(t, err)

			opt, err := m.FetchOptimizer()
			require.NoError(t, err)
			assert.IsType(t, tt.want, opt)
			assert.Equal(t, 0.01, opt.GetLR())
		})
	}
}

func TestLoadPretrainedFromPlantModel(t *testing.T) {
	src := newTiny(t, 1)
	path := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, checkpoints.Save(&checkpoints.Checkpoint{Weights: checkpoints.StateDict(src)}, path))

	cfg := tinyConfig()
	cfg.Pretrained = path
	layers.SetRandomSeed(99)
	dst, err := NewPlantModel(cfg)
	require.NoError(t, err)

	want := checkpoints.StateDict(src.Backbone())
	got := checkpoints.StateDict(dst.Backbone())
	require.Equal(t, len(want), len(got))
	for i := range want {
		assert.Equal(t, want[i].Data, got[i].Data, want[i].Name)
	}

	srcHead := checkpoints.StateDict(src)
	dstHead := checkpoints.StateDict(dst)
	assert.NotEqual(t, srcHead[len(srcHead)-2].Data, dstHead[len(dstHead)-2].Data, "head keeps its initialisation")
}

func TestLoadPretrainedTorchvisionNames(t *testing.T) {
	src := newTiny(t, 1)
	weights := checkpoints.StateDict(src.Backbone())
	weights = append(weights, checkpoints.WeightTensor{Name: "fc.weight", Shape: []int{1000, 32}, Data: make([]float32, 32000)})
	path := filepath.Join(t.TempDir(), "resnet18.json")
	require.NoError(t, checkpoints.Save(&checkpoints.Checkpoint{Weights: weights}, path))

	dst := newTiny(t, 5)
	report, err := dst.LoadPretrained(path)
	require.NoError(t, err)
	assert.Empty(t, report.Missing)
	assert.Empty(t, report.Unexpected)
	assert.Len(t, report.Loaded, len(weights)-1)
}

func TestLoadPretrainedErrors(t *testing.T) {
	dir := t.TempDir()
	m := newTiny(t, 1)

	_, err := m.LoadPretrained(filepath.Join(dir, "missing.bin"))
	assert.Error(t, err)

	headOnly := filepath.Join(dir, "head.json")
	require.NoError(t, checkpoints.Save(&checkpoints.Checkpoint{Weights: checkpoints.StateDict(m)[len(checkpoints.StateDict(m))-2:]}, headOnly))
	_, err = m.LoadPretrained(headOnly)
	assert.ErrorContains(t, err, "no backbone weights")

	wide, err := NewPlantModel(PlantConfig{NumClass: 4, Width: 8})
	require.NoError(t, err)
	widePath := filepath.Join(dir, "wide.json")
	require.NoError(t, checkpoints.Save(&checkpoints.Checkpoint{Weights: checkpoints.StateDict(wide)}, widePath))
	_, err = m.LoadPretrained(widePath)
	assert.ErrorIs(t, err, checkpoints.ErrShapeMismatch)
}

// leaves is a synthetic four-class image set
type leaves struct {
	x       *tensor.Tensor
	targets [][]float32
}

func newLeaves(t *testing.T, n int, seed int64) *leaves {
	l := &leaves{x: images(t, n, seed)}
	for i := 0; i < n; i++ {
		row := make([]float32, 4)
		row[i%4] = 1
		l.targets = append(l.targets, row)
	}
	return l
}

func (l *leaves) Len() int { return len(l.targets) }

func (l *leaves) GetItem(i int) (*tensor.Tensor, []float32, error) {
	size := 3 * 32 * 32
	img, err := tensor.NewTensor([]int{3, 32, 32}, append([]float32(nil), l.x.Data[i*size:(i+1)*size]...))
	return img, l.targets[i], err
}

func TestPlantModelFitsWithTesseract(t *testing.T) {
	m := newTiny(t, 4)
	tess := training.NewTesseract(m)
	history, err := tess.Fit(context.Background(), newLeaves(t, 8, 1), newLeaves(t, 4, 2), training.FitConfig{
		TrainBatchSize: 4,
		ValidBatchSize: 4,
		Epochs:         2,
		FP16:           true,
		Seed:           42,
		Logger:         log.New(io.Discard),
	})
	require.NoError(t, err)
	require.Len(t, history, 2)
	for _, r := range history {
		assert.False(t, math.IsNaN(r.TrainLoss))
		assert.False(t, math.IsNaN(r.ValidLoss))
	}
	assert.True(t, m.IsTraining())
}
