package training

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"math/rand"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/leafnet/layers"
	"github.com/tsawler/leafnet/tensor"
)

// linearModel flattens [N, C, H, W] images into a single Linear layer
type linearModel struct {
	fc      *layers.Linear
	inShape []int
	lr      float64
	loss    Loss
}

func newLinearModel(t *testing.T, in, classes int, lr float64) *linearModel {
	t.Helper()
	layers.SetRandomSeed(3)
	fc, err := layers.NewLinear(in, classes, true)
	require.NoError(t, err)
	return &linearModel{fc: fc, lr: lr, loss: NewBCEWithLogitsLoss("mean")}
}

func (m *linearModel) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	m.inShape = x.Shape
	flat, err := x.Reshape([]int{x.Shape[0], x.NumElems / x.Shape[0]})
	if err != nil {
		return nil, err
	}
	return m.fc.Forward(flat)
}

func (m *linearModel) Backward(g *tensor.Tensor) (*tensor.Tensor, error) {
	gin, err := m.fc.Backward(g)
	if err != nil {
		return nil, err
	}
	return gin.Reshape(m.inShape)
}

func (m *linearModel) NamedParameters(prefix string) []layers.NamedParameter {
	return m.fc.NamedParameters(layers.Join(prefix, "fc"))
}
func (m *linearModel) Train()                   { m.fc.Train() }
func (m *linearModel) Eval()                    { m.fc.Eval() }
func (m *linearModel) IsTraining() bool         { return m.fc.IsTraining() }
func (m *linearModel) SetAutocast(enabled bool) { m.fc.SetAutocast(enabled) }
func (m *linearModel) LossFn() Loss             { return m.loss }

func (m *linearModel) MetricsFn(out, targets *tensor.Tensor) (float64, error) {
	return MicroROCAUC(out, targets)
}

func (m *linearModel) FetchOptimizer() (Optimizer, error) {
	return NewDefaultAdam(layers.Parameters(m), m.lr), nil
}

func (m *linearModel) FetchScheduler(Optimizer) (LRScheduler, error) {
	return NewCosineAnnealingWarmRestarts(10, 1, 1e-6), nil
}

// blobs is a separable two-class dataset of [1, 2, 2] images
type blobs struct {
	images []*tensor.Tensor
	labels [][]float32
}

func newBlobs(n int, seed int64) *blobs {
	rng := rand.New(rand.NewSource(seed))
	d := &blobs{}
	for i := 0; i < n; i++ {
		c := i % 2
		sign := float32(1)
		if c == 1 {
			sign = -1
		}
		img := tensor.MustNew([]int{1, 2, 2}, nil)
		for j := range img.Data {
			img.Data[j] = sign + 0.3*float32(rng.NormFloat64())
		}
		target := []float32{0, 0}
		target[c] = 1
		d.images = append(d.images, img)
		d.labels = append(d.labels, target)
	}
	return d
}

func (d *blobs) Len() int { return len(d.images) }

func (d *blobs) GetItem(i int) (*tensor.Tensor, []float32, error) {
	return d.images[i].Clone(), d.labels[i], nil
}

func quietConfig(epochs int) FitConfig {
	return FitConfig{
		TrainBatchSize: 8,
		ValidBatchSize: 8,
		Epochs:         epochs,
		Seed:           1,
		Logger:         log.New(io.Discard),
	}
}

func TestFitDecreasesLoss(t *testing.T) {
	for _, fp16 := range []bool{false, true} {
		name := "fp32"
		if fp16 {
			name = "fp16"
		}
		t.Run(name, func(t *testing.T) {
			model := newLinearModel(t, 4, 2, 0.05)
			tess := NewTesseract(model)

			cfg := quietConfig(6)
			cfg.FP16 = fp16
			history, err := tess.Fit(context.Background(), newBlobs(64, 1), newBlobs(32, 2), cfg)
			require.NoError(t, err)
			require.Len(t, history, 6)

			assert.Less(t, history[5].TrainLoss, history[0].TrainLoss)
			assert.Less(t, history[5].ValidLoss, history[0].ValidLoss)
			assert.Greater(t, history[5].ValidEpochMetric, 0.9)
			assert.Equal(t, 6, tess.Epoch())
			assert.Equal(t, 6*8, tess.Step())
			assert.True(t, model.IsTraining())
			assert.Equal(t, fp16, tess.Scaler().Enabled())
		})
	}
}

func TestFitSchedulesLearningRatePerEpoch(t *testing.T) {
	model := newLinearModel(t, 4, 2, 1e-3)
	tess := NewTesseract(model)
	history, err := tess.Fit(context.Background(), newBlobs(16, 1), newBlobs(8, 2), quietConfig(3))
	require.NoError(t, err)

	sched := NewCosineAnnealingWarmRestarts(10, 1, 1e-6)
	for i, r := range history {
		assert.Equal(t, i+1, r.Epoch)
		assert.InDelta(t, sched.GetLR(i, 0, 1e-3), r.LearningRate, 1e-12)
	}
	assert.InDelta(t, sched.GetLR(2, 0, 1e-3), tess.Optimizer().GetLR(), 1e-12)
}

func TestFitStopsWhenCallbackStops(t *testing.T) {
	model := newLinearModel(t, 4, 2, 0.01)
	tess := NewTesseract(model)

	var seen []float64
	cfg := quietConfig(10)
	cfg.Callbacks = []Callback{CallbackFunc(func(tr *Tesseract, validLoss float64) error {
		seen = append(seen, validLoss)
		if len(seen) == 2 {
			tr.Stop()
		}
		return nil
	})}
	history, err := tess.Fit(context.Background(), newBlobs(16, 1), newBlobs(8, 2), cfg)
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.True(t, tess.Stopped())
	assert.Equal(t, []float64{history[0].ValidLoss, history[1].ValidLoss}, seen)
}

type lifecycle struct {
	events []string
}

func (l *lifecycle) OnTrainStart(*Tesseract) error {
	l.events = append(l.events, "start")
	return nil
}

func (l *lifecycle) OnEpochEnd(*Tesseract, float64) error {
	l.events = append(l.events, "epoch")
	return nil
}

func (l *lifecycle) OnTrainEnd(_ *Tesseract, h History) error {
	l.events = append(l.events, "end")
	return nil
}

func TestFitCallbackLifecycle(t *testing.T) {
	cb := &lifecycle{}
	cfg := quietConfig(2)
	cfg.Callbacks = []Callback{cb}
	_, err := NewTesseract(newLinearModel(t, 4, 2, 0.01)).Fit(context.Background(), newBlobs(8, 1), newBlobs(8, 2), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"start", "epoch", "epoch", "end"}, cb.events)
}

func TestFitRejectsDevice(t *testing.T) {
	cfg := quietConfig(1)
	cfg.Device = "cuda"
	_, err := NewTesseract(newLinearModel(t, 4, 2, 0.01)).Fit(context.Background(), newBlobs(8, 1), newBlobs(8, 2), cfg)
	assert.ErrorIs(t, err, ErrUnsupportedDevice)
}

func TestFitHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewTesseract(newLinearModel(t, 4, 2, 0.01)).Fit(ctx, newBlobs(8, 1), newBlobs(8, 2), quietConfig(1))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFitProgressOutput(t *testing.T) {
	var buf bytes.Buffer
	cfg := quietConfig(1)
	cfg.Progress = &buf
	_, err := NewTesseract(newLinearModel(t, 4, 2, 0.01)).Fit(context.Background(), newBlobs(16, 1), newBlobs(8, 2), cfg)
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "Epoch 1/1 (Training): 100%")
	assert.Contains(t, out, "Epoch 1/1 (Validation)")
	assert.Contains(t, out, "loss=")
}

func TestCheckpointRestoreAndPredict(t *testing.T) {
	model := newLinearModel(t, 4, 2, 0.05)
	tess := NewTesseract(model)
	_, err := tess.Fit(context.Background(), newBlobs(32, 1), newBlobs(16, 2), quietConfig(2))
	require.NoError(t, err)

	ckpt := tess.Checkpoint()
	assert.Equal(t, 2, ckpt.TrainingState.Epoch)
	assert.Equal(t, tess.Step(), ckpt.TrainingState.Step)
	require.NotNil(t, ckpt.OptimizerState)

	other := newLinearModel(t, 4, 2, 0.05)
	resumed := NewTesseract(other)
	require.NoError(t, resumed.Restore(ckpt))
	assert.Equal(t, 2, resumed.Epoch())

	valid := newBlobs(10, 5)
	want, err := tess.Predict(context.Background(), valid, 4, 0)
	require.NoError(t, err)
	got, err := resumed.Predict(context.Background(), valid, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 2}, got.Shape)
	assert.InDeltaSlice(t, want.Data, got.Data, 1e-6)

	loss, metric, err := resumed.Evaluate(context.Background(), valid, 4, 0)
	require.NoError(t, err)
	assert.Greater(t, metric, 0.5)
	assert.Greater(t, loss, 0.0)

	history, err := resumed.Fit(context.Background(), newBlobs(32, 1), newBlobs(16, 2), quietConfig(1))
	require.NoError(t, err)
	assert.Equal(t, 3, history[0].Epoch, "resumed run continues the epoch count")
}

func TestHistory(t *testing.T) {
	var h History
	_, ok := h.Last()
	assert.False(t, ok)
	_, ok = h.Best()
	assert.False(t, ok)

	h = History{{Epoch: 1, ValidLoss: 0.5}, {Epoch: 2, ValidLoss: 0.3}, {Epoch: 3, ValidLoss: 0.4}}
	last, _ := h.Last()
	best, _ := h.Best()
	assert.Equal(t, 3, last.Epoch)
	assert.Equal(t, 2, best.Epoch)
}

func TestProgressBarLine(t *testing.T) {
	pb := NewProgressBar(nil, "Epoch 1/2 (Training)", 4)
	pb.Update(2, map[string]float64{"metric": 0.75, "loss": 0.5})
	line := pb.line(0)
	assert.True(t, strings.HasPrefix(line, "\rEpoch 1/2 (Training):  50%|"))
	assert.Contains(t, line, "| 2/4 [00:00<00:00, loss=0.5000, metric=0.7500]")
	assert.Equal(t, 35, strings.Count(line, "█"))

	pb.Finish() // nil writer is a no-op
	assert.Equal(t, "01:05", formatDuration(65e9))
	assert.Equal(t, "1.5M", formatParameterCount(1_500_000))
	assert.Equal(t, "2.0K", formatParameterCount(2000))
	assert.Equal(t, "12", formatParameterCount(12))
}

func TestPrintArchitecture(t *testing.T) {
	var buf bytes.Buffer
	PrintArchitecture(&buf, "Tiny", newLinearModel(t, 4, 2, 0.1))
	assert.Contains(t, buf.String(), "Tiny()")
	assert.Contains(t, buf.String(), "Trainable parameters: 10")
}

// nanModel poisons the first logit of every batch
type nanModel struct {
	*linearModel
}

func (m nanModel) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := m.linearModel.Forward(x)
	if err != nil {
		return nil, err
	}
	out.Data[0] = float32(math.NaN())
	return out, nil
}

func TestFitSurvivesNaNOutputs(t *testing.T) {
	tess := NewTesseract(nanModel{newLinearModel(t, 4, 2, 0.01)})
	done := make(chan struct{})
	var history History
	var err error
	go func() {
		defer close(done)
		history, err = tess.Fit(context.Background(), newBlobs(16, 1), newBlobs(8, 2), quietConfig(2))
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Fit did not return")
	}

	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, math.IsNaN(history[0].ValidLoss))
	assert.True(t, math.IsNaN(history[0].ValidEpochMetric))
}

// brokenModel fails on every forward pass
type brokenModel struct {
	*linearModel
}

func (brokenModel) Forward(*tensor.Tensor) (*tensor.Tensor, error) {
	return nil, errors.New("broken")
}

func TestFailedFitReleasesLoader(t *testing.T) {
	before := runtime.NumGoroutine()
	for i := 0; i < 20; i++ {
		_, err := NewTesseract(brokenModel{newLinearModel(t, 4, 2, 0.01)}).
			Fit(context.Background(), newBlobs(32, 1), newBlobs(8, 2), quietConfig(1))
		require.Error(t, err)
	}
	for i := 0; i < 5; i++ {
		_, err := NewTesseract(brokenModel{newLinearModel(t, 4, 2, 0.01)}).Predict(context.Background(), newBlobs(32, 1), 4, 0)
		require.Error(t, err)
	}
	assert.Eventually(t, func() bool { return runtime.NumGoroutine() <= before },
		2*time.Second, 10*time.Millisecond, "loader goroutines left running")
}
