package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tsawler/leafnet/checkpoints"
	"github.com/tsawler/leafnet/layers"
	"github.com/tsawler/leafnet/tensor"
	"github.com/tsawler/leafnet/vision/dataloader"
)

// ErrUnsupportedDevice is returned by Fit for any device other than "cpu"
var ErrUnsupportedDevice = errors.New("unsupported device")

// Model is a network that knows how to train itself: it supplies its loss,
// its metric and its optimizer and scheduler.
type Model interface {
	layers.Module
	LossFn() Loss
	MetricsFn(outputs, targets *tensor.Tensor) (float64, error)
	FetchOptimizer() (Optimizer, error)
	FetchScheduler(opt Optimizer) (LRScheduler, error)
}

// FitConfig controls a training run
type FitConfig struct {
	TrainBatchSize int
	ValidBatchSize int
	Epochs         int
	Callbacks      []Callback
	FP16           bool
	Device         string // only "cpu" is supported
	Workers        int
	Seed           int64
	CacheSize      int       // decoded images kept, shared by both loaders; negative disables
	Progress       io.Writer // progress bars; nil disables them
	Logger         *log.Logger
}

func (c *FitConfig) setDefaults() error {
	switch c.Device {
	case "", "cpu":
		c.Device = "cpu"
	default:
		return fmt.Errorf("%w: %q (only \"cpu\" is available)", ErrUnsupportedDevice, c.Device)
	}
	if c.TrainBatchSize <= 0 {
		c.TrainBatchSize = 16
	}
	if c.ValidBatchSize <= 0 {
		c.ValidBatchSize = c.TrainBatchSize
	}
	if c.Epochs <= 0 {
		c.Epochs = 10
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	return nil
}

// EpochResult summarises one epoch. ValidEpochMetric is the metric computed
// over the whole validation set, ValidMetric the average of batch metrics.
type EpochResult struct {
	Epoch            int
	TrainLoss        float64
	TrainMetric      float64
	ValidLoss        float64
	ValidMetric      float64
	ValidEpochMetric float64
	LearningRate     float64
	SkippedSteps     int64
	Duration         time.Duration
}

// History lists epoch results in order
type History []EpochResult

// Last returns the most recent epoch
func (h History) Last() (EpochResult, bool) {
	if len(h) == 0 {
		return EpochResult{}, false
	}
	return h[len(h)-1], true
}

// Best returns the epoch with the lowest validation loss
func (h History) Best() (EpochResult, bool) {
	if len(h) == 0 {
		return EpochResult{}, false
	}
	best := h[0]
	for _, r := range h[1:] {
		if r.ValidLoss < best.ValidLoss {
			best = r
		}
	}
	return best, true
}

// Tesseract drives the training of a Model
type Tesseract struct {
	model     Model
	params    []*layers.Parameter
	optimizer Optimizer
	scheduler LRScheduler
	scaler    *GradScaler
	baseLR    float64

	epoch   int // completed epochs
	step    int // optimizer steps taken
	history History
	stop    atomic.Bool

	logger   *log.Logger
	progress io.Writer
}

// NewTesseract wraps model
func NewTesseract(model Model) *Tesseract {
	return &Tesseract{
		model:  model,
		params: layers.Parameters(model),
		scaler: NewGradScaler(false),
		logger: log.Default(),
	}
}

// Model returns the wrapped model
func (t *Tesseract) Model() Model { return t.model }

// Optimizer returns the optimizer, nil before the first Fit
func (t *Tesseract) Optimizer() Optimizer { return t.optimizer }

// SetOptimizer replaces the optimizer FetchOptimizer would supply
func (t *Tesseract) SetOptimizer(opt Optimizer) { t.optimizer = opt }

// Scheduler returns the scheduler, nil before the first Fit
func (t *Tesseract) Scheduler() LRScheduler { return t.scheduler }

// Scaler returns the gradient scaler of the current run
func (t *Tesseract) Scaler() *GradScaler { return t.scaler }

// Epoch returns the number of completed epochs
func (t *Tesseract) Epoch() int { return t.epoch }

// Step returns the number of optimizer steps taken
func (t *Tesseract) Step() int { return t.step }

// History returns the per-epoch results so far
func (t *Tesseract) History() History { return t.history }

// Logger returns the logger of the current run
func (t *Tesseract) Logger() *log.Logger { return t.logger }

// SetLogger replaces the logger until the next Fit
func (t *Tesseract) SetLogger(l *log.Logger) { t.logger = l }

// SetProgress sets where Evaluate and Predict draw progress bars
func (t *Tesseract) SetProgress(w io.Writer) { t.progress = w }

// Stop asks Fit to finish after the current epoch
func (t *Tesseract) Stop() { t.stop.Store(true) }

// Stopped reports whether Stop was called
func (t *Tesseract) Stopped() bool { return t.stop.Load() }

// Checkpoint captures the weights, optimizer buffers and training position
func (t *Tesseract) Checkpoint() *checkpoints.Checkpoint {
	ckpt := &checkpoints.Checkpoint{
		Weights: checkpoints.StateDict(t.model),
		TrainingState: checkpoints.TrainingState{
			Epoch: t.epoch,
			Step:  t.step,
		},
	}
	if last, ok := t.history.Last(); ok {
		ckpt.TrainingState.LearningRate = last.LearningRate
		ckpt.TrainingState.ValidLoss = last.ValidLoss
		ckpt.TrainingState.ValidMetric = last.ValidEpochMetric
	}
	if t.optimizer != nil {
		ckpt.OptimizerState = t.optimizer.State()
	}
	return ckpt
}

// Restore loads a checkpoint written by Checkpoint so Fit resumes after its
// epoch. The optimizer state is applied when present.
func (t *Tesseract) Restore(ckpt *checkpoints.Checkpoint) error {
	if _, err := checkpoints.LoadStateDict(t.model, ckpt.Weights, checkpoints.LoadOptions{Strict: true}); err != nil {
		return err
	}
	if ckpt.OptimizerState != nil {
		if t.optimizer == nil {
			opt, err := t.model.FetchOptimizer()
			if err != nil {
				return fmt.Errorf("failed to create optimizer: %w", err)
			}
			t.optimizer = opt
		}
		if t.baseLR == 0 {
			t.baseLR = t.optimizer.GetLR()
		}
		if err := t.optimizer.LoadState(ckpt.OptimizerState); err != nil {
			return fmt.Errorf("failed to restore optimizer: %w", err)
		}
	}
	t.epoch = ckpt.TrainingState.Epoch
	t.step = ckpt.TrainingState.Step
	return nil
}

// Fit trains on train and validates on valid once per epoch until
// cfg.Epochs is reached, Stop is called or ctx is cancelled
func (t *Tesseract) Fit(ctx context.Context, train, valid dataloader.Dataset, cfg FitConfig) (History, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	t.logger = cfg.Logger
	t.progress = cfg.Progress
	t.stop.Store(false)

	var cache *dataloader.CacheManager
	if cfg.CacheSize >= 0 {
		c, err := dataloader.NewCacheManager(cfg.CacheSize)
		if err != nil {
			return nil, err
		}
		cache = c
	}
	trainLoader, err := dataloader.NewDataLoader(train, dataloader.Config{
		BatchSize:    cfg.TrainBatchSize,
		Shuffle:      true,
		Workers:      cfg.Workers,
		Seed:         cfg.Seed,
		MaxCacheSize: cfg.CacheSize,
		CacheManager: cache,
	})
	if err != nil {
		return nil, fmt.Errorf("train loader: %w", err)
	}
	validLoader, err := dataloader.NewDataLoader(valid, dataloader.Config{
		BatchSize:    cfg.ValidBatchSize,
		Workers:      cfg.Workers,
		MaxCacheSize: cfg.CacheSize,
		CacheManager: cache,
	})
	if err != nil {
		return nil, fmt.Errorf("valid loader: %w", err)
	}

	if t.optimizer == nil {
		if t.optimizer, err = t.model.FetchOptimizer(); err != nil {
			return nil, fmt.Errorf("failed to create optimizer: %w", err)
		}
	}
	if t.scheduler == nil {
		if t.scheduler, err = t.model.FetchScheduler(t.optimizer); err != nil {
			return nil, fmt.Errorf("failed to create scheduler: %w", err)
		}
	}
	if t.baseLR == 0 {
		t.baseLR = t.optimizer.GetLR()
	}
	t.scaler = NewGradScaler(cfg.FP16)
	layers.SetAutocast(t.model, cfg.FP16)
	defer layers.SetAutocast(t.model, false)

	t.logger.Info("Starting training",
		"device", cfg.Device, "fp16", cfg.FP16, "epochs", cfg.Epochs,
		"train", train.Len(), "valid", valid.Len(),
		"parameters", formatParameterCount(layers.CountParameters(t.model)),
		"optimizer", fmt.Sprintf("%T", t.optimizer), "scheduler", t.scheduler.GetName())

	for _, cb := range cfg.Callbacks {
		if s, ok := cb.(TrainStartCallback); ok {
			if err := s.OnTrainStart(t); err != nil {
				return t.history, err
			}
		}
	}

	err = t.run(ctx, trainLoader, validLoader, cfg)

	for _, cb := range cfg.Callbacks {
		if e, ok := cb.(TrainEndCallback); ok {
			if cbErr := e.OnTrainEnd(t, t.history); cbErr != nil && err == nil {
				err = cbErr
			}
		}
	}
	return t.history, err
}

func (t *Tesseract) run(ctx context.Context, trainLoader, validLoader *dataloader.DataLoader, cfg FitConfig) error {
	start := t.epoch
	for epoch := start; epoch < start+cfg.Epochs; epoch++ {
		began := time.Now()
		skippedBefore := t.scaler.SkippedSteps()

		if _, ok := t.scheduler.(MetricScheduler); !ok {
			t.optimizer.SetLR(t.scheduler.GetLR(epoch, t.step, t.baseLR))
		}
		lr := t.optimizer.GetLR()

		trainLoss, trainMetric, err := t.trainOneEpoch(ctx, trainLoader, epoch+1, start+cfg.Epochs)
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch+1, err)
		}
		validLoss, validMetric, epochMetric, err := t.validateOneEpoch(ctx, validLoader, epoch+1, start+cfg.Epochs)
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch+1, err)
		}
		if ms, ok := t.scheduler.(MetricScheduler); ok {
			t.optimizer.SetLR(ms.Step(validLoss, t.optimizer.GetLR()))
		}

		t.epoch = epoch + 1
		result := EpochResult{
			Epoch:            t.epoch,
			TrainLoss:        trainLoss,
			TrainMetric:      trainMetric,
			ValidLoss:        validLoss,
			ValidMetric:      validMetric,
			ValidEpochMetric: epochMetric,
			LearningRate:     lr,
			SkippedSteps:     t.scaler.SkippedSteps() - skippedBefore,
			Duration:         time.Since(began),
		}
		t.history = append(t.history, result)

		if !isFinite(trainLoss) {
			t.logger.Warn("Training loss is not finite", "epoch", t.epoch, "loss", trainLoss)
		}
		t.logger.Info("Epoch finished",
			"epoch", fmt.Sprintf("%d/%d", t.epoch, start+cfg.Epochs),
			"train_loss", fmt.Sprintf("%.4f", trainLoss),
			"valid_loss", fmt.Sprintf("%.4f", validLoss),
			"valid_auc", fmt.Sprintf("%.4f", epochMetric),
			"lr", lr,
			"took", result.Duration.Round(time.Millisecond))
		t.logger.Debug("Image cache", "stats", trainLoader.Stats())

		for _, cb := range cfg.Callbacks {
			if err := cb.OnEpochEnd(t, validLoss); err != nil {
				return fmt.Errorf("epoch %d callback: %w", t.epoch, err)
			}
		}
		if t.Stopped() {
			t.logger.Info("Stopping early", "epoch", t.epoch)
			return nil
		}
	}
	return nil
}

// trainOneEpoch runs one pass over the training loader and returns the
// average loss and batch metric
func (t *Tesseract) trainOneEpoch(ctx context.Context, loader *dataloader.DataLoader, epoch, epochs int) (float64, float64, error) {
	// stops the loader goroutine when a batch fails
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.model.Train()
	lossFn := t.model.LossFn()

	var losses, metrics AverageMeter
	bar := NewProgressBar(t.progress, fmt.Sprintf("Epoch %d/%d (Training)", epoch, epochs), loader.Len())
	n := 0
	for r := range loader.Stream(ctx) {
		if r.Err != nil {
			return 0, 0, r.Err
		}
		b := r.Batch
		if b.Targets == nil {
			return 0, 0, fmt.Errorf("training batch has no targets")
		}

		t.optimizer.ZeroGrad()
		out, err := t.model.Forward(b.Images)
		if err != nil {
			return 0, 0, fmt.Errorf("forward: %w", err)
		}
		loss, err := lossFn.Forward(out, b.Targets)
		if err != nil {
			return 0, 0, err
		}
		grad, err := lossFn.Backward(out, b.Targets)
		if err != nil {
			return 0, 0, err
		}
		t.scaler.ScaleGrad(grad)
		if _, err := t.model.Backward(grad); err != nil {
			return 0, 0, fmt.Errorf("backward: %w", err)
		}
		if _, err := t.scaler.Step(t.optimizer, t.params); err != nil {
			return 0, 0, fmt.Errorf("optimizer step: %w", err)
		}
		t.step++

		losses.Update(float64(loss.Data[0]), b.Size())
		if err := t.updateMetric(&metrics, out, b.Targets, b.Size()); err != nil {
			return 0, 0, err
		}
		n++
		bar.Update(n, map[string]float64{"loss": losses.Avg, "metric": metrics.Avg})
	}
	bar.Finish()
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	return losses.Avg, metrics.Avg, nil
}

// validateOneEpoch evaluates the model without updating it. Besides the
// averages it returns the metric over the concatenated epoch outputs.
func (t *Tesseract) validateOneEpoch(ctx context.Context, loader *dataloader.DataLoader, epoch, epochs int) (float64, float64, float64, error) {
	// stops the loader goroutine when a batch fails
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer t.evalMode()()
	lossFn := t.model.LossFn()

	var losses, metrics AverageMeter
	var outputs, targets []float32
	classes := 0
	bar := NewProgressBar(t.progress, fmt.Sprintf("Epoch %d/%d (Validation)", epoch, epochs), loader.Len())
	n := 0
	for r := range loader.Stream(ctx) {
		if r.Err != nil {
			return 0, 0, 0, r.Err
		}
		b := r.Batch
		if b.Targets == nil {
			return 0, 0, 0, fmt.Errorf("validation batch has no targets")
		}
		out, err := t.model.Forward(b.Images)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("forward: %w", err)
		}
		loss, err := lossFn.Forward(out, b.Targets)
		if err != nil {
			return 0, 0, 0, err
		}
		losses.Update(float64(loss.Data[0]), b.Size())
		if err := t.updateMetric(&metrics, out, b.Targets, b.Size()); err != nil {
			return 0, 0, 0, err
		}
		outputs = append(outputs, out.Data...)
		targets = append(targets, b.Targets.Data...)
		classes = out.Shape[1]
		n++
		bar.Update(n, map[string]float64{"loss": losses.Avg, "metric": metrics.Avg})
	}
	bar.Finish()
	if err := ctx.Err(); err != nil {
		return 0, 0, 0, err
	}

	rows := len(outputs) / classes
	epochMetric, err := t.model.MetricsFn(
		tensor.MustNew([]int{rows, classes}, outputs),
		tensor.MustNew([]int{rows, classes}, targets))
	switch {
	case errors.Is(err, ErrNonFiniteScores):
		t.logger.Warn("Validation metric undefined", "error", err)
		epochMetric = math.NaN()
	case errors.Is(err, ErrUndefinedAUC):
		t.logger.Warn("Validation metric undefined", "error", err)
		epochMetric = metrics.Avg
	case err != nil:
		return 0, 0, 0, err
	}
	return losses.Avg, metrics.Avg, epochMetric, nil
}

// evalMode switches the model to evaluation and returns a function that
// restores the previous mode
func (t *Tesseract) evalMode() func() {
	wasTraining := t.model.IsTraining()
	t.model.Eval()
	return func() {
		if wasTraining {
			t.model.Train()
		}
	}
}

// updateMetric adds the batch metric to meter. Batches on which the metric
// is undefined (a single class present) are left out.
func (t *Tesseract) updateMetric(meter *AverageMeter, out, targets *tensor.Tensor, n int) error {
	m, err := t.model.MetricsFn(out, targets)
	switch {
	case errors.Is(err, ErrNonFiniteScores):
		t.logger.Warn("Skipping batch metric", "error", err)
		return nil
	case errors.Is(err, ErrUndefinedAUC):
		t.logger.Debug("Skipping batch metric", "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("metric: %w", err)
	}
	meter.Update(m, n)
	return nil
}

// Evaluate computes the average loss and the whole-set metric on ds
func (t *Tesseract) Evaluate(ctx context.Context, ds dataloader.Dataset, batchSize, workers int) (loss float64, metric float64, err error) {
	loader, err := dataloader.NewDataLoader(ds, dataloader.Config{BatchSize: batchSize, Workers: workers, MaxCacheSize: -1})
	if err != nil {
		return 0, 0, err
	}
	loss, _, metric, err = t.validateOneEpoch(ctx, loader, t.epoch, t.epoch)
	return loss, metric, err
}

// Predict returns the raw model outputs for ds as [N, C] in dataset order
func (t *Tesseract) Predict(ctx context.Context, ds dataloader.Dataset, batchSize, workers int) (*tensor.Tensor, error) {
	loader, err := dataloader.NewDataLoader(ds, dataloader.Config{BatchSize: batchSize, Workers: workers, MaxCacheSize: -1})
	if err != nil {
		return nil, err
	}

	defer t.evalMode()()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var outputs []float32
	classes := 0
	bar := NewProgressBar(t.progress, "Predicting", loader.Len())
	n := 0
	for r := range loader.Stream(ctx) {
		if r.Err != nil {
			return nil, r.Err
		}
		out, err := t.model.Forward(r.Batch.Images)
		if err != nil {
			return nil, fmt.Errorf("forward: %w", err)
		}
		outputs = append(outputs, out.Data...)
		classes = out.Shape[1]
		n++
		bar.Update(n, nil)
	}
	bar.Finish()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return tensor.NewTensor([]int{len(outputs) / classes, classes}, outputs)
}
