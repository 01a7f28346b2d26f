package models

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/tsawler/leafnet/checkpoints"
	"github.com/tsawler/leafnet/layers"
	"github.com/tsawler/leafnet/tensor"
	"github.com/tsawler/leafnet/training"
)

// PlantConfig configures a PlantModel and the training hooks it exposes
type PlantConfig struct {
	NumClass int
	Depth    int // backbone depth, 18 or 34
	Width    int // backbone base width; zero means 64

	// Pretrained names a checkpoint or ONNX file holding backbone weights
	Pretrained string

	Loss         string // "bce" or "dense_ce"
	Optimizer    string // "adam" (default) or "sgd"
	LearningRate float64
	Momentum     float64 // sgd only
	Scheduler    string
	SchedulerCfg training.SchedulerConfig
}

// DefaultPlantConfig reproduces the fine-tuning experiment: ResNet-18,
// four classes, BCE, Adam 1e-4 and cosine warm restarts every 10 epochs
func DefaultPlantConfig() PlantConfig {
	return PlantConfig{
		NumClass:     4,
		Depth:        18,
		Loss:         "bce",
		Optimizer:    "adam",
		LearningRate: 1e-4,
		Momentum:     0.9,
		Scheduler:    "cosine_warm_restarts",
		SchedulerCfg: training.SchedulerConfig{T0: 10, TMult: 1, EtaMin: 1e-6},
	}
}

// PlantModel is a ResNet backbone followed by a linear head producing one
// logit per class
type PlantModel struct {
	backbone *ResNet
	out      *layers.Linear
	loss     training.Loss
	cfg      PlantConfig
}

// NewPlantModel builds the network and, when cfg.Pretrained is set, loads
// backbone weights from it
func NewPlantModel(cfg PlantConfig) (*PlantModel, error) {
	if cfg.NumClass <= 0 {
		return nil, fmt.Errorf("num_class must be positive, got %d", cfg.NumClass)
	}
	if cfg.Depth == 0 {
		cfg.Depth = 18
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 1e-4
	}
	switch cfg.Optimizer {
	case "":
		cfg.Optimizer = "adam"
	case "adam", "sgd":
	default:
		return nil, fmt.Errorf("unknown optimizer %q (want adam or sgd)", cfg.Optimizer)
	}

	loss, err := training.NewLoss(cfg.Loss)
	if err != nil {
		return nil, err
	}
	backbone, err := NewResNet(ResNetConfig{Depth: cfg.Depth, Width: cfg.Width})
	if err != nil {
		return nil, err
	}
	out, err := layers.NewLinear(backbone.FeatureDim(), cfg.NumClass, true)
	if err != nil {
		return nil, fmt.Errorf("out: %w", err)
	}

	m := &PlantModel{backbone: backbone, out: out, loss: loss, cfg: cfg}
	if cfg.Pretrained != "" {
		if _, err := m.LoadPretrained(cfg.Pretrained); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Backbone exposes the feature extractor
func (m *PlantModel) Backbone() *ResNet { return m.backbone }

// Config returns the configuration the model was built with
func (m *PlantModel) Config() PlantConfig { return m.cfg }

// Forward returns [N, NumClass] logits
func (m *PlantModel) Forward(image *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := m.backbone.Forward(image)
	if err != nil {
		return nil, err
	}
	return m.out.Forward(x)
}

func (m *PlantModel) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	g, err := m.out.Backward(gradOutput)
	if err != nil {
		return nil, fmt.Errorf("out backward: %w", err)
	}
	return m.backbone.Backward(g)
}

func (m *PlantModel) NamedParameters(prefix string) []layers.NamedParameter {
	params := m.backbone.NamedParameters(layers.Join(prefix, "backbone"))
	return append(params, m.out.NamedParameters(layers.Join(prefix, "out"))...)
}

func (m *PlantModel) Train() {
	m.backbone.Train()
	m.out.Train()
}

func (m *PlantModel) Eval() {
	m.backbone.Eval()
	m.out.Eval()
}

func (m *PlantModel) IsTraining() bool { return m.out.IsTraining() }

func (m *PlantModel) SetAutocast(enabled bool) {
	m.backbone.SetAutocast(enabled)
	m.out.SetAutocast(enabled)
}

func (m *PlantModel) Describe() string {
	return fmt.Sprintf("PlantModel(\n  (backbone): %s\n  (out): %s\n)",
		strings.ReplaceAll(m.backbone.Describe(), "\n", "\n  "), m.out.Describe())
}

// LossFn returns BCE-with-logits unless the config selects dense_ce
func (m *PlantModel) LossFn() training.Loss { return m.loss }

// MetricsFn is the micro-averaged ROC AUC of the batch
func (m *PlantModel) MetricsFn(outputs, targets *tensor.Tensor) (float64, error) {
	return training.MicroROCAUC(outputs, targets)
}

// FetchOptimizer returns the configured optimizer over every trainable
// parameter
func (m *PlantModel) FetchOptimizer() (training.Optimizer, error) {
	params := layers.Parameters(m)
	switch m.cfg.Optimizer {
	case "adam":
		return training.NewDefaultAdam(params, m.cfg.LearningRate), nil
	case "sgd":
		return training.NewSGD(params, m.cfg.LearningRate, m.cfg.Momentum, 0, 0, false), nil
	}
	return nil, fmt.Errorf("unknown optimizer %q", m.cfg.Optimizer)
}

// FetchScheduler returns the configured epoch scheduler
func (m *PlantModel) FetchScheduler(training.Optimizer) (training.LRScheduler, error) {
	return training.NewScheduler(m.cfg.Scheduler, m.cfg.SchedulerCfg)
}

// LoadPretrained copies backbone weights from path. Keys may carry a
// "backbone." prefix (a saved PlantModel) or none (a torchvision export);
// the classifier fc is never loaded and the head keeps its initialisation.
func (m *PlantModel) LoadPretrained(path string) (checkpoints.LoadReport, error) {
	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return checkpoints.LoadReport{}, fmt.Errorf("failed to load pretrained weights: %w", err)
	}

	report, err := checkpoints.LoadStateDict(m.backbone, ckpt.Weights, checkpoints.LoadOptions{
		StripPrefix: "backbone.",
		Ignore:      []string{"fc.", "out."},
	})
	if err != nil {
		return report, fmt.Errorf("failed to load pretrained weights: %w", err)
	}
	if len(report.Loaded) == 0 {
		return report, fmt.Errorf("no backbone weights found in %s", path)
	}
	if len(report.Missing) > 0 {
		log.Warn("Pretrained weights are incomplete", "path", path, "missing", len(report.Missing), "first", report.Missing[0])
	}
	if len(report.Unexpected) > 0 {
		log.Warn("Ignoring unexpected pretrained keys", "path", path, "count", len(report.Unexpected))
	}
	log.Info("Loaded pretrained backbone", "path", path, "tensors", len(report.Loaded))
	return report, nil
}
