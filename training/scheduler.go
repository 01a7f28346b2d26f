package training

import (
	"fmt"
	"math"
)

// LRScheduler maps an epoch index to a learning rate. Implementations are
// pure functions of their configuration; Tesseract calls GetLR once per
// epoch and pushes the result into the optimizer.
type LRScheduler interface {
	GetLR(epoch int, step int, baseLR float64) float64
	GetName() string
}

// MetricScheduler is implemented by schedulers that react to the
// validation loss instead of the epoch index
type MetricScheduler interface {
	LRScheduler
	Step(metric float64, currentLR float64) float64
}

// SchedulerConfig holds every knob the named schedulers understand
type SchedulerConfig struct {
	StepSize  int
	Gamma     float64
	TMax      int
	T0        int
	TMult     int
	EtaMin    float64
	Factor    float64
	Patience  int
	Threshold float64
}

// NewScheduler builds the scheduler registered under name
func NewScheduler(name string, cfg SchedulerConfig) (LRScheduler, error) {
	switch name {
	case "cosine_warm_restarts", "CosineAnnealingWarmRestarts":
		return NewCosineAnnealingWarmRestarts(cfg.T0, cfg.TMult, cfg.EtaMin), nil
	case "cosine", "CosineAnnealingLR":
		return NewCosineAnnealingLRScheduler(cfg.TMax, cfg.EtaMin), nil
	case "step", "StepLR":
		return NewStepLRScheduler(cfg.StepSize, cfg.Gamma), nil
	case "exponential", "ExponentialLR":
		return NewExponentialLRScheduler(cfg.Gamma), nil
	case "plateau", "ReduceLROnPlateau":
		return NewReduceLROnPlateauScheduler(cfg.Factor, cfg.Patience, cfg.Threshold, "min"), nil
	case "", "none", "constant":
		return &NoOpScheduler{}, nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", name)
	}
}

// CosineAnnealingWarmRestarts anneals from the base rate to EtaMin over T0
// epochs, then restarts. Each cycle is TMult times longer than the last.
type CosineAnnealingWarmRestarts struct {
	T0     int
	TMult  int
	EtaMin float64
}

// NewCosineAnnealingWarmRestarts creates the scheduler; T0 defaults to 10
// and TMult to 1
func NewCosineAnnealingWarmRestarts(t0, tMult int, etaMin float64) *CosineAnnealingWarmRestarts {
	if t0 <= 0 {
		t0 = 10
	}
	if tMult < 1 {
		tMult = 1
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingWarmRestarts{T0: t0, TMult: tMult, EtaMin: etaMin}
}

func (s *CosineAnnealingWarmRestarts) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch < 0 {
		epoch = 0
	}
	tCur, tI := epoch%s.T0, s.T0
	if s.TMult > 1 {
		tCur, tI = epoch, s.T0
		for tCur >= tI {
			tCur -= tI
			tI *= s.TMult
		}
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(tCur)/float64(tI)))/2
}

func (s *CosineAnnealingWarmRestarts) GetName() string {
	return "CosineAnnealingWarmRestarts"
}

// StepLRScheduler multiplies the rate by Gamma every StepSize epochs
type StepLRScheduler struct {
	StepSize int
	Gamma    float64
}

func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays the rate by Gamma every epoch
type ExponentialLRScheduler struct {
	Gamma float64
}

func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler anneals once over TMax epochs and stays at
// EtaMin afterwards
type CosineAnnealingLRScheduler struct {
	TMax   int
	EtaMin float64
}

func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// ReduceLROnPlateauScheduler cuts the rate by Factor after Patience epochs
// without improvement of the validation loss
type ReduceLROnPlateauScheduler struct {
	Factor    float64
	Patience  int
	Threshold float64
	Mode      string // "min" or "max"

	bestMetric  float64
	badEpochs   int
	currentLR   float64
	initialized bool
}

func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min"
	}
	return &ReduceLROnPlateauScheduler{Factor: factor, Patience: patience, Threshold: threshold, Mode: mode}
}

// Step records metric for the finished epoch and returns the rate to use next
func (s *ReduceLROnPlateauScheduler) Step(metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = metric
		s.currentLR = currentLR
		s.initialized = true
		return currentLR
	}

	improved := metric < s.bestMetric-s.Threshold
	if s.Mode == "max" {
		improved = metric > s.bestMetric+s.Threshold
	}

	if improved {
		s.bestMetric = metric
		s.badEpochs = 0
	} else {
		s.badEpochs++
		if s.badEpochs >= s.Patience {
			s.currentLR *= s.Factor
			s.badEpochs = 0
		}
	}
	return s.currentLR
}

func (s *ReduceLROnPlateauScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if s.initialized {
		return s.currentLR
	}
	return baseLR
}

func (s *ReduceLROnPlateauScheduler) GetName() string {
	return "ReduceLROnPlateau"
}

// NoOpScheduler keeps the base rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}
