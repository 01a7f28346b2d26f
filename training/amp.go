package training

import (
	"math"

	"github.com/tsawler/leafnet/layers"
	"github.com/tsawler/leafnet/tensor"
)

// Default GradScaler settings
const (
	DefaultInitScale      = 65536.0
	DefaultGrowthFactor   = 2.0
	DefaultBackoffFactor  = 0.5
	DefaultGrowthInterval = 2000
)

// GradScaler implements dynamic loss scaling for the half-precision loop.
// The loss gradient is multiplied by the scale and rounded to binary16
// before backpropagation; parameter gradients are divided by the scale
// before the optimizer runs. A step whose gradients contain Inf or NaN is
// skipped and the scale backs off.
type GradScaler struct {
	enabled        bool
	scale          float64
	growthFactor   float64
	backoffFactor  float64
	growthInterval int
	growthTracker  int
	skipped        int64
}

// NewGradScaler creates a scaler with the default settings. A disabled
// scaler passes gradients through untouched.
func NewGradScaler(enabled bool) *GradScaler {
	return &GradScaler{
		enabled:        enabled,
		scale:          DefaultInitScale,
		growthFactor:   DefaultGrowthFactor,
		backoffFactor:  DefaultBackoffFactor,
		growthInterval: DefaultGrowthInterval,
	}
}

// WithGrowthInterval changes how many clean steps trigger a scale increase
func (s *GradScaler) WithGrowthInterval(n int) *GradScaler {
	if n > 0 {
		s.growthInterval = n
	}
	return s
}

// Enabled reports whether scaling is active
func (s *GradScaler) Enabled() bool { return s.enabled }

// Scale returns the current loss scale, 1 when disabled
func (s *GradScaler) Scale() float64 {
	if !s.enabled {
		return 1
	}
	return s.scale
}

// SkippedSteps returns the number of optimizer steps dropped for overflow
func (s *GradScaler) SkippedSteps() int64 { return s.skipped }

// ScaleGrad multiplies the loss gradient by the scale and rounds it to
// binary16 in place. Values beyond the half range become Inf.
func (s *GradScaler) ScaleGrad(grad *tensor.Tensor) {
	if !s.enabled {
		return
	}
	tensor.Scale(grad, float32(s.scale))
	tensor.RoundHalf(grad.Data)
}

// Step unscales the gradients of params and runs opt unless any gradient
// is non-finite. It then updates the scale and reports whether the
// optimizer ran.
func (s *GradScaler) Step(opt Optimizer, params []*layers.Parameter) (bool, error) {
	if !s.enabled {
		return true, opt.Step()
	}

	inv := float32(1 / s.scale)
	foundInf := false
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		tensor.Scale(p.Grad, inv)
		if tensor.HasNonFinite(p.Grad.Data) {
			foundInf = true
		}
	}

	s.update(foundInf)
	if foundInf {
		s.skipped++
		return false, nil
	}
	return true, opt.Step()
}

func (s *GradScaler) update(foundInf bool) {
	if foundInf {
		s.scale *= s.backoffFactor
		s.growthTracker = 0
		return
	}
	s.growthTracker++
	if s.growthTracker >= s.growthInterval {
		next := s.scale * s.growthFactor
		if !math.IsInf(next, 0) {
			s.scale = next
		}
		s.growthTracker = 0
	}
}
