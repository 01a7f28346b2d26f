package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineAnnealingWarmRestarts(t *testing.T) {
	s := NewCosineAnnealingWarmRestarts(10, 1, 1e-6)
	base := 1e-4

	assert.InDelta(t, base, s.GetLR(0, 0, base), 1e-15)
	assert.InDelta(t, base, s.GetLR(10, 0, base), 1e-15, "restart returns to the base rate")
	assert.InDelta(t, base, s.GetLR(20, 0, base), 1e-15)

	mid := 1e-6 + (base-1e-6)/2
	assert.InDelta(t, mid, s.GetLR(5, 0, base), 1e-15)

	prev := base
	for e := 1; e < 10; e++ {
		lr := s.GetLR(e, 0, base)
		assert.Less(t, lr, prev, "epoch %d", e)
		assert.Greater(t, lr, 1e-6)
		prev = lr
	}
	want := 1e-6 + (base-1e-6)*(1+math.Cos(math.Pi*9/10))/2
	assert.InDelta(t, want, s.GetLR(9, 0, base), 1e-15)
}

func TestCosineAnnealingWarmRestartsTMult(t *testing.T) {
	s := NewCosineAnnealingWarmRestarts(2, 2, 0)
	base := 1.0
	// cycles of 2, 4, 8 epochs start at 0, 2, 6
	for _, restart := range []int{0, 2, 6, 14} {
		assert.InDelta(t, base, s.GetLR(restart, 0, base), 1e-12, "epoch %d", restart)
	}
	assert.InDelta(t, 0.5, s.GetLR(4, 0, base), 1e-12)
	assert.InDelta(t, 0.5, s.GetLR(10, 0, base), 1e-12)
}

func TestCosineAnnealingWarmRestartsDefaults(t *testing.T) {
	s := NewCosineAnnealingWarmRestarts(0, 0, -1)
	assert.Equal(t, 10, s.T0)
	assert.Equal(t, 1, s.TMult)
	assert.Equal(t, 0.0, s.EtaMin)
	assert.Equal(t, "CosineAnnealingWarmRestarts", s.GetName())
}

func TestStepLRScheduler(t *testing.T) {
	s := NewStepLRScheduler(2, 0.1)
	for epoch, want := range []float64{0.1, 0.1, 0.01, 0.01, 0.001} {
		assert.InDelta(t, want, s.GetLR(epoch, 0, 0.1), 1e-12, "epoch %d", epoch)
	}
}

func TestExponentialLRScheduler(t *testing.T) {
	s := NewExponentialLRScheduler(0.9)
	for epoch, want := range []float64{0.1, 0.09, 0.081, 0.0729} {
		assert.InDelta(t, want, s.GetLR(epoch, 0, 0.1), 1e-12, "epoch %d", epoch)
	}
}

func TestCosineAnnealingLRScheduler(t *testing.T) {
	s := NewCosineAnnealingLRScheduler(4, 0)
	assert.InDelta(t, 1.0, s.GetLR(0, 0, 1), 1e-12)
	assert.InDelta(t, 0.5, s.GetLR(2, 0, 1), 1e-12)
	assert.Equal(t, 0.0, s.GetLR(4, 0, 1))
	assert.Equal(t, 0.0, s.GetLR(9, 0, 1))
}

func TestReduceLROnPlateau(t *testing.T) {
	s := NewReduceLROnPlateauScheduler(0.5, 2, 0, "min")
	assert.Equal(t, 0.1, s.GetLR(0, 0, 0.1))

	lr := s.Step(1.0, 0.1)
	assert.Equal(t, 0.1, lr)
	lr = s.Step(0.9, lr)
	assert.Equal(t, 0.1, lr)
	lr = s.Step(0.95, lr)
	assert.Equal(t, 0.1, lr)
	lr = s.Step(0.95, lr)
	assert.InDelta(t, 0.05, lr, 1e-12)
	assert.InDelta(t, 0.05, s.GetLR(5, 0, 0.1), 1e-12)
}

func TestNewScheduler(t *testing.T) {
	cases := map[string]string{
		"cosine_warm_restarts": "CosineAnnealingWarmRestarts",
		"cosine":               "CosineAnnealingLR",
		"step":                 "StepLR",
		"exponential":          "ExponentialLR",
		"plateau":              "ReduceLROnPlateau",
		"none":                 "ConstantLR",
	}
	for name, want := range cases {
		s, err := NewScheduler(name, SchedulerConfig{T0: 10, TMult: 1})
		require.NoError(t, err, name)
		assert.Equal(t, want, s.GetName())
	}

	s, err := NewScheduler("plateau", SchedulerConfig{})
	require.NoError(t, err)
	assert.Implements(t, (*MetricScheduler)(nil), s)

	_, err = NewScheduler("cyclic", SchedulerConfig{})
	assert.Error(t, err)
}
