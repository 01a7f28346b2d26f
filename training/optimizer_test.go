package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/leafnet/checkpoints"
	"github.com/tsawler/leafnet/layers"
	"github.com/tsawler/leafnet/tensor"
)

func scalarParam(t *testing.T, w, g float32) *layers.Parameter {
	t.Helper()
	p := layers.NewParameter(mustTensor(t, []int{1}, []float32{w}))
	p.Grad = mustTensor(t, []int{1}, []float32{g})
	return p
}

func TestAdamMatchesReference(t *testing.T) {
	p := scalarParam(t, 1, 0.5)
	adam := NewDefaultAdam([]*layers.Parameter{p}, 0.1)

	// m_hat = g and v_hat = g^2 for a constant gradient, so every step moves
	// the weight by lr * g/|g|
	require.NoError(t, adam.Step())
	assert.InDelta(t, 0.9, p.Data.Data[0], 1e-6)
	require.NoError(t, adam.Step())
	assert.InDelta(t, 0.8, p.Data.Data[0], 1e-6)
	assert.Equal(t, int64(2), adam.GetStepCount())

	// first moments follow the EMA exactly
	state := adam.State()
	assert.Equal(t, "Adam", state.Type)
	require.Len(t, state.StateData, 2)
	assert.InDelta(t, 0.095, state.StateData[0].Data[0], 1e-7)
	assert.InDelta(t, 0.00049975, state.StateData[1].Data[0], 1e-9)
}

func TestAdamWeightDecayAndFrozen(t *testing.T) {
	p := scalarParam(t, 2, 0)
	frozen := scalarParam(t, 5, 1)
	frozen.RequiresGrad = false

	adam := NewAdam([]*layers.Parameter{p, frozen}, 0.01, 0.9, 0.999, 1e-8, 0.5)
	require.NoError(t, adam.Step())
	// decayed gradient is 0.5*2 = 1, so the first step is lr
	assert.InDelta(t, 1.99, p.Data.Data[0], 1e-6)
	assert.Equal(t, float32(5), frozen.Data.Data[0])
}

func TestAdamStateRoundTrip(t *testing.T) {
	p := scalarParam(t, 1, 0.5)
	adam := NewDefaultAdam([]*layers.Parameter{p}, 0.1)
	require.NoError(t, adam.Step())
	state := adam.State()

	q := scalarParam(t, 0.9, 0.5)
	restored := NewDefaultAdam([]*layers.Parameter{q}, 0.5)
	require.NoError(t, restored.LoadState(state))
	assert.Equal(t, 0.1, restored.GetLR())
	assert.Equal(t, int64(1), restored.GetStepCount())

	require.NoError(t, adam.Step())
	require.NoError(t, restored.Step())
	assert.InDelta(t, p.Data.Data[0], q.Data.Data[0], 1e-7)

	assert.Error(t, restored.LoadState(&checkpoints.OptimizerState{Type: "SGD"}))
	assert.Error(t, restored.LoadState(nil))
	bad := &checkpoints.OptimizerState{Type: "Adam", StateData: []checkpoints.OptimizerTensor{{Index: 0, Data: []float32{1, 2}, StateType: "m"}}}
	assert.ErrorIs(t, restored.LoadState(bad), checkpoints.ErrShapeMismatch)
}

func TestSGDMomentum(t *testing.T) {
	p := scalarParam(t, 1, 1)
	sgd := NewSGD([]*layers.Parameter{p}, 0.1, 0.9, 0, 0, false)

	require.NoError(t, sgd.Step())
	assert.InDelta(t, 0.9, p.Data.Data[0], 1e-6)
	require.NoError(t, sgd.Step())
	assert.InDelta(t, 0.71, p.Data.Data[0], 1e-6)

	state := sgd.State()
	require.Len(t, state.StateData, 1)
	assert.InDelta(t, 1.9, state.StateData[0].Data[0], 1e-6)
}

func TestSGDPlain(t *testing.T) {
	p := scalarParam(t, 1, 2)
	sgd := NewSGD([]*layers.Parameter{p}, 0.25, 0, 0, 0, false)
	require.NoError(t, sgd.Step())
	assert.InDelta(t, 0.5, p.Data.Data[0], 1e-6)
	assert.Empty(t, sgd.State().StateData)
}

func TestOptimizerLRAndZeroGrad(t *testing.T) {
	p := scalarParam(t, 1, 3)
	for _, opt := range []Optimizer{
		NewSGD([]*layers.Parameter{p}, 0.1, 0, 0, 0, false),
		NewDefaultAdam([]*layers.Parameter{p}, 0.1),
	} {
		opt.SetLR(0.02)
		assert.Equal(t, 0.02, opt.GetLR())

		p.Grad = mustTensor(t, []int{1}, []float32{3})
		opt.ZeroGrad()
		assert.Equal(t, float32(0), p.Grad.Data[0])
	}
}

func TestOptimizerGradientMismatch(t *testing.T) {
	p := layers.NewParameter(mustTensor(t, []int{2}, []float32{1, 2}))
	p.Grad = tensor.MustNew([]int{3}, nil)
	assert.Error(t, NewDefaultAdam([]*layers.Parameter{p}, 0.1).Step())
	assert.Error(t, NewSGD([]*layers.Parameter{p}, 0.1, 0, 0, 0, false).Step())
}
