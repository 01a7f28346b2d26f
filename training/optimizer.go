package training

import (
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/leafnet/checkpoints"
	"github.com/tsawler/leafnet/layers"
	"github.com/tsawler/leafnet/tensor"
)

// Optimizer interface defines the methods that all optimizers must implement
type Optimizer interface {
	Step() error      // Updates model parameters based on gradients
	ZeroGrad()        // Resets gradients to zero for all parameters
	GetLR() float64   // Gets current learning rate
	SetLR(lr float64) // Sets learning rate
	GetStepCount() int64
	// State exports the optimizer buffers for a checkpoint
	State() *checkpoints.OptimizerState
	LoadState(state *checkpoints.OptimizerState) error
}

// SGD implements stochastic gradient descent with optional momentum
type SGD struct {
	parameters   []*layers.Parameter
	learningRate float64
	momentum     float64
	weightDecay  float64
	dampening    float64
	nesterov     bool
	steps        int64
	velocities   [][]float32
	mutex        sync.RWMutex
}

// NewSGD creates a new SGD optimizer
func NewSGD(parameters []*layers.Parameter, lr, momentum, weightDecay, dampening float64, nesterov bool) *SGD {
	return &SGD{
		parameters:   parameters,
		learningRate: lr,
		momentum:     momentum,
		weightDecay:  weightDecay,
		dampening:    dampening,
		nesterov:     nesterov,
		velocities:   make([][]float32, len(parameters)),
	}
}

// Step performs a single optimization step
func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	for i, p := range sgd.parameters {
		if !p.RequiresGrad || p.Grad == nil {
			continue
		}
		w, g := p.Data.Data, p.Grad.Data
		if len(w) != len(g) {
			return fmt.Errorf("parameter %d: gradient has %d values, weight has %d", i, len(g), len(w))
		}

		if sgd.momentum > 0 && sgd.velocities[i] == nil {
			sgd.velocities[i] = make([]float32, len(w))
		}
		v := sgd.velocities[i]

		for j := range w {
			d := float64(g[j]) + sgd.weightDecay*float64(w[j])
			if sgd.momentum > 0 {
				if sgd.steps == 0 {
					v[j] = float32(d)
				} else {
					v[j] = float32(sgd.momentum*float64(v[j]) + (1-sgd.dampening)*d)
				}
				if sgd.nesterov {
					d += sgd.momentum * float64(v[j])
				} else {
					d = float64(v[j])
				}
			}
			w[j] -= float32(sgd.learningRate * d)
		}
	}
	sgd.steps++
	return nil
}

// ZeroGrad resets gradients to zero
func (sgd *SGD) ZeroGrad() {
	for _, p := range sgd.parameters {
		p.ZeroGrad()
	}
}

func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.learningRate
}

func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.learningRate = lr
}

func (sgd *SGD) GetStepCount() int64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.steps
}

func (sgd *SGD) State() *checkpoints.OptimizerState {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()

	state := &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]float64{
			"learning_rate": sgd.learningRate,
			"momentum":      sgd.momentum,
			"weight_decay":  sgd.weightDecay,
			"dampening":     sgd.dampening,
			"step_count":    float64(sgd.steps),
		},
	}
	for i, v := range sgd.velocities {
		if v != nil {
			state.StateData = append(state.StateData, checkpoints.OptimizerTensor{
				Index: i, Data: append([]float32(nil), v...), StateType: "momentum",
			})
		}
	}
	return state
}

func (sgd *SGD) LoadState(state *checkpoints.OptimizerState) error {
	if state == nil || state.Type != "SGD" {
		return fmt.Errorf("cannot load optimizer state of type %v into SGD", stateType(state))
	}
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	for _, t := range state.StateData {
		if err := checkBuffer(sgd.parameters, t); err != nil {
			return err
		}
		sgd.velocities[t.Index] = append([]float32(nil), t.Data...)
	}
	sgd.learningRate = state.Parameters["learning_rate"]
	sgd.steps = int64(state.Parameters["step_count"])
	return nil
}

// Adam implements the Adam optimizer with L2 weight decay folded into the
// gradient
type Adam struct {
	parameters  []*layers.Parameter
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int64
	m           [][]float32 // First moment estimates
	v           [][]float32 // Second moment estimates
	mutex       sync.RWMutex
}

// NewAdam creates a new Adam optimizer
func NewAdam(parameters []*layers.Parameter, lr, beta1, beta2, eps, weightDecay float64) *Adam {
	adam := &Adam{
		parameters:  parameters,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		eps:         eps,
		weightDecay: weightDecay,
		m:           make([][]float32, len(parameters)),
		v:           make([][]float32, len(parameters)),
	}
	for i, p := range parameters {
		adam.m[i] = make([]float32, p.Data.NumElems)
		adam.v[i] = make([]float32, p.Data.NumElems)
	}
	return adam
}

// NewDefaultAdam uses betas (0.9, 0.999), eps 1e-8 and no weight decay
func NewDefaultAdam(parameters []*layers.Parameter, lr float64) *Adam {
	return NewAdam(parameters, lr, 0.9, 0.999, 1e-8, 0)
}

// Step performs a single optimization step
func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.step++

	// Bias correction factors
	bias1 := 1.0 - math.Pow(adam.beta1, float64(adam.step))
	bias2 := 1.0 - math.Pow(adam.beta2, float64(adam.step))
	stepSize := adam.lr / bias1

	err := tensor.ParallelChunks(len(adam.parameters), func(_, start, end int) error {
		for i := start; i < end; i++ {
			p := adam.parameters[i]
			if !p.RequiresGrad || p.Grad == nil {
				continue
			}
			w, g := p.Data.Data, p.Grad.Data
			if len(w) != len(g) {
				return fmt.Errorf("parameter %d: gradient has %d values, weight has %d", i, len(g), len(w))
			}
			m, v := adam.m[i], adam.v[i]
			for j := range w {
				grad := float64(g[j]) + adam.weightDecay*float64(w[j])
				mj := adam.beta1*float64(m[j]) + (1-adam.beta1)*grad
				vj := adam.beta2*float64(v[j]) + (1-adam.beta2)*grad*grad
				m[j], v[j] = float32(mj), float32(vj)
				denom := math.Sqrt(vj)/math.Sqrt(bias2) + adam.eps
				w[j] -= float32(stepSize * mj / denom)
			}
		}
		return nil
	})
	return err
}

// ZeroGrad resets gradients to zero
func (adam *Adam) ZeroGrad() {
	for _, p := range adam.parameters {
		p.ZeroGrad()
	}
}

func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.lr
}

func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.lr = lr
}

func (adam *Adam) GetStepCount() int64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.step
}

func (adam *Adam) State() *checkpoints.OptimizerState {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()

	state := &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]float64{
			"learning_rate": adam.lr,
			"beta1":         adam.beta1,
			"beta2":         adam.beta2,
			"epsilon":       adam.eps,
			"weight_decay":  adam.weightDecay,
			"step_count":    float64(adam.step),
		},
	}
	for i := range adam.parameters {
		state.StateData = append(state.StateData,
			checkpoints.OptimizerTensor{Index: i, Data: append([]float32(nil), adam.m[i]...), StateType: "m"},
			checkpoints.OptimizerTensor{Index: i, Data: append([]float32(nil), adam.v[i]...), StateType: "v"},
		)
	}
	return state
}

func (adam *Adam) LoadState(state *checkpoints.OptimizerState) error {
	if state == nil || state.Type != "Adam" {
		return fmt.Errorf("cannot load optimizer state of type %v into Adam", stateType(state))
	}
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	for _, t := range state.StateData {
		if err := checkBuffer(adam.parameters, t); err != nil {
			return err
		}
		switch t.StateType {
		case "m":
			copy(adam.m[t.Index], t.Data)
		case "v":
			copy(adam.v[t.Index], t.Data)
		default:
			return fmt.Errorf("unknown Adam state %q", t.StateType)
		}
	}
	adam.lr = state.Parameters["learning_rate"]
	adam.step = int64(state.Parameters["step_count"])
	return nil
}

func checkBuffer(params []*layers.Parameter, t checkpoints.OptimizerTensor) error {
	if t.Index < 0 || t.Index >= len(params) {
		return fmt.Errorf("optimizer state refers to parameter %d, model has %d", t.Index, len(params))
	}
	if n := params[t.Index].Data.NumElems; n != len(t.Data) {
		return fmt.Errorf("%w: optimizer %s buffer for parameter %d has %d values, want %d",
			checkpoints.ErrShapeMismatch, t.StateType, t.Index, len(t.Data), n)
	}
	return nil
}

func stateType(state *checkpoints.OptimizerState) string {
	if state == nil {
		return "<nil>"
	}
	return state.Type
}
