// Package layers implements the CPU building blocks of the classification
// network. Each module caches what its backward pass needs during Forward,
// so Forward and Backward must be called in matching pairs.
package layers

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/leafnet/tensor"
)

var (
	rngMu     sync.Mutex
	globalRng = rand.New(rand.NewSource(1))
)

// SetRandomSeed sets the global random seed for deterministic weight initialization
func SetRandomSeed(seed int64) {
	rngMu.Lock()
	defer rngMu.Unlock()
	globalRng = rand.New(rand.NewSource(seed))
}

func withRng(fn func(rng *rand.Rand)) {
	rngMu.Lock()
	defer rngMu.Unlock()
	fn(globalRng)
}

// Parameter is a named piece of module state. Trainable parameters carry a
// gradient buffer; buffers such as BatchNorm running statistics do not.
type Parameter struct {
	Data         *tensor.Tensor
	Grad         *tensor.Tensor
	RequiresGrad bool
}

// NewParameter wraps a trainable tensor and allocates its gradient
func NewParameter(data *tensor.Tensor) *Parameter {
	return &Parameter{
		Data:         data,
		Grad:         tensor.ZerosLike(data),
		RequiresGrad: true,
	}
}

// NewBuffer wraps non-trainable state that still belongs in the state dict
func NewBuffer(data *tensor.Tensor) *Parameter {
	return &Parameter{Data: data}
}

// ZeroGrad clears the accumulated gradient
func (p *Parameter) ZeroGrad() {
	if p.Grad != nil {
		tensor.Fill(p.Grad, 0)
	}
}

// NamedParameter pairs a parameter with its fully qualified state-dict key
type NamedParameter struct {
	Name  string
	Param *Parameter
}

// Module interface defines methods that all neural network layers must implement
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	// Backward takes dL/d(output) and returns dL/d(input), accumulating
	// parameter gradients along the way.
	Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error)
	// NamedParameters lists parameters and buffers in registration order
	NamedParameters(prefix string) []NamedParameter
	Train()
	Eval()
	IsTraining() bool
}

// Autocaster is implemented by modules whose forward pass can run in half
// precision.
type Autocaster interface {
	SetAutocast(enabled bool)
}

// Describer renders a module as a PyTorch-style one-line summary
type Describer interface {
	Describe() string
}

// Join builds a dotted state-dict key
func Join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// Parameters returns the trainable parameters of m
func Parameters(m Module) []*Parameter {
	var params []*Parameter
	for _, np := range m.NamedParameters("") {
		if np.Param.RequiresGrad {
			params = append(params, np.Param)
		}
	}
	return params
}

// ZeroGrad clears gradients of every trainable parameter of m
func ZeroGrad(m Module) {
	for _, p := range Parameters(m) {
		p.ZeroGrad()
	}
}

// CountParameters returns the number of trainable scalars in m
func CountParameters(m Module) int64 {
	var n int64
	for _, p := range Parameters(m) {
		n += int64(p.Data.NumElems)
	}
	return n
}

// SetAutocast toggles half-precision forward on m if it supports it
func SetAutocast(m Module, enabled bool) {
	if a, ok := m.(Autocaster); ok {
		a.SetAutocast(enabled)
	}
}

func expectRank(name string, t *tensor.Tensor, rank int) error {
	if len(t.Shape) != rank {
		return fmt.Errorf("%s expects a %dD input, got shape %v", name, rank, t.Shape)
	}
	return nil
}

// modeFlag is embedded by modules to provide Train/Eval/IsTraining
type modeFlag struct {
	training bool
}

func (m *modeFlag) Train()           { m.training = true }
func (m *modeFlag) Eval()            { m.training = false }
func (m *modeFlag) IsTraining() bool { return m.training }
