package layers

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tsawler/leafnet/tensor"
)

// Sequential runs its children in order. Children are keyed "0", "1", ...
// in the state dict.
type Sequential struct {
	modeFlag
	layers []Module
}

// NewSequential creates a container over the given modules
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modeFlag: modeFlag{training: true}, layers: modules}
}

// Add appends a module
func (s *Sequential) Add(m Module) *Sequential {
	s.layers = append(s.layers, m)
	return s
}

// Len returns the number of children
func (s *Sequential) Len() int { return len(s.layers) }

// Layer returns the i-th child
func (s *Sequential) Layer(i int) Module { return s.layers[i] }

func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	x := input
	for i, l := range s.layers {
		out, err := l.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		x = out
	}
	return x, nil
}

func (s *Sequential) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	g := gradOutput
	for i := len(s.layers) - 1; i >= 0; i-- {
		out, err := s.layers[i].Backward(g)
		if err != nil {
			return nil, fmt.Errorf("layer %d backward: %w", i, err)
		}
		g = out
	}
	return g, nil
}

func (s *Sequential) NamedParameters(prefix string) []NamedParameter {
	var params []NamedParameter
	for i, l := range s.layers {
		params = append(params, l.NamedParameters(Join(prefix, strconv.Itoa(i)))...)
	}
	return params
}

func (s *Sequential) Train() {
	s.training = true
	for _, l := range s.layers {
		l.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, l := range s.layers {
		l.Eval()
	}
}

func (s *Sequential) SetAutocast(enabled bool) {
	for _, l := range s.layers {
		SetAutocast(l, enabled)
	}
}

func (s *Sequential) Describe() string {
	var b strings.Builder
	b.WriteString("Sequential(\n")
	for i, l := range s.layers {
		fmt.Fprintf(&b, "  (%d): %s\n", i, indent(describe(l)))
	}
	b.WriteString(")")
	return b.String()
}

func describe(m Module) string {
	if d, ok := m.(Describer); ok {
		return d.Describe()
	}
	return fmt.Sprintf("%T", m)
}

func indent(s string) string {
	return strings.ReplaceAll(s, "\n", "\n  ")
}
