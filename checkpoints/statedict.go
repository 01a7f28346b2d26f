package checkpoints

import (
	"fmt"
	"strings"

	"github.com/tsawler/leafnet/layers"
	"github.com/tsawler/leafnet/tensor"
)

// StateDict copies every parameter and buffer of m into state-dict entries,
// in registration order
func StateDict(m layers.Module) []WeightTensor {
	named := m.NamedParameters("")
	weights := make([]WeightTensor, 0, len(named))
	for _, np := range named {
		layer, kind := splitName(np.Name)
		weights = append(weights, WeightTensor{
			Name:  np.Name,
			Shape: append([]int(nil), np.Param.Data.Shape...),
			Data:  append([]float32(nil), np.Param.Data.Data...),
			Layer: layer,
			Type:  kind,
		})
	}
	return weights
}

// LoadOptions controls how a state dict is matched against a module
type LoadOptions struct {
	// Strict fails on missing or unexpected keys
	Strict bool
	// StripPrefix is removed from stored names before matching
	StripPrefix string
	// AddPrefix is prepended to stored names (after stripping)
	AddPrefix string
	// Ignore lists name prefixes that are dropped silently
	Ignore []string
}

// LoadReport lists the keys that did not line up
type LoadReport struct {
	Loaded     []string
	Missing    []string
	Unexpected []string
}

// LoadStateDict copies matching entries of weights into m. Shape
// mismatches are always an error; missing and unexpected keys are errors
// only in strict mode.
func LoadStateDict(m layers.Module, weights []WeightTensor, opts LoadOptions) (LoadReport, error) {
	var report LoadReport

	params := make(map[string]*layers.Parameter)
	var order []string
	for _, np := range m.NamedParameters("") {
		params[np.Name] = np.Param
		order = append(order, np.Name)
	}

	seen := make(map[string]bool)
	for _, w := range weights {
		name := w.Name
		if opts.StripPrefix != "" {
			name = strings.TrimPrefix(name, opts.StripPrefix)
		}
		name = opts.AddPrefix + name
		if ignored(name, opts.Ignore) {
			continue
		}

		p, ok := params[name]
		if !ok {
			report.Unexpected = append(report.Unexpected, w.Name)
			continue
		}
		if !shapeCompatible(p.Data, w) {
			return report, fmt.Errorf("%w: %s: module has %v, checkpoint has %v",
				ErrShapeMismatch, name, p.Data.Shape, w.Shape)
		}
		copy(p.Data.Data, w.Data)
		seen[name] = true
		report.Loaded = append(report.Loaded, name)
	}

	for _, name := range order {
		if !seen[name] {
			report.Missing = append(report.Missing, name)
		}
	}

	if opts.Strict && (len(report.Missing) > 0 || len(report.Unexpected) > 0) {
		return report, fmt.Errorf("error loading state dict: missing keys %v, unexpected keys %v",
			report.Missing, report.Unexpected)
	}
	return report, nil
}

func ignored(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// shapeCompatible also accepts a scalar stored against a one-element buffer
func shapeCompatible(t *tensor.Tensor, w WeightTensor) bool {
	if len(w.Data) != t.NumElems {
		return false
	}
	if tensor.ShapesEqual(t.Shape, w.Shape) {
		return true
	}
	return t.NumElems == 1
}
