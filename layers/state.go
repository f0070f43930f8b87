package layers

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tracklab/tracknet/tensor"
)

// StateDict maps parameter and buffer names to tensors.
type StateDict map[string]*tensor.Tensor

// Keys returns the names in sorted order.
func (sd StateDict) Keys() []string {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StateOf returns the live parameters and buffers of m by name. The tensors
// are shared with the module, not copied.
func StateOf(m Module) StateDict {
	sd := make(StateDict)
	for _, p := range m.Parameters() {
		sd[p.Name] = p.Value
	}
	for _, b := range m.Buffers() {
		sd[b.Name] = b.Value
	}
	return sd
}

// LoadMode selects how LoadStateDict treats key mismatches.
type LoadMode int

const (
	// ModeStrict fails unless the keys match exactly.
	ModeStrict LoadMode = iota
	// ModePartial loads the intersection and reports the rest.
	ModePartial
)

func (m LoadMode) String() string {
	switch m {
	case ModeStrict:
		return "strict"
	case ModePartial:
		return "partial"
	default:
		return "unknown"
	}
}

// LoadReport describes the outcome of a state dictionary load.
type LoadReport struct {
	Loaded     []string
	Missing    []string // model keys absent from the state
	Unexpected []string // state keys the model does not have
}

// Complete reports whether every model key was loaded.
func (r LoadReport) Complete() bool {
	return len(r.Missing) == 0
}

func (r LoadReport) String() string {
	return fmt.Sprintf("loaded=%d missing=%d unexpected=%d", len(r.Loaded), len(r.Missing), len(r.Unexpected))
}

// ShapeMismatchError reports a key present on both sides with different shapes.
type ShapeMismatchError struct {
	Key   string
	Model []int
	State []int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch for %s: model %v, state %v", e.Key, e.Model, e.State)
}

// LoadStateDict copies values from sd into m. All checks run before the
// first copy, so a failed load leaves m untouched.
func LoadStateDict(m Module, sd StateDict, loadMode LoadMode) (LoadReport, error) {
	target := StateOf(m)
	var report LoadReport

	for _, key := range target.Keys() {
		src, ok := sd[key]
		if !ok {
			report.Missing = append(report.Missing, key)
			continue
		}
		dst := target[key]
		if !equalShape(dst.Shape, src.Shape) {
			return LoadReport{}, &ShapeMismatchError{Key: key, Model: dst.Shape, State: src.Shape}
		}
		report.Loaded = append(report.Loaded, key)
	}
	for _, key := range sd.Keys() {
		if _, ok := target[key]; !ok {
			report.Unexpected = append(report.Unexpected, key)
		}
	}

	if loadMode == ModeStrict && (len(report.Missing) > 0 || len(report.Unexpected) > 0) {
		return report, fmt.Errorf("strict load failed: missing [%s], unexpected [%s]",
			strings.Join(report.Missing, ", "), strings.Join(report.Unexpected, ", "))
	}

	for _, key := range report.Loaded {
		if err := target[key].CopyFrom(sd[key]); err != nil {
			return report, err
		}
	}
	return report, nil
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
