package layers

import (
	"strings"
)

// MatchesPrefix reports whether name equals prefix or lies beneath it in the
// dotted hierarchy.
func MatchesPrefix(name, prefix string) bool {
	return name == prefix || strings.HasPrefix(name, prefix+".")
}

// Freeze makes every parameter of m trainable if its name matches one of
// the prefixes and frozen otherwise. It returns the resulting counts.
func Freeze(m Module, trainablePrefixes []string) (trainable, frozen int) {
	for _, p := range m.Parameters() {
		keep := false
		for _, prefix := range trainablePrefixes {
			if MatchesPrefix(p.Name, prefix) {
				keep = true
				break
			}
		}
		p.Value.SetRequiresGrad(keep)
		if keep {
			trainable++
		} else {
			frozen++
		}
	}
	return trainable, frozen
}

// TrainableParameters returns the parameters the optimizer should update.
func TrainableParameters(m Module) []Parameter {
	var out []Parameter
	for _, p := range m.Parameters() {
		if p.Trainable() {
			out = append(out, p)
		}
	}
	return out
}

// CountElements sums the element counts of params.
func CountElements(params []Parameter) int {
	n := 0
	for _, p := range params {
		n += p.Value.NumElems
	}
	return n
}

// DisableGrad turns off gradient tracking for every parameter so forward
// passes build no graph. The returned func restores the previous flags. It
// must not run concurrently with training on the same module.
func DisableGrad(m Module) (restore func()) {
	params := m.Parameters()
	flags := make([]bool, len(params))
	for i, p := range params {
		flags[i] = p.Value.RequiresGrad()
		p.Value.SetRequiresGrad(false)
	}
	return func() {
		for i, p := range params {
			p.Value.SetRequiresGrad(flags[i])
		}
	}
}
