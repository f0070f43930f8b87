package checkpoints

import (
	"fmt"
	"strings"

	"github.com/tracklab/tracknet/internal/errors"
	"github.com/tracklab/tracknet/layers"
)

// RenameRule rewrites a leading key prefix.
type RenameRule struct {
	From string `json:"from" yaml:"from" mapstructure:"from"`
	To   string `json:"to" yaml:"to" mapstructure:"to"`
}

// DefaultRenameRules undo the wrappers added by data-parallel training and
// graph compilation.
var DefaultRenameRules = []RenameRule{
	{From: "module.", To: ""},
	{From: "_orig_mod.", To: ""},
}

// Normalizer maps checkpoint keys onto model keys before a load.
type Normalizer struct {
	Rules []RenameRule
	// StripUniformPrefix drops a first path segment shared by every key,
	// provided the model has no root of that name.
	StripUniformPrefix bool
}

// DefaultNormalizer applies DefaultRenameRules and uniform prefix stripping.
func DefaultNormalizer() Normalizer {
	return Normalizer{Rules: DefaultRenameRules, StripUniformPrefix: true}
}

// NormalizeReport lists what a normalization changed.
type NormalizeReport struct {
	Renamed        map[string]string // original key -> normalized key
	StrippedPrefix string
}

func (n Normalizer) rename(key string) string {
	// Rules repeat so that stacked wrappers ("_orig_mod.module.") unwind.
	for pass := 0; pass <= len(n.Rules); pass++ {
		changed := false
		for _, r := range n.Rules {
			if r.From != "" && strings.HasPrefix(key, r.From) {
				key = r.To + strings.TrimPrefix(key, r.From)
				changed = true
			}
		}
		if !changed {
			break
		}
	}
	return key
}

// Normalize returns a copy of sd with keys rewritten for model. Two source
// keys that normalize to the same name are an error.
func (n Normalizer) Normalize(sd layers.StateDict, model layers.Module) (layers.StateDict, NormalizeReport, error) {
	report := NormalizeReport{Renamed: map[string]string{}}
	out := make(layers.StateDict, len(sd))
	origin := make(map[string]string, len(sd))

	keys := sd.Keys()
	renamed := make([]string, len(keys))
	for i, k := range keys {
		renamed[i] = n.rename(k)
	}

	if n.StripUniformPrefix {
		if prefix, ok := uniformRoot(renamed); ok && !hasRoot(model, prefix) {
			report.StrippedPrefix = prefix
			for i := range renamed {
				renamed[i] = strings.TrimPrefix(renamed[i], prefix+".")
			}
		}
	}

	for i, k := range keys {
		nk := renamed[i]
		if prev, dup := origin[nk]; dup {
			return nil, report, fmt.Errorf("keys %q and %q both normalize to %q", prev, k, nk)
		}
		origin[nk] = k
		out[nk] = sd[k]
		if nk != k {
			report.Renamed[k] = nk
		}
	}
	return out, report, nil
}

// uniformRoot reports the first segment shared by all keys. Keys without a
// dot have no strippable root.
func uniformRoot(keys []string) (string, bool) {
	if len(keys) == 0 {
		return "", false
	}
	var root string
	for i, k := range keys {
		head, _, found := strings.Cut(k, ".")
		if !found || head == "" {
			return "", false
		}
		if i == 0 {
			root = head
		} else if head != root {
			return "", false
		}
	}
	return root, true
}

func hasRoot(model layers.Module, root string) bool {
	for key := range layers.StateOf(model) {
		if head, _, _ := strings.Cut(key, "."); head == root {
			return true
		}
	}
	return false
}

// LoadInto normalizes the checkpoint keys and loads them into m. Every
// failure, including a shape mismatch, matches ErrCheckpointLoad.
func LoadInto(m layers.Module, checkpoint *Checkpoint, norm Normalizer, mode layers.LoadMode) (layers.LoadReport, error) {
	sd, err := checkpoint.StateDict()
	if err != nil {
		return layers.LoadReport{}, applyError(err)
	}
	normalized, nr, err := norm.Normalize(sd, m)
	if err != nil {
		return layers.LoadReport{}, applyError(err)
	}

	report, err := layers.LoadStateDict(m, normalized, mode)
	if err != nil {
		return report, applyError(err)
	}
	if len(nr.Renamed) > 0 || nr.StrippedPrefix != "" {
		GetLogger().Debug("normalized checkpoint keys",
			logFields(nr, report)...)
	}
	return report, nil
}

func applyError(err error) error {
	return errors.New(fmt.Errorf("%w: %w", ErrCheckpointLoad, err)).
		Component("checkpoints").
		Category(errors.CategoryCheckpointLoad).
		Build()
}

// UnmatchedKeys returns up to limit keys from the report that did not load,
// missing first, for log output.
func UnmatchedKeys(r layers.LoadReport, limit int) []string {
	keys := append(append([]string(nil), r.Missing...), r.Unexpected...)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}
