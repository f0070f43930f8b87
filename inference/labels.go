package inference

import (
	"io/fs"

	"github.com/tracklab/tracknet/internal/errors"
	"github.com/tracklab/tracknet/vision/dataset"
)

// UnknownLabel is returned by PredictOrUnknown when no prediction can be
// made.
const UnknownLabel = "unknown"

// DefaultClassNames is the species list of the published track models,
// used when neither the checkpoint nor a mapping file names the classes.
var DefaultClassNames = []string{
	"bernache_du_canada", "castor", "cerf_mulet", "chat", "cheval", "chien",
	"coyote", "dindon_sauvage", "ecureuil", "ecureuil_gris_occidental",
	"elephant", "lapin", "loup", "loutre_de_riviere", "lynx", "lynx_roux",
	"mouffette", "ours", "ours_noir", "puma", "rat", "raton_laveur", "renard",
	"renard_gris", "souris", "vison_americain",
}

// Label sources, in order of preference.
const (
	LabelsFromCheckpoint = "checkpoint"
	LabelsFromMapping    = "mapping"
	LabelsBuiltin        = "builtin"
)

// resolveLabels picks the class names from the checkpoint, then the mapping
// file, then the built-in list. A mapping path that does not exist falls
// through; one that exists but does not parse is an error.
func resolveLabels(checkpointNames []string, mappingPath string) ([]string, string, error) {
	if len(checkpointNames) > 0 {
		return append([]string(nil), checkpointNames...), LabelsFromCheckpoint, nil
	}
	if mappingPath != "" {
		m, err := dataset.LoadMapping(mappingPath)
		switch {
		case err == nil:
			return m.Names(), LabelsFromMapping, nil
		case !errors.Is(err, fs.ErrNotExist):
			return nil, "", err
		}
	}
	return append([]string(nil), DefaultClassNames...), LabelsBuiltin, nil
}
