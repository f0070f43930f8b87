package training

import (
	"fmt"
	"strings"

	"github.com/tracklab/tracknet/checkpoints"
	"github.com/tracklab/tracknet/classifier"
	"github.com/tracklab/tracknet/internal/errors"
	"github.com/tracklab/tracknet/internal/logger"
	"github.com/tracklab/tracknet/layers"
)

// DefaultInitPrefixes limits pretrained weights to the feature extractor,
// so a head fitted for other classes never reaches the new model.
var DefaultInitPrefixes = []string{classifier.BackbonePrefix + "."}

// LoadInitWeights copies pretrained weights from cfg.InitWeights into model
// before training. Keys are renamed with the default wrapper rules followed
// by cfg.InitRenameRules, then prefixed with cfg.InitKeyPrefix, and only
// keys under cfg.InitPrefixes are loaded.
// Freeze flags set by classifier.New are left as they are.
func LoadInitWeights(model layers.Module, cfg Config) (layers.LoadReport, error) {
	ckpt, err := checkpoints.Load(cfg.InitWeights)
	if err != nil {
		return layers.LoadReport{}, err
	}
	sd, err := ckpt.StateDict()
	if err != nil {
		return layers.LoadReport{}, initError(cfg.InitWeights, err)
	}

	rules := append(append([]checkpoints.RenameRule(nil), checkpoints.DefaultRenameRules...), cfg.InitRenameRules...)
	norm := checkpoints.Normalizer{Rules: rules}
	normalized, _, err := norm.Normalize(sd, model)
	if err != nil {
		return layers.LoadReport{}, initError(cfg.InitWeights, err)
	}

	prefixes := cfg.InitPrefixes
	if len(prefixes) == 0 {
		prefixes = DefaultInitPrefixes
	}
	selected := make(layers.StateDict, len(normalized))
	for key, value := range normalized {
		key = cfg.InitKeyPrefix + key
		for _, p := range prefixes {
			if strings.HasPrefix(key, p) {
				selected[key] = value
				break
			}
		}
	}

	report, err := layers.LoadStateDict(model, selected, layers.ModePartial)
	if err != nil {
		return report, initError(cfg.InitWeights, err)
	}
	if len(report.Loaded) == 0 {
		return report, initError(cfg.InitWeights,
			fmt.Errorf("no key under %v matches the model", prefixes))
	}

	GetLogger().Info("initial weights loaded",
		logger.String("path", cfg.InitWeights),
		logger.Int("loaded", len(report.Loaded)),
		logger.Int("missing", len(report.Missing)),
		logger.Int("skipped", len(sd)-len(selected)),
		logger.Any("unmatched", checkpoints.UnmatchedKeys(report, 10)))
	return report, nil
}

func initError(path string, err error) error {
	return errors.New(fmt.Errorf("%w: %w", checkpoints.ErrCheckpointLoad, err)).
		Component("training").
		Category(errors.CategoryCheckpointLoad).
		Context("path", path).
		Build()
}
