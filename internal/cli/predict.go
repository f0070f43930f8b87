package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tracklab/tracknet/inference"
	"github.com/tracklab/tracknet/internal/logger"
)

// predictionOutput is one line of predict output.
type predictionOutput struct {
	Image      string  `json:"image"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Detail     string  `json:"detail,omitempty"`
	Degraded   bool    `json:"degraded,omitempty"`
}

func (a *app) predictCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predict IMAGE...",
		Short: "Label track photos with a species",
		Long: `Classifies each image and prints one JSON object per line with the
label and its confidence. An image that cannot be read or decoded is
reported with the label "unknown", zero confidence and the reason in
"detail"; the command then exits with an error after printing every line.

Without a usable checkpoint the model runs on its initial weights and
each line is marked "degraded".`,
		Example: `  tracknet predict --checkpoint best_model.onnx photos/*.jpg`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPredict(cmd, args)
		},
	}

	f := cmd.Flags()
	f.String("checkpoint", "", "checkpoint to load")
	f.String("mapping", "", "class mapping used when the checkpoint carries no class names")
	f.Duration("cache-ttl", 0, "cache results for identical images for this long")
	a.bind(cmd, map[string]string{
		"inference.checkpoint_path": "checkpoint",
		"inference.mapping_path":    "mapping",
		"inference.cache_ttl":       "cache-ttl",
	})
	return cmd
}

func (a *app) runPredict(cmd *cobra.Command, paths []string) error {
	svc := inference.New(a.settings.Inference, inference.WithMetrics(a.metrics.Inference))
	info, err := svc.Load()
	if err != nil {
		return err
	}
	if info.Degraded {
		GetLogger().Warn("predicting with an unfitted model",
			logger.String("checkpoint", a.settings.Inference.CheckpointPath))
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	failed := 0
	for _, path := range paths {
		p, err := svc.PredictFile(cmd.Context(), path)
		if err != nil {
			if cmd.Context().Err() != nil {
				return err
			}
			GetLogger().Warn("image not classified", logger.String("image", path), logger.Error(err))
			p = inference.Unknown(err)
			failed++
		}
		if err := enc.Encode(predictionOutput{
			Image:      path,
			Label:      p.Label,
			Confidence: p.Confidence,
			Detail:     p.Detail,
			Degraded:   p.Degraded,
		}); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d images could not be classified", failed, len(paths))
	}
	return nil
}
