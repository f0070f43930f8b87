package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tracklab/tracknet/checkpoints"
	"github.com/tracklab/tracknet/classifier"
	"github.com/tracklab/tracknet/internal/logger"
	"github.com/tracklab/tracknet/layers"
	"github.com/tracklab/tracknet/vision/dataset"
	"github.com/tracklab/tracknet/vision/preprocessing"
)

func (a *app) evaluateCommand() *cobra.Command {
	var imagesDir string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score a checkpoint on the test set",
		Long: `Loads a checkpoint and writes the classification report, metrics.json
and both confusion matrices for the test arrays, or for a directory of
photos sorted into one subdirectory per species with --images-dir.`,
		Example: `  tracknet evaluate --checkpoint best_model.onnx --test-dir data/test
  tracknet evaluate --checkpoint best_model.onnx --images-dir survey/2024`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runEvaluate(cmd, imagesDir)
		},
	}

	f := cmd.Flags()
	f.StringVar(&imagesDir, "images-dir", "", "evaluate photos under this directory instead of the test arrays")
	f.String("checkpoint", "", "checkpoint to evaluate")
	f.String("test-dir", "", "directory with the test arrays and class mapping")
	f.String("output-dir", "", "directory for evaluation artifacts")
	f.Int("batch-size", 0, "evaluation batch size")
	a.bind(cmd, map[string]string{
		"training.checkpoint_path": "checkpoint",
		"data.test_dir":            "test-dir",
		"evaluation.output_dir":    "output-dir",
		"evaluation.batch_size":    "batch-size",
	})
	return cmd
}

func (a *app) runEvaluate(cmd *cobra.Command, imagesDir string) error {
	s := a.settings
	ckpt, err := checkpoints.Load(s.Training.CheckpointPath)
	if err != nil {
		return err
	}
	model, err := classifier.New(ckpt.Architecture)
	if err != nil {
		return err
	}
	report, err := checkpoints.LoadInto(model, ckpt, checkpoints.DefaultNormalizer(), layers.ModeStrict)
	if err != nil {
		return err
	}
	GetLogger().Info("checkpoint loaded",
		logger.String("path", s.Training.CheckpointPath),
		logger.String("architecture", ckpt.Architecture.Name),
		logger.Int("tensors", len(report.Loaded)))

	arch := model.Architecture()
	transform := preprocessing.NewTransform(arch.ImageSize)
	classNames := ckpt.ClassNames

	if imagesDir != "" {
		var mapping *dataset.ClassMapping
		if len(classNames) > 0 {
			if mapping, err = dataset.NewClassMapping(classNames); err != nil {
				return err
			}
		}
		folder, err := dataset.NewImageFolder(imagesDir, mapping, transform, nil)
		if err != nil {
			return err
		}
		if mapping == nil {
			classNames = folder.Mapping().Names()
		}
		if len(classNames) != arch.NumClasses {
			return fmt.Errorf("%s has %d classes, the checkpoint has %d", imagesDir, len(classNames), arch.NumClasses)
		}
		return a.score(cmd, model, folder, classNames)
	}

	mapping, err := dataset.LoadMapping(filepath.Join(s.Data.TestDir, dataset.MappingFile))
	if err != nil {
		return err
	}
	if len(classNames) == 0 {
		classNames = mapping.Names()
	}
	test, err := dataset.OpenArrays(
		filepath.Join(s.Data.TestDir, dataset.TestImagesFile),
		filepath.Join(s.Data.TestDir, dataset.TestLabelsFile),
		arch.NumClasses, transform)
	if err != nil {
		return err
	}
	defer test.Close()
	return a.score(cmd, model, test, classNames)
}
