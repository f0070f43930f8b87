package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tracklab/tracknet/checkpoints"
	"github.com/tracklab/tracknet/classifier"
	"github.com/tracklab/tracknet/evaluation"
	"github.com/tracklab/tracknet/internal/logger"
	"github.com/tracklab/tracknet/layers"
	"github.com/tracklab/tracknet/training"
	"github.com/tracklab/tracknet/vision/dataset"
	"github.com/tracklab/tracknet/vision/preprocessing"
)

func (a *app) trainCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a classifier and score it on the test set",
		Long: `Trains a classifier on the track arrays, keeping the checkpoint with
the lowest validation loss, then reloads that checkpoint and writes
evaluation artifacts for the test set.

The training directory must hold X_train.npy and y_train.npy (or their
_balanced variants, which are preferred). The test directory must hold
X_test.npy, y_test.npy and species_mapping.txt.`,
		Example: `  # Train the default ResNet-18 variant
  tracknet train --train-dir data/train --test-dir data/test

  # Short EfficientNet-B0 run with SGD
  tracknet train --arch efficientnet-b0-cbam --epochs 5 --optimizer sgd

  # Start from a pretrained backbone
  tracknet train --init-weights resnet18_imagenet.onnx`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runTrain(cmd)
		},
	}

	f := cmd.Flags()
	f.String("train-dir", "", "directory with the training arrays")
	f.String("test-dir", "", "directory with the test arrays and class mapping")
	f.String("arch", "", "architecture: "+fmt.Sprint(classifier.Registered()))
	f.Int("epochs", 0, "maximum number of epochs")
	f.Int("patience", 0, "epochs without improvement before stopping")
	f.Int("batch-size", 0, "training batch size")
	f.Float64("lr", 0, "initial learning rate")
	f.String("optimizer", "", "adam, sgd or rmsprop")
	f.String("checkpoint", "", "where to write the best checkpoint (.onnx or .json)")
	f.String("init-weights", "", "pretrained checkpoint whose backbone initializes the model")
	f.String("output-dir", "", "directory for evaluation artifacts")
	a.bind(cmd, map[string]string{
		"data.train_dir":           "train-dir",
		"data.test_dir":            "test-dir",
		"model.name":               "arch",
		"training.epochs":          "epochs",
		"training.patience":        "patience",
		"training.batch_size":      "batch-size",
		"training.learning_rate":   "lr",
		"training.optimizer":       "optimizer",
		"training.checkpoint_path": "checkpoint",
		"training.init_weights":    "init-weights",
		"evaluation.output_dir":    "output-dir",
	})
	return cmd
}

func (a *app) runTrain(cmd *cobra.Command) error {
	ctx := cmd.Context()
	s := a.settings
	log := GetLogger()

	res, err := dataset.Resolve(s.Data.TrainDir, s.Data.TestDir)
	if err != nil {
		return err
	}
	transform := preprocessing.NewTransform(s.Model.ImageSize)
	bundle, err := dataset.Open(res, transform)
	if err != nil {
		return err
	}
	defer bundle.Close()

	trainSet, valSet, err := dataset.Split(bundle.Train, s.Training.ValFraction, s.Training.Seed)
	if err != nil {
		return err
	}

	arch := s.Model
	arch.NumClasses = bundle.Mapping.Len()
	model, err := classifier.New(arch)
	if err != nil {
		return err
	}
	if s.Training.InitWeights != "" {
		if _, err := training.LoadInitWeights(model, s.Training); err != nil {
			return err
		}
	} else {
		log.Warn("no initial weights given, the frozen backbone keeps its seeded values")
	}
	training.PrintModelSummary(cmd.OutOrStdout(), model)

	trainer, err := training.NewTrainer(model, s.Training,
		training.WithMetrics(a.metrics.Training),
		training.WithProgress(cmd.ErrOrStderr()),
		training.WithClassNames(bundle.Mapping.Names()),
	)
	if err != nil {
		return err
	}
	result, err := trainer.Train(ctx, trainSet, valSet)
	if err != nil {
		return err
	}
	log.Info("training finished",
		logger.String("run_id", result.RunID),
		logger.String("stop_reason", string(result.StopReason)),
		logger.Int("best_epoch", result.BestEpoch),
		logger.Float64("best_val_loss", result.BestValLoss),
		logger.String("checkpoint", result.BestCheckpoint))
	if result.BestCheckpoint == "" {
		return fmt.Errorf("training produced no checkpoint")
	}

	// Score the best epoch, not the last one.
	ckpt, err := checkpoints.Load(result.BestCheckpoint)
	if err != nil {
		return err
	}
	if _, err := checkpoints.LoadInto(model, ckpt, checkpoints.DefaultNormalizer(), layers.ModeStrict); err != nil {
		return err
	}
	return a.score(cmd, model, bundle.Test, ckpt.ClassNames)
}

// score evaluates model on ds, prints the report and writes the artifacts.
func (a *app) score(cmd *cobra.Command, model layers.Module, ds dataset.Dataset, classNames []string) error {
	s := a.settings
	result, err := evaluation.Evaluate(cmd.Context(), model, ds, classNames,
		evaluation.WithBatchSize(s.Evaluation.BatchSize),
		evaluation.WithWorkers(s.Evaluation.Workers))
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), result.Report())
	if err := result.WriteArtifacts(s.Evaluation.OutputDir); err != nil {
		return err
	}
	GetLogger().Info("evaluation artifacts written", logger.String("dir", s.Evaluation.OutputDir))
	return nil
}
