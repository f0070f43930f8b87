package training

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tracklab/tracknet/checkpoints"
	"github.com/tracklab/tracknet/classifier"
	"github.com/tracklab/tracknet/internal/errors"
	"github.com/tracklab/tracknet/internal/logger"
	"github.com/tracklab/tracknet/internal/observability/metrics"
	"github.com/tracklab/tracknet/layers"
	"github.com/tracklab/tracknet/vision/dataloader"
	"github.com/tracklab/tracknet/vision/dataset"
)

// HistoryFileName is written next to the checkpoint unless Config.HistoryPath
// says otherwise.
const HistoryFileName = "history.json"

// Config holds configuration for a training run
type Config struct {
	Epochs       int     `json:"epochs" yaml:"epochs" mapstructure:"epochs"`
	Patience     int     `json:"patience" yaml:"patience" mapstructure:"patience"`
	BatchSize    int     `json:"batch_size" yaml:"batch_size" mapstructure:"batch_size"`
	LearningRate float64 `json:"learning_rate" yaml:"learning_rate" mapstructure:"learning_rate"`
	Optimizer    string  `json:"optimizer" yaml:"optimizer" mapstructure:"optimizer"`
	Momentum     float64 `json:"momentum" yaml:"momentum" mapstructure:"momentum"`
	WeightDecay  float64 `json:"weight_decay" yaml:"weight_decay" mapstructure:"weight_decay"`
	ValFraction  float64 `json:"val_fraction" yaml:"val_fraction" mapstructure:"val_fraction"`
	Seed         int64   `json:"seed" yaml:"seed" mapstructure:"seed"`
	NumWorkers   int     `json:"num_workers" yaml:"num_workers" mapstructure:"num_workers"`
	Prefetch     int     `json:"prefetch" yaml:"prefetch" mapstructure:"prefetch"`
	CacheSize    int     `json:"cache_size" yaml:"cache_size" mapstructure:"cache_size"`

	PlateauFactor    float64 `json:"plateau_factor" yaml:"plateau_factor" mapstructure:"plateau_factor"`
	PlateauPatience  int     `json:"plateau_patience" yaml:"plateau_patience" mapstructure:"plateau_patience"`
	PlateauThreshold float64 `json:"plateau_threshold" yaml:"plateau_threshold" mapstructure:"plateau_threshold"`

	CheckpointPath string `json:"checkpoint_path" yaml:"checkpoint_path" mapstructure:"checkpoint_path"`
	HistoryPath    string `json:"history_path" yaml:"history_path" mapstructure:"history_path"`

	// InitWeights names a checkpoint whose backbone is copied into the
	// model before the first epoch. Empty trains from the seeded init.
	InitWeights     string                   `json:"init_weights" yaml:"init_weights" mapstructure:"init_weights"`
	InitRenameRules []checkpoints.RenameRule `json:"init_rename_rules" yaml:"init_rename_rules,omitempty" mapstructure:"init_rename_rules"`
	InitPrefixes    []string                 `json:"init_prefixes" yaml:"init_prefixes" mapstructure:"init_prefixes"`
	// InitKeyPrefix is prepended to every renamed key, for artifacts saved
	// from a bare backbone ("layer1.0.conv1.weight").
	InitKeyPrefix string `json:"init_key_prefix" yaml:"init_key_prefix" mapstructure:"init_key_prefix"`
}

// DefaultConfig returns the settings used for the published models.
func DefaultConfig() Config {
	return Config{
		Epochs:           20,
		Patience:         DefaultPatience,
		BatchSize:        32,
		LearningRate:     1e-3,
		Optimizer:        OptimizerAdam,
		Momentum:         0.9,
		ValFraction:      dataset.DefaultValFraction,
		Seed:             1,
		NumWorkers:       4,
		Prefetch:         2,
		PlateauFactor:    0.1,
		PlateauPatience:  5,
		PlateauThreshold: 1e-4,
		CheckpointPath:   checkpoints.DefaultFileName,
		InitPrefixes:     append([]string(nil), DefaultInitPrefixes...),
	}
}

// Validate reports the first unusable setting.
func (c Config) Validate() error {
	switch {
	case c.Epochs <= 0:
		return errors.ValidationError(fmt.Sprintf("epochs must be positive, got %d", c.Epochs))
	case c.Patience <= 0:
		return errors.ValidationError(fmt.Sprintf("patience must be positive, got %d", c.Patience))
	case c.BatchSize <= 0:
		return errors.ValidationError(fmt.Sprintf("batch size must be positive, got %d", c.BatchSize))
	case c.LearningRate <= 0:
		return errors.ValidationError(fmt.Sprintf("learning rate must be positive, got %v", c.LearningRate))
	case c.PlateauFactor <= 0 || c.PlateauFactor >= 1:
		return errors.ValidationError(fmt.Sprintf("plateau factor must be in (0, 1), got %v", c.PlateauFactor))
	case c.CheckpointPath == "":
		return errors.ValidationError("checkpoint path is required")
	}
	return nil
}

func (c Config) historyPath() string {
	if c.HistoryPath != "" {
		return c.HistoryPath
	}
	return filepath.Join(filepath.Dir(c.CheckpointPath), HistoryFileName)
}

// EpochRecord holds metrics for a single epoch
type EpochRecord struct {
	Epoch         int           `json:"epoch"`
	TrainLoss     float64       `json:"train_loss"`
	TrainAccuracy float64       `json:"train_accuracy"`
	ValLoss       float64       `json:"val_loss"`
	ValAccuracy   float64       `json:"val_accuracy"`
	LearningRate  float64       `json:"learning_rate"`
	Duration      time.Duration `json:"duration_ns"`
	State         State         `json:"state"`
}

// Result summarizes a finished run.
type Result struct {
	RunID          string        `json:"run_id"`
	History        []EpochRecord `json:"history"`
	BestCheckpoint string        `json:"best_checkpoint,omitempty"`
	BestEpoch      int           `json:"best_epoch"`
	BestValLoss    float64       `json:"best_val_loss"`
	BestValAcc     float64       `json:"best_val_accuracy"`
	StopReason     StopReason    `json:"stop_reason"`
	TotalSteps     int           `json:"total_steps"`
}

// Trainer fits a classifier with cross-entropy, plateau learning-rate
// decay and early stopping, keeping the best epoch on disk.
type Trainer struct {
	model      classifier.Classifier
	cfg        Config
	criterion  *CrossEntropyLoss
	classNames []string
	metrics    *metrics.TrainingMetrics
	progress   io.Writer
	runID      string
}

// Option configures a Trainer.
type Option func(*Trainer)

// WithMetrics records epochs, batches and saves on m.
func WithMetrics(m *metrics.TrainingMetrics) Option {
	return func(t *Trainer) { t.metrics = m }
}

// WithProgress draws a per-epoch progress bar on w.
func WithProgress(w io.Writer) Option {
	return func(t *Trainer) { t.progress = w }
}

// WithClassNames stores the label names in every checkpoint.
func WithClassNames(names []string) Option {
	return func(t *Trainer) { t.classNames = append([]string(nil), names...) }
}

// WithRunID fixes the run id instead of generating one.
func WithRunID(id string) Option {
	return func(t *Trainer) { t.runID = id }
}

// NewTrainer creates a new Trainer
func NewTrainer(model classifier.Classifier, cfg Config, opts ...Option) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Trainer{model: model, cfg: cfg, criterion: NewCrossEntropyLoss()}
	for _, opt := range opts {
		opt(t)
	}
	if n := model.Architecture().NumClasses; t.classNames != nil && len(t.classNames) != n {
		return nil, errors.ValidationError(fmt.Sprintf("%d class names for a %d-class model", len(t.classNames), n))
	}
	if t.runID == "" {
		t.runID = uuid.NewString()
	}
	return t, nil
}

// RunID identifies this trainer's run in logs and checkpoints.
func (t *Trainer) RunID() string {
	return t.runID
}

// Train runs epochs over train, validating on val after each, until the
// epoch budget is spent or validation loss stops improving. The best
// checkpoint is replaced atomically whenever validation loss improves.
// On cancellation the partial result is returned with the error.
func (t *Trainer) Train(ctx context.Context, train, val dataset.Dataset) (*Result, error) {
	ctx = logger.WithRunID(ctx, t.runID)
	log := GetLogger().WithContext(ctx)

	opt, err := NewOptimizer(t.cfg.Optimizer, t.model.Parameters(), t.cfg.LearningRate, t.cfg.Momentum, t.cfg.WeightDecay)
	if err != nil {
		return nil, trainingError(err)
	}
	trainLoader, err := dataloader.NewDataLoader(train, dataloader.Config{
		BatchSize:  t.cfg.BatchSize,
		Shuffle:    true,
		Seed:       t.cfg.Seed,
		NumWorkers: t.cfg.NumWorkers,
		Prefetch:   t.cfg.Prefetch,
		CacheSize:  t.cfg.CacheSize,
	})
	if err != nil {
		return nil, trainingError(fmt.Errorf("training set: %w", err))
	}
	valLoader, err := dataloader.NewDataLoader(val, dataloader.Config{
		BatchSize:  t.cfg.BatchSize,
		NumWorkers: t.cfg.NumWorkers,
		Prefetch:   t.cfg.Prefetch,
		CacheSize:  t.cfg.CacheSize,
	})
	if err != nil {
		return nil, trainingError(fmt.Errorf("validation set: %w", err))
	}

	sched := NewReduceLROnPlateauScheduler(t.cfg.PlateauFactor, t.cfg.PlateauPatience, t.cfg.PlateauThreshold)
	stopper := NewEarlyStopping(t.cfg.Patience)
	res := &Result{RunID: t.runID, BestEpoch: -1, BestValLoss: math.Inf(1)}

	log.Info("training started",
		logger.String("architecture", t.model.Architecture().Name),
		logger.Int("train_samples", train.Len()),
		logger.Int("val_samples", val.Len()),
		logger.Int("epochs", t.cfg.Epochs),
		logger.Int("patience", t.cfg.Patience),
		logger.String("optimizer", t.cfg.Optimizer),
		logger.Float64("learning_rate", t.cfg.LearningRate))

	for epoch := 1; epoch <= t.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return res, canceledError(err, epoch)
		}
		start := time.Now()
		lr := opt.GetLR()

		trainStats, err := t.trainEpoch(ctx, epoch, trainLoader, opt, res)
		if err != nil {
			return res, err
		}
		valStats, err := t.validate(ctx, valLoader)
		if err != nil {
			return res, err
		}

		if next := sched.Step(valStats.loss(), lr); next != lr {
			opt.SetLR(next)
			log.Info("learning rate reduced",
				logger.Int("epoch", epoch),
				logger.Float64("from", lr),
				logger.Float64("to", next))
		}

		state := stopper.Observe(epoch, valStats.loss())
		if state == StateImproved {
			res.BestEpoch = epoch
			res.BestValLoss = valStats.loss()
			res.BestValAcc = valStats.accuracy()
			if err := t.saveBest(epoch, lr, res); err != nil {
				return res, err
			}
			res.BestCheckpoint = t.cfg.CheckpointPath
		}

		rec := EpochRecord{
			Epoch:         epoch,
			TrainLoss:     trainStats.loss(),
			TrainAccuracy: trainStats.accuracy(),
			ValLoss:       valStats.loss(),
			ValAccuracy:   valStats.accuracy(),
			LearningRate:  lr,
			Duration:      time.Since(start),
			State:         state,
		}
		res.History = append(res.History, rec)
		t.metrics.RecordEpoch(string(state), rec.TrainLoss, rec.TrainAccuracy, rec.ValLoss, rec.ValAccuracy,
			opt.GetLR(), stopper.EpochsWithoutGain(), rec.Duration.Seconds())

		if err := WriteHistory(t.cfg.historyPath(), res.History); err != nil {
			log.Warn("failed to write history", logger.Error(err))
		}

		log.Info("epoch finished",
			logger.Int("epoch", epoch),
			logger.Float64("train_loss", rec.TrainLoss),
			logger.Float64("train_accuracy", rec.TrainAccuracy),
			logger.Float64("val_loss", rec.ValLoss),
			logger.Float64("val_accuracy", rec.ValAccuracy),
			logger.Float64("learning_rate", lr),
			logger.String("state", string(state)),
			logger.Duration("duration", rec.Duration))

		if state == StateStopped {
			log.Info("early stopping",
				logger.Int("epoch", epoch),
				logger.Int("best_epoch", stopper.BestEpoch()),
				logger.Float64("best_val_loss", stopper.Best()))
			break
		}
	}

	stopper.Exhaust()
	res.StopReason = stopper.Reason()
	log.Info("training finished",
		logger.String("stop_reason", string(res.StopReason)),
		logger.Int("best_epoch", res.BestEpoch),
		logger.Float64("best_val_loss", res.BestValLoss),
		logger.Int("total_steps", res.TotalSteps))
	return res, nil
}

// trainEpoch runs one optimization pass and returns the sample-weighted
// training loss and accuracy.
func (t *Trainer) trainEpoch(ctx context.Context, epoch int, loader *dataloader.DataLoader, opt Optimizer, res *Result) (*runningMean, error) {
	t.model.Train()
	it := loader.Epoch(ctx)
	defer it.Close()

	var bar *ProgressBar
	if t.progress != nil {
		bar = NewProgressBar(t.progress, fmt.Sprintf("Epoch %d/%d", epoch, t.cfg.Epochs), loader.NumBatches())
		defer bar.Finish()
	}

	stats := &runningMean{}
	for step := 1; ; step++ {
		if err := ctx.Err(); err != nil {
			return nil, canceledError(err, epoch)
		}
		batch, err := it.Next()
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, canceledError(ctx.Err(), epoch)
			}
			return nil, trainingError(fmt.Errorf("epoch %d: %w", epoch, err))
		}

		start := time.Now()
		logits, err := t.model.Forward(batch.Images)
		if err != nil {
			return nil, trainingError(fmt.Errorf("epoch %d forward: %w", epoch, err))
		}
		loss, err := t.criterion.Forward(logits, batch.Labels)
		if err != nil {
			return nil, trainingError(fmt.Errorf("epoch %d loss: %w", epoch, err))
		}
		lossValue, err := loss.Item()
		if err != nil {
			return nil, trainingError(err)
		}
		if math.IsNaN(float64(lossValue)) || math.IsInf(float64(lossValue), 0) {
			return nil, trainingError(fmt.Errorf("epoch %d step %d: loss is %v", epoch, step, lossValue))
		}

		opt.ZeroGrad()
		if err := loss.Backward(); err != nil {
			return nil, trainingError(fmt.Errorf("epoch %d backward: %w", epoch, err))
		}
		if err := opt.Step(); err != nil {
			return nil, trainingError(fmt.Errorf("epoch %d optimizer step: %w", epoch, err))
		}

		correct, err := correctPredictions(logits, batch.Labels)
		if err != nil {
			return nil, trainingError(err)
		}
		stats.add(float64(lossValue), correct, batch.Size())
		res.TotalSteps++
		t.metrics.RecordBatch(time.Since(start).Seconds())

		if bar != nil {
			bar.Update(step, map[string]float64{"loss": stats.loss(), "acc": stats.accuracy()})
		}
	}
}

// validate measures loss and accuracy in eval mode without building a
// gradient graph.
func (t *Trainer) validate(ctx context.Context, loader *dataloader.DataLoader) (*runningMean, error) {
	t.model.Eval()
	restore := layers.DisableGrad(t.model)
	defer restore()

	it := loader.Epoch(ctx)
	defer it.Close()

	stats := &runningMean{}
	for {
		batch, err := it.Next()
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, canceledError(ctx.Err(), 0)
			}
			return nil, trainingError(fmt.Errorf("validation: %w", err))
		}
		logits, err := t.model.Forward(batch.Images)
		if err != nil {
			return nil, trainingError(fmt.Errorf("validation forward: %w", err))
		}
		loss, err := t.criterion.Forward(logits, batch.Labels)
		if err != nil {
			return nil, trainingError(fmt.Errorf("validation loss: %w", err))
		}
		lossValue, err := loss.Item()
		if err != nil {
			return nil, trainingError(err)
		}
		correct, err := correctPredictions(logits, batch.Labels)
		if err != nil {
			return nil, trainingError(err)
		}
		stats.add(float64(lossValue), correct, batch.Size())
	}
}

func (t *Trainer) saveBest(epoch int, lr float64, res *Result) error {
	ckpt := checkpoints.FromModel(t.model, t.classNames, checkpoints.TrainingState{
		Epoch:        epoch,
		BestEpoch:    epoch,
		LearningRate: lr,
		BestLoss:     res.BestValLoss,
		BestAccuracy: res.BestValAcc,
		TotalSteps:   res.TotalSteps,
	})
	ckpt.Metadata.RunID = t.runID
	ckpt.Metadata.Tags = []string{t.model.Architecture().Name}

	err := checkpoints.Save(ckpt, t.cfg.CheckpointPath)
	t.metrics.RecordCheckpointSave(err)
	if err != nil {
		return err
	}
	GetLogger().Debug("best checkpoint saved",
		logger.String("run_id", t.runID),
		logger.String("path", t.cfg.CheckpointPath),
		logger.Int("epoch", epoch),
		logger.Float64("val_loss", res.BestValLoss))
	return nil
}

// WriteHistory replaces path with the JSON epoch history.
func WriteHistory(path string, history []EpochRecord) error {
	return checkpoints.WriteFileAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(history)
	})
}

func trainingError(err error) error {
	return errors.New(err).
		Component("training").
		Category(errors.CategoryTraining).
		Build()
}

func canceledError(err error, epoch int) error {
	return errors.New(fmt.Errorf("training canceled: %w", err)).
		Component("training").
		Category(errors.CategoryCanceled).
		Context("epoch", epoch).
		Build()
}
