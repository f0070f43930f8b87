package evaluation

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tracklab/tracknet/internal/errors"
	"github.com/tracklab/tracknet/internal/logger"
	"github.com/tracklab/tracknet/layers"
	"github.com/tracklab/tracknet/tensor"
	"github.com/tracklab/tracknet/vision/dataloader"
	"github.com/tracklab/tracknet/vision/dataset"
)

var (
	serviceLogger logger.Logger
	initOnce      sync.Once
)

// GetLogger returns the evaluation module logger.
func GetLogger() logger.Logger {
	initOnce.Do(func() {
		serviceLogger = logger.Global().Module("evaluation")
	})
	return serviceLogger
}

type options struct {
	batchSize  int
	numWorkers int
}

// Option tunes batching during evaluation.
type Option func(*options)

// WithBatchSize sets the number of samples per forward pass.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// WithWorkers sets the number of parallel sample loaders.
func WithWorkers(n int) Option {
	return func(o *options) { o.numWorkers = n }
}

// Evaluate predicts every sample of ds in order, in eval mode without
// gradients, and scores the predictions. Samples are visited in dataset
// order, so repeated calls on the same model give identical results.
func Evaluate(ctx context.Context, model layers.Module, ds dataset.Dataset, classNames []string, opts ...Option) (*Result, error) {
	o := options{batchSize: 32, numWorkers: 4}
	for _, opt := range opts {
		opt(&o)
	}
	loader, err := dataloader.NewDataLoader(ds, dataloader.Config{
		BatchSize:  o.batchSize,
		NumWorkers: o.numWorkers,
		Prefetch:   1,
	})
	if err != nil {
		return nil, errors.New(err).Component("evaluation").Category(errors.CategoryValidation).Build()
	}

	wasTraining := model.IsTraining()
	model.Eval()
	restore := layers.DisableGrad(model)
	defer func() {
		restore()
		if wasTraining {
			model.Train()
		}
	}()

	var cm *ConfusionMatrix
	start := time.Now()
	it := loader.Epoch(ctx)
	defer it.Close()
	for {
		batch, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.New(fmt.Errorf("evaluation canceled: %w", ctx.Err())).
					Component("evaluation").
					Category(errors.CategoryCanceled).
					Build()
			}
			return nil, err
		}

		logits, err := model.Forward(batch.Images)
		if err != nil {
			return nil, fmt.Errorf("forward: %w", err)
		}
		if cm == nil {
			cm = NewConfusionMatrix(logits.Shape[1])
		}
		preds, err := tensor.Argmax(logits)
		if err != nil {
			return nil, err
		}
		if err := cm.Update(batch.Labels, preds); err != nil {
			return nil, errors.New(err).Component("evaluation").Category(errors.CategoryValidation).Build()
		}
	}

	res, err := NewResult(cm, classNames)
	if err != nil {
		return nil, err
	}
	GetLogger().Info("evaluation finished",
		logger.Int("samples", res.Samples),
		logger.Float64("accuracy", res.Accuracy),
		logger.Float64("macro_f1", res.MacroAvg.F1),
		logger.Duration("duration", time.Since(start)))
	return res, nil
}
