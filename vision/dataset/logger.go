package dataset

import (
	"sync"

	"github.com/tracklab/tracknet/internal/logger"
)

var (
	serviceLogger logger.Logger
	initOnce      sync.Once
)

// GetLogger returns the dataset module logger.
func GetLogger() logger.Logger {
	initOnce.Do(func() {
		serviceLogger = logger.Global().Module("dataset")
	})
	return serviceLogger
}

func logResolution(r *Resolution) []logger.Field {
	return []logger.Field{
		logger.String("train_images", r.TrainImages),
		logger.String("train_labels", r.TrainLabels),
		logger.String("test_images", r.TestImages),
		logger.String("test_labels", r.TestLabels),
		logger.String("mapping", r.Mapping),
		logger.String("train_variant", r.TrainVariant()),
	}
}
