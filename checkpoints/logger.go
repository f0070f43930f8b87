package checkpoints

import (
	"sync"

	"github.com/tracklab/tracknet/internal/logger"
	"github.com/tracklab/tracknet/layers"
)

var (
	serviceLogger logger.Logger
	initOnce      sync.Once
)

// GetLogger returns the checkpoints module logger.
func GetLogger() logger.Logger {
	initOnce.Do(func() {
		serviceLogger = logger.Global().Module("checkpoints")
	})
	return serviceLogger
}

func logFields(nr NormalizeReport, r layers.LoadReport) []logger.Field {
	return []logger.Field{
		logger.Int("renamed", len(nr.Renamed)),
		logger.String("stripped_prefix", nr.StrippedPrefix),
		logger.Int("loaded", len(r.Loaded)),
		logger.Int("missing", len(r.Missing)),
		logger.Int("unexpected", len(r.Unexpected)),
	}
}
