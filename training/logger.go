package training

import (
	"sync"

	"github.com/tracklab/tracknet/internal/logger"
)

var (
	serviceLogger logger.Logger
	initOnce      sync.Once
)

// GetLogger returns the training module logger.
func GetLogger() logger.Logger {
	initOnce.Do(func() {
		serviceLogger = logger.Global().Module("training")
	})
	return serviceLogger
}
