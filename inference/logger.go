package inference

import (
	"sync"

	"github.com/tracklab/tracknet/internal/logger"
)

var (
	serviceLogger logger.Logger
	initOnce      sync.Once
)

// GetLogger returns the inference module logger.
func GetLogger() logger.Logger {
	initOnce.Do(func() {
		serviceLogger = logger.Global().Module("inference")
	})
	return serviceLogger
}
