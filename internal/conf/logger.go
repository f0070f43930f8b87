package conf

import (
	"sync"

	"github.com/tracklab/tracknet/internal/logger"
)

var (
	serviceLogger logger.Logger
	initOnce      sync.Once
)

// GetLogger returns the conf module logger.
func GetLogger() logger.Logger {
	initOnce.Do(func() {
		serviceLogger = logger.Global().Module("conf")
	})
	return serviceLogger
}

func fileField(path string) logger.Field {
	if path == "" {
		path = DefaultFile
	}
	return logger.String("file", path)
}
