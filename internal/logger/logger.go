package logger

import (
	"go.uber.org/zap"
)

var log *zap.Logger

// Init sets up the process-wide production logger.
func Init() error {
	var err error
	log, err = zap.NewProduction()
	if err != nil {
		return err
	}
	return nil
}

// Get returns the process logger, initializing a fallback if Init was
// never called (tests, ad-hoc tools).
func Get() *zap.Logger {
	if log == nil {
		log, _ = zap.NewProduction()
	}
	return log
}

func Sync() {
	if log != nil {
		log.Sync()
	}
}
