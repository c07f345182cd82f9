package obs

import (
	"go.uber.org/zap"
)

// NewLogger builds the process logger for env and installs it as the zap global.
func NewLogger(env string) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if env == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// Logger returns the shared logger. Before NewLogger runs it is a no-op logger.
func Logger() *zap.Logger {
	return zap.L()
}
