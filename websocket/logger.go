package websocket

import "go.uber.org/zap"

// log returns the package logger, resolved against the zap global so
// logging.New takes effect after package init.
func log() *zap.Logger {
	return zap.L().Named("websocket")
}
