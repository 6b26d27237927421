// Package zapadapter bridges zap to the core logging interface.
package zapadapter

import (
	"go.uber.org/zap"

	"github.com/yourusername/floodgate/core"
)

type adapter struct {
	sugar *zap.SugaredLogger
}

// New wraps a zap.Logger as a core.Logger.
func New(logger *zap.Logger) core.Logger {
	return &adapter{sugar: logger.Sugar()}
}

func (a *adapter) Debugf(format string, args ...interface{}) {
	a.sugar.Debugf(format, args...)
}

func (a *adapter) Errorf(format string, args ...interface{}) {
	a.sugar.Errorf(format, args...)
}
