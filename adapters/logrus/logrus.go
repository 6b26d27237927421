// Package logrusadapter bridges logrus to the core logging interface.
package logrusadapter

import (
	"github.com/sirupsen/logrus"

	"github.com/yourusername/floodgate/core"
)

type adapter struct {
	logger *logrus.Logger
}

// New wraps a logrus.Logger as a core.Logger.
func New(logger *logrus.Logger) core.Logger {
	return &adapter{logger: logger}
}

func (a *adapter) Debugf(format string, args ...interface{}) {
	a.logger.Debugf(format, args...)
}

func (a *adapter) Errorf(format string, args ...interface{}) {
	a.logger.Errorf(format, args...)
}
