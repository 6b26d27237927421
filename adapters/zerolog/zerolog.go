// Package zerologadapter bridges zerolog to the core logging interface.
package zerologadapter

import (
	"github.com/rs/zerolog"

	"github.com/yourusername/floodgate/core"
)

type adapter struct {
	logger zerolog.Logger
}

// New wraps a zerolog.Logger as a core.Logger.
func New(logger zerolog.Logger) core.Logger {
	return &adapter{logger: logger}
}

func (a *adapter) Debugf(format string, args ...interface{}) {
	a.logger.Debug().Msgf(format, args...)
}

func (a *adapter) Errorf(format string, args ...interface{}) {
	a.logger.Error().Msgf(format, args...)
}
