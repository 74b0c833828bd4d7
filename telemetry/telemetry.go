// Package telemetry constructs the *logrus.Logger shared by a daemon's
// components. There is no package-global logger: every component that
// logs takes one by constructor injection, exactly as gitp4transfer's
// GitP4Transfer carries its logger.
package telemetry

import "github.com/sirupsen/logrus"

// NewLogger builds a logger at the given debug level. level <= 0 means
// info; anything higher enables debug logging.
func NewLogger(level int) *logrus.Logger {
	logger := logrus.New()
	logger.Level = logrus.InfoLevel
	if level > 0 {
		logger.Level = logrus.DebugLevel
	}
	return logger
}

// WithComponent returns an entry tagging every subsequent log line with
// which daemon component emitted it.
func WithComponent(logger *logrus.Logger, component string) *logrus.Entry {
	return logger.WithField("component", component)
}
