package config

import (
	log "github.com/sirupsen/logrus"
)

// NewLogger returns a logger honouring DEBUG and LOG_FORMAT. The standard
// logrus logger is configured the same way so package-level log calls match.
func (c *Config) NewLogger() *log.Logger {
	logger := log.New()
	for _, l := range []*log.Logger{logger, log.StandardLogger()} {
		if c.Debug {
			l.SetLevel(log.DebugLevel)
		}
		if c.LogFormat == "json" {
			l.SetFormatter(&log.JSONFormatter{})
		}
	}
	return logger
}
