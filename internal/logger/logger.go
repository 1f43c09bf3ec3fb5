package logger

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// NewLogger returns the default application logger: colored text on
// stdout with time-only timestamps.
func NewLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{
		ForceColors:     true,
		FullTimestamp:   true,
		TimestampFormat: time.TimeOnly,
	})
	log.SetLevel(logrus.InfoLevel)
	return log
}
