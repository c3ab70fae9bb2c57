package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// LevelEnv overrides the configured log level when set.
const LevelEnv = "SDMON_LOG_LEVEL"

// New creates a logger writing to stderr at the given level. Unknown levels
// fall back to warn so a normal run only prints its confirmation line.
func New(level string) *logrus.Logger {
	return NewWithOutput(os.Stderr, level)
}

// NewWithOutput is New with an explicit destination.
func NewWithOutput(out io.Writer, level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	if v := os.Getenv(LevelEnv); v != "" {
		level = v
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.WarnLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// Discard returns a logger that drops everything, for tests.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
