// Package logging builds the logr loggers used across geotsdecomp. Loggers are
// backed by zap and passed explicitly to every component.
package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels for logger.V(...)
const (
	DEBUG = 1
	TRACE = 2
)

// New returns a production logger. Verbose enables DEBUG and TRACE output.
func New(verbose bool) (logr.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-1 * TRACE))
	}
	zl, err := cfg.Build()
	if err != nil {
		return logr.Discard(), err
	}
	return zapr.NewLogger(zl), nil
}

// ForRank tags a logger with the rank of the process in its group.
func ForRank(log logr.Logger, rank, size int) logr.Logger {
	return log.WithValues("rank", rank, "size", size)
}
