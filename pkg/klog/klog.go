// Package klog constructs the logr.Logger used throughout valicore, the same
// way cmd/main.go wires a zap-backed logr.Logger for the teacher's collectors
// and controllers.
package klog

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// Options controls the backing zap logger.
type Options struct {
	Development bool
}

// New returns a logr.Logger backed by zap, named "valicore".
func New(opts Options) (logr.Logger, error) {
	var cfg zap.Config
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	zl, err := cfg.Build()
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(zl).WithName("valicore"), nil
}

// Discard returns a logger that drops everything, for use in tests.
func Discard() logr.Logger {
	return logr.Discard()
}
