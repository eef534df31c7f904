package environment

import "go.uber.org/zap"

// Options configures an Environment.
//
// Defaults:
// - Logger: zap.NewNop()
type Options struct {
	Logger *zap.Logger
}

type Option func(*Options)

func WithLogger(l *zap.Logger) Option { return func(o *Options) { o.Logger = l } }
