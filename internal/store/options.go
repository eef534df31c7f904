package store

import (
	"go.uber.org/zap"

	"github.com/hanpama/normcache/internal/record"
)

// TypeChecker answers type-condition questions for fragments on abstract
// types. *schema.Schema implements it.
type TypeChecker interface {
	IsPossibleType(abstract, concrete string) bool
}

// Options configures a Store.
//
// Defaults:
// - Identity: record.DefaultIdentity
// - Logger:   zap.NewNop()
// - Types:    nil (type conditions match on exact typename only)
type Options struct {
	Identity record.IdentityStrategy
	Types    TypeChecker
	Logger   *zap.Logger
}

type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Identity: record.DefaultIdentity,
		Logger:   zap.NewNop(),
	}
}

func WithIdentity(fn record.IdentityStrategy) Option { return func(o *Options) { o.Identity = fn } }
func WithTypes(t TypeChecker) Option                 { return func(o *Options) { o.Types = t } }
func WithLogger(l *zap.Logger) Option                { return func(o *Options) { o.Logger = l } }
