package cardmd

import (
	"math/rand/v2"

	"github.com/aweris/cardmd/internal/logging"
)

// Logger is the structured logger the engine writes to.
type Logger = logging.Logger

// Options configures a card session.
type Options struct {
	Logger Logger
	Models []CardModel
	Rand   func() uint32
}

// Option is a functional option for configuring Open.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Logger: logging.Nop{},
		Rand:   rand.Uint32,
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithCardModels sets the card-model table used to resolve the
// read-only and enrollment policy.
func WithCardModels(models ...CardModel) Option {
	return func(o *Options) { o.Models = append(o.Models, models...) }
}

// WithRandom sets the source of the cache counters used when the card
// offers nothing to derive them from.
func WithRandom(fn func() uint32) Option {
	return func(o *Options) {
		if fn != nil {
			o.Rand = fn
		}
	}
}
