package blockvalidation

import (
	"github.com/bsv-blockchain/chainvalidator/services/validator"
)

type Options struct {
	listeners []ValidationListener
	verifier  validator.ScriptVerifier
}

// Option is a function that sets some option on the Options struct
type Option func(*Options)

func NewDefaultOptions() *Options {
	return &Options{
		verifier: validator.NewGoBTScriptVerifier(),
	}
}

func ProcessOptions(opts ...Option) *Options {
	options := NewDefaultOptions()
	for _, o := range opts {
		o(options)
	}

	return options
}

// WithListener registers a listener for validation events
func WithListener(listener ValidationListener) Option {
	return func(o *Options) {
		o.listeners = append(o.listeners, listener)
	}
}

// WithScriptVerifier replaces the script interpreter used for blocks and transactions
func WithScriptVerifier(verifier validator.ScriptVerifier) Option {
	return func(o *Options) {
		o.verifier = verifier
	}
}
