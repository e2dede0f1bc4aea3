package validator

type Options struct {
	verifier ScriptVerifier
	listener Listener
}

// Option is a function that sets some option on the Options struct
type Option func(*Options)

func NewDefaultOptions() *Options {
	return &Options{
		verifier: NewGoBTScriptVerifier(),
		listener: NoopListener{},
	}
}

func ProcessOptions(opts ...Option) *Options {
	options := NewDefaultOptions()
	for _, o := range opts {
		o(options)
	}

	return options
}

// WithScriptVerifier replaces the go-bt interpreter used to verify input scripts
func WithScriptVerifier(verifier ScriptVerifier) Option {
	return func(o *Options) {
		o.verifier = verifier
	}
}

// WithListener sets the receiver of accepted transactions, double spends and peer punishments
func WithListener(listener Listener) Option {
	return func(o *Options) {
		o.listener = listener
	}
}
