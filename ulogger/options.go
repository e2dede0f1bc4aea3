package ulogger

import (
	"io"
	"os"
)

type Options struct {
	logLevel   string
	loggerType string
	filename   string
	prettyLogs bool
	skip       int
	writer     io.Writer
}

type Option func(*Options)

func DefaultOptions() *Options {
	return &Options{
		logLevel:   "INFO",
		loggerType: "zerolog",
		prettyLogs: true,
		writer:     os.Stdout,
	}
}

func WithLevel(level string) Option {
	return func(o *Options) {
		o.logLevel = level
	}
}

func WithLoggerType(loggerType string) Option {
	return func(o *Options) {
		o.loggerType = loggerType
	}
}

func WithWriter(w io.Writer) Option {
	return func(o *Options) {
		o.writer = w
	}
}

// WithFilename sets the file the "file" logger type appends to.
func WithFilename(filename string) Option {
	return func(o *Options) {
		o.filename = filename
	}
}

// WithPrettyLogs switches between the console writer and plain JSON lines.
func WithPrettyLogs(pretty bool) Option {
	return func(o *Options) {
		o.prettyLogs = pretty
	}
}

func WithSkipFrame(skip int) Option {
	return func(o *Options) {
		o.skip = skip
	}
}
