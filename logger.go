package streamform

import "log"

// Logger is the minimal sink the engine writes diagnostic lines to: storage
// abort cleanup failures, which must not mask the originating error but are
// worth recording. Any type
// satisfying this interface, including a stdlib *log.Logger or a structured
// logger wrapped behind an adapter, can be passed via WithLogger.
type Logger interface {
	Printf(format string, args ...any)
}

// defaultLogger wraps the standard library's log package so callers that
// don't configure their own logger still get diagnostic output.
type defaultLogger struct{}

func (defaultLogger) Printf(format string, args ...any) {
	log.Printf(format, args...)
}
