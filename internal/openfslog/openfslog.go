// Package openfslog defines the minimal logging contract threaded through
// Router, CachedBackend, SyncEngine, and WriteAheadLog, mirroring the
// teacher's cache.Logger interface (cache/cache.go) and its
// config/logger.go construction of a stdout access logger and a stderr
// error logger with matching date/time flags.
package openfslog

import (
	"io"
	"log"
)

// Logger is the minimal contract OpenFS's core components take for
// logging, satisfied directly by *log.Logger.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Flags mirrors the teacher's log.Ldate|log.Ltime|log.LUTC default.
const Flags = log.Ldate | log.Ltime | log.LUTC

// New builds an access/error logger pair writing to out/errOut with the
// standard flags, muting the access logger when accessLogLevel is "none".
func New(out, errOut io.Writer, accessLogLevel string) (access, errorLog *log.Logger) {
	access = log.New(out, "", Flags)
	errorLog = log.New(errOut, "", Flags)
	if accessLogLevel == "none" {
		access.SetOutput(io.Discard)
	}
	return access, errorLog
}

// Discard returns a Logger that drops everything, used as the default for
// components constructed without an explicit logger.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
