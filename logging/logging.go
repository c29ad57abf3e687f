// Package logging wraps go-kit/log the way goshawkdb.io/server/utils
// wraps it for txnengine.Txn's logger field: a base logger plus small
// leveled helpers keyed by caller-supplied fields, so the lines the core
// emits (decide, consensus election, transport failures) carry
// structured context such as inbacId and rank rather than free-form
// printf output.
package logging

import (
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// New builds a base logger in either logfmt or json format, filtered to
// the given minimum level ("debug", "info", "warn", "error").
func New(format, minLevel string) kitlog.Logger {
	var base kitlog.Logger
	if format == "json" {
		base = kitlog.NewJSONLogger(kitlog.NewSyncWriter(os.Stderr))
	} else {
		base = kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	}
	base = kitlog.With(base, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.DefaultCaller)
	return level.NewFilter(base, levelOption(minLevel))
}

func levelOption(name string) level.Option {
	switch name {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}

// Debug logs at debug level with keyvals, mirroring
// utils.DebugLog(logger, "debug", msg, keyvals...) in the teacher.
func Debug(logger kitlog.Logger, msg string, keyvals ...interface{}) {
	_ = level.Debug(logger).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

// Info logs at info level with keyvals.
func Info(logger kitlog.Logger, msg string, keyvals ...interface{}) {
	_ = level.Info(logger).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}

// Warn logs at warn level with keyvals, used for spec §7's "Transport
// failure" error kind and the consensus round-cap fallback.
func Warn(logger kitlog.Logger, msg string, keyvals ...interface{}) {
	_ = level.Warn(logger).Log(append([]interface{}{"msg", msg}, keyvals...)...)
}
