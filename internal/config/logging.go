package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace logs full model request and response bodies. It is one
// step below debug, at -8.
const LevelTrace = slog.Level(-8)

var logLevels = map[string]slog.Level{
	"":        slog.LevelInfo,
	"info":    slog.LevelInfo,
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel maps a log_level value to a slog level. Matching ignores
// case and surrounding space, and an empty value means info.
func ParseLogLevel(s string) (slog.Level, error) {
	if level, ok := logLevels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return level, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
}

// ReplaceLogLevelNames is a [slog.HandlerOptions.ReplaceAttr] hook that
// prints [LevelTrace] as TRACE rather than DEBUG-4.
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
		return slog.String(slog.LevelKey, "TRACE")
	}
	return a
}
