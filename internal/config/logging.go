package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// LevelTrace sits below debug and enables full Ollama request and
// response payloads in the log. -8 is the value other slog extensions
// use for trace.
const LevelTrace = slog.Level(-8)

var logLevels = map[string]slog.Level{
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"":        slog.LevelInfo,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel maps trace, debug, info, warn (or warning) and error,
// in any case, to a level. The empty string is info.
func ParseLogLevel(s string) (slog.Level, error) {
	if l, ok := logLevels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
}

// ReplaceLogLevelNames prints [LevelTrace] as TRACE rather than
// slog's DEBUG-4. Use it as a handler's ReplaceAttr.
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if l, ok := a.Value.Any().(slog.Level); ok && l == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}

// NewLogger builds a logger writing to w in the configured format. An
// unset log_level means fallback: interactive commands pass warn so log
// lines do not interleave with the transcript, while serve passes info.
func (c *Config) NewLogger(w io.Writer, fallback slog.Level) (*slog.Logger, error) {
	level := fallback
	if strings.TrimSpace(c.LogLevel) != "" {
		l, err := ParseLogLevel(c.LogLevel)
		if err != nil {
			return nil, err
		}
		level = l
	}

	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: ReplaceLogLevelNames}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
