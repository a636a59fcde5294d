package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SanitizerCore masks the values of sensitive fields before they reach the
// wrapped core, both for per-entry fields and for fields bound with With.
type SanitizerCore struct {
	zapcore.Core
	sensitive map[string]struct{}
	mask      string
}

func NewSanitizerCore(core zapcore.Core, sensitiveFields []string, mask string) *SanitizerCore {
	set := make(map[string]struct{}, len(sensitiveFields))
	for _, f := range sensitiveFields {
		set[normalizeKey(f)] = struct{}{}
	}
	return &SanitizerCore{Core: core, sensitive: set, mask: mask}
}

// normalizeKey folds case and treats '-' like '_', so "API-Key" matches "api_key".
func normalizeKey(k string) string {
	return strings.ReplaceAll(strings.ToLower(k), "-", "_")
}

// IsSensitive reports whether values under key are masked.
func (s *SanitizerCore) IsSensitive(key string) bool {
	_, ok := s.sensitive[normalizeKey(key)]
	return ok
}

func (s *SanitizerCore) With(fields []zapcore.Field) zapcore.Core {
	return &SanitizerCore{
		Core:      s.Core.With(s.sanitize(fields)),
		sensitive: s.sensitive,
		mask:      s.mask,
	}
}

func (s *SanitizerCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if s.Enabled(entry.Level) {
		return ce.AddCore(entry, s)
	}
	return ce
}

func (s *SanitizerCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	return s.Core.Write(entry, s.sanitize(fields))
}

func (s *SanitizerCore) sanitize(fields []zapcore.Field) []zapcore.Field {
	var out []zapcore.Field
	for i, f := range fields {
		if !s.IsSensitive(f.Key) {
			continue
		}
		if out == nil {
			out = make([]zapcore.Field, len(fields))
			copy(out, fields)
		}
		out[i] = zap.String(f.Key, s.mask)
	}
	if out == nil {
		return fields
	}
	return out
}
