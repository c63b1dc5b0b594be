package ldap

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
)

const slowOperationThreshold = 5 * time.Second

// LogOperation runs fn and logs its outcome and duration.
func LogOperation(ctx context.Context, logger *slog.Logger, operation string, fn func() error, args ...any) error {
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)

	attrs := append([]any{"operation", operation, "duration", elapsed}, args...)
	switch {
	case err != nil:
		logger.DebugContext(ctx, "directory operation failed", append(attrs, "error", err)...)
	case elapsed > slowOperationThreshold:
		logger.WarnContext(ctx, "slow directory operation", attrs...)
	default:
		logger.Log(ctx, LevelTrace, "directory operation", attrs...)
	}
	return err
}

// LevelTrace is below slog.LevelDebug and is used for per-operation noise.
const LevelTrace = slog.Level(-8)

// LogLDAPError logs LDAP-specific error information.
func LogLDAPError(ctx context.Context, logger *slog.Logger, operation string, err error, args ...any) {
	attrs := append([]any{"operation", operation, "error", err}, args...)

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		attrs = append(attrs, "result_code", resultErr.ResultCode)
		if resultErr.MatchedDN != "" {
			attrs = append(attrs, "matched_dn", resultErr.MatchedDN)
		}
	}

	logger.ErrorContext(ctx, "LDAP operation failed", attrs...)
}

// LogConnectionEvent logs connection-related events at a level that fits the event.
func LogConnectionEvent(ctx context.Context, logger *slog.Logger, event string, args ...any) {
	level := slog.LevelDebug
	switch event {
	case "connection_established", "authentication_success":
		level = slog.LevelInfo
	case "connection_failed", "authentication_failed", "connection_lost":
		level = slog.LevelWarn
	}
	logger.Log(ctx, level, "connection event", append([]any{"event", event}, args...)...)
}

// LogPoolEvent logs connection pool events.
func LogPoolEvent(ctx context.Context, logger *slog.Logger, event string, args ...any) {
	level := slog.LevelDebug
	switch event {
	case "pool_exhausted", "health_check_failed":
		level = slog.LevelWarn
	case "pool_creation_failed", "all_connections_failed":
		level = slog.LevelError
	}
	logger.Log(ctx, level, "pool event", append([]any{"event", event}, args...)...)
}

var sensitiveKeys = map[string]bool{
	"password":    true,
	"passwd":      true,
	"secret":      true,
	"token":       true,
	"key":         true,
	"private_key": true,
	"credential":  true,
	"credentials": true,
	"bind_pw":     true,
}

// IsSensitiveKey reports whether a field name should never be logged or printed.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	if sensitiveKeys[k] {
		return true
	}
	return strings.HasSuffix(k, "password") || strings.HasSuffix(k, "_secret")
}

// SanitizeFields removes sensitive information from a field map.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any, len(fields))
	for k, v := range fields {
		if IsSensitiveKey(k) {
			sanitized[k] = "[REDACTED]"
			continue
		}
		if str, ok := v.(string); ok && containsSensitivePattern(str) {
			sanitized[k] = "[REDACTED]"
			continue
		}
		sanitized[k] = v
	}
	return sanitized
}

// RedactAttr is a slog ReplaceAttr hook that masks sensitive fields.
func RedactAttr(_ []string, a slog.Attr) slog.Attr {
	if IsSensitiveKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	return a
}

func containsSensitivePattern(s string) bool {
	return containsAny(strings.ToLower(s), "password=", "passwd=", "secret=", "token=", "key=")
}
