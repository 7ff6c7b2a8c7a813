package logger

import "strings"

// Level names as they appear in output.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

const redacted = "[redacted]"

var levelNames = map[string]string{
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
}

// enumField restricts a string field to known values. Unknown values are
// kept when keepUnknown is set and dropped otherwise.
type enumField struct {
	values      map[string]struct{}
	keepUnknown bool
}

func newEnum(keepUnknown bool, values ...string) enumField {
	e := enumField{values: make(map[string]struct{}, len(values)), keepUnknown: keepUnknown}
	for _, v := range values {
		e.values[v] = struct{}{}
	}
	return e
}

var enums = map[string]enumField{
	"status":  newEnum(true, "ok", "fail", "skip", "retry", "rate_limited", "cancelled", "dropped"),
	"outcome": newEnum(false, "ok", "fail", "cancelled", "rate_limited"),
}

// secretKeys never reach a sink with their value. Matching uses the last
// dotted segment so grouped attrs are covered too.
var secretKeys = map[string]struct{}{
	"api_secret":    {},
	"session_token": {},
	"password":      {},
	"code":          {},
	"token":         {},
	"text":          {},
}

func isSecretKey(key string) bool {
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		key = key[i+1:]
	}
	_, ok := secretKeys[key]
	return ok
}

func normalizeLevel(level string) string {
	if level == "" {
		return LevelInfo
	}
	if mapped, ok := levelNames[strings.ToLower(level)]; ok {
		return mapped
	}
	return strings.ToUpper(level)
}

// defaultKeyOrder puts the fields an operator scans first at the front:
// identity, then correlation ids, then the userbot subject, then outcome.
var defaultKeyOrder = []string{
	"ts", "level", "component", "event", "status",
	"rid", "rid_full", "pass_id", "login_id",
	"update_id", "user_id", "chat_id", "handler", "cb_key",
	"task_id", "tasks", "state", "step", "gen", "trigger", "outcome",
	"duration_ms", "records", "handles", "opened", "failed", "removed", "count",
	"mode", "listen", "public_url", "http_code", "source",
	"db", "host", "port", "path",
	"err", "err_code", "cause", "retryable",
	"attempt", "attempts", "failures", "backoff_ms", "retry_in_ms",
	"rate_limited", "pending_count",
}
