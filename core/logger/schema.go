package logger

import "strings"

var levelNames = map[string]string{
	"debug":   "DEBUG",
	"info":    "INFO",
	"warn":    "WARN",
	"warning": "WARN",
	"error":   "ERROR",
}

// Values outside these sets are dropped for cache/outcome and kept as-is for status.
var (
	allowedStatus  = set("ok", "fail", "skip", "retry", "rate_limited", "cancelled", "timeout")
	allowedCache   = set("hit", "miss", "refresh", "shared")
	allowedOutcome = set("ok", "fail", "cancelled", "rate_limited", "not_found", "answered", "timeout")
)

func set(values ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

func normalizeLevel(level string) string {
	if level == "" {
		return "INFO"
	}
	if mapped, ok := levelNames[strings.ToLower(level)]; ok {
		return mapped
	}
	return strings.ToUpper(level)
}

func normalizeEnum(allowed map[string]struct{}, v string) (string, bool) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "", false
	}
	_, ok := allowed[v]
	return v, ok
}

var defaultKeyOrder = []string{
	"ts",
	"level",
	"component",
	"event",
	"status",
	"rid",
	"bot",
	"update_id",
	"user_id",
	"chat_id",
	"command",
	"pattern",
	"kind",
	"outcome",
	"cache",
	"duration_ms",
	"commands",
	"patterns",
	"sessions",
	"stage",
	"action",
	"attempt",
	"attempts",
	"elapsed_ms",
	"payload",
	"bot_username",
	"bots",
	"live",
	"removed",
	"expired",
	"addr",
	"method",
	"route",
	"code",
	"db",
	"host",
	"port",
	"from_ver",
	"to_ver",
	"err",
	"err_code",
	"err_kind",
	"retryable",
	"job",
}
