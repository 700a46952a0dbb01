package logger

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"unicode"
)

type contextKey int

const (
	ctxLogger contextKey = iota
	ctxRID
	ctxBot
	ctxUpdateID
	ctxUserID
	ctxChatID
	ctxCommand
)

// WithLogger stores the provided slog.Logger in context for propagation across layers.
func WithLogger(ctx context.Context, log *slog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxLogger, log)
}

// FromContext extracts slog.Logger from context or returns the global logger.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxLogger).(*slog.Logger); ok {
			return l
		}
	}
	return L
}

// WithRID attaches a correlation id.
func WithRID(ctx context.Context, rid string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxRID, rid)
}

// RIDFrom extracts rid from context if present.
func RIDFrom(ctx context.Context) string {
	return stringValue(ctx, ctxRID)
}

// WithBot tags the context with the redacted bot key.
func WithBot(ctx context.Context, botKey string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if botKey == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxBot, botKey)
}

// BotFrom returns the bot key stored by WithBot.
func BotFrom(ctx context.Context) string {
	return stringValue(ctx, ctxBot)
}

// WithUpdateMeta attaches common update identifiers to context.
func WithUpdateMeta(ctx context.Context, updateID int, userID, chatID int64) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, ctxUpdateID, updateID)
	ctx = context.WithValue(ctx, ctxUserID, userID)
	ctx = context.WithValue(ctx, ctxChatID, chatID)
	return ctx
}

// WithCommand tags the context with the executing command name.
func WithCommand(ctx context.Context, name string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if name == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxCommand, name)
}

// CommandFrom returns the command name stored by WithCommand.
func CommandFrom(ctx context.Context) string {
	return stringValue(ctx, ctxCommand)
}

// UserIDFrom extracts Telegram user ID from context.
func UserIDFrom(ctx context.Context) int64 {
	if ctx == nil {
		return 0
	}
	id, _ := ctx.Value(ctxUserID).(int64)
	return id
}

// ChatIDFrom extracts chat id from context.
func ChatIDFrom(ctx context.Context) int64 {
	if ctx == nil {
		return 0
	}
	id, _ := ctx.Value(ctxChatID).(int64)
	return id
}

// UpdateIDFrom extracts update identifier from context.
func UpdateIDFrom(ctx context.Context) int {
	if ctx == nil {
		return 0
	}
	id, _ := ctx.Value(ctxUpdateID).(int)
	return id
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(key).(string)
	return s
}

// Sanitize drops control and format runes except tab and newline.
func Sanitize(s string) string {
	if s == "" {
		return s
	}
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || unicode.Is(unicode.Cf, r) {
			return -1
		}
		return r
	}, s)
}

// SanitizeLimit applies Sanitize and limits the output length in runes.
func SanitizeLimit(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(Sanitize(s))
	if len(r) <= max {
		return string(r)
	}
	return string(r[:max])
}

// BuildRID returns a correlation id of the form botKey:updateID:userID.
func BuildRID(botKey string, updateID int, userID int64) string {
	var b strings.Builder
	b.Grow(len(botKey) + 24)
	b.WriteString(botKey)
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(int64(updateID), 36))
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(userID, 36))
	return b.String()
}
