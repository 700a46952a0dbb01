package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/m3rciful/botrunner/core/logger"

	tele "gopkg.in/telebot.v4"
)

// RecoverMiddleware catches panics in handlers so one update cannot take the
// webhook goroutine down with it.
func RecoverMiddleware(botKey string) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					ctx := logger.WithBot(context.Background(), botKey)
					logger.LogEvent(ctx, logger.TG, slog.LevelError, "tg.panic",
						slog.String("status", "fail"),
						slog.Int("update_id", c.Update().ID),
						slog.Any("err", r),
						slog.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("handler panic: %v", r)
				}
			}()
			return next(c)
		}
	}
}
