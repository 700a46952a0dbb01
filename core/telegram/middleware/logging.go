package middleware

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/m3rciful/botrunner/core/logger"

	tele "gopkg.in/telebot.v4"
)

const dedupeWindow = 10 * time.Second

// updateLog keeps a short-lived set of processed update IDs so redelivered
// webhooks are logged once.
type updateLog struct {
	mu   sync.Mutex
	seen map[int]time.Time
	now  func() time.Time
}

func (l *updateLog) firstSeen(updateID int) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, ts := range l.seen {
		if now.Sub(ts) > dedupeWindow {
			delete(l.seen, id)
		}
	}
	if _, ok := l.seen[updateID]; ok {
		return false
	}
	l.seen[updateID] = now
	return true
}

// LoggerMiddleware logs a single receipt line per update.
func LoggerMiddleware(botKey string) tele.MiddlewareFunc {
	return loggerMiddleware(botKey, time.Now)
}

func loggerMiddleware(botKey string, now func() time.Time) tele.MiddlewareFunc {
	recent := &updateLog{seen: make(map[int]time.Time), now: now}
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			upd := c.Update()
			if !recent.firstSeen(upd.ID) {
				logger.Debug(logger.WithBot(context.Background(), botKey), "tg", "update.duplicate",
					slog.Int("update_id", upd.ID))
				return next(c)
			}
			if !logger.ShouldSampleDebug() {
				return next(c)
			}

			var userID, chatID int64
			if u := c.Sender(); u != nil {
				userID = u.ID
			}
			if ch := c.Chat(); ch != nil {
				chatID = ch.ID
			}
			ctx := logger.WithBot(context.Background(), botKey)
			ctx = logger.WithUpdateMeta(ctx, upd.ID, userID, chatID)
			ctx = logger.WithRID(ctx, logger.BuildRID(botKey, upd.ID, userID))

			attrs := []slog.Attr{slog.String("status", "ok")}
			switch {
			case upd.Callback != nil:
				attrs = append(attrs,
					slog.String("kind", "callback"),
					slog.String("payload", logger.SanitizeLimit(upd.Callback.Data, 256)))
			case upd.Message != nil:
				attrs = append(attrs, slog.String("kind", "message"))
				if t := c.Text(); t != "" {
					attrs = append(attrs, slog.String("payload", logger.SanitizeLimit(t, 256)))
				}
			}
			logger.LogEvent(ctx, logger.TG, slog.LevelDebug, "update.received", attrs...)
			return next(c)
		}
	}
}
