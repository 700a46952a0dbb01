package telegram

import (
	"strings"
	"time"

	coreconfig "github.com/m3rciful/botrunner/core/config"
	"github.com/m3rciful/botrunner/core/telegram/middleware"

	tele "gopkg.in/telebot.v4"
)

// Middleware describes a bot middleware registered via bot.Use.
type Middleware struct {
	Name string
	Use  tele.MiddlewareFunc
}

// DefaultMiddlewares builds the chain installed on every bot: panic recovery,
// optional per-user rate limiting, and receipt logging.
func DefaultMiddlewares(botKey string, rl coreconfig.RateLimitConfig) []Middleware {
	mws := []Middleware{
		{Name: "recover", Use: middleware.RecoverMiddleware(botKey)},
	}

	interval := time.Duration(rl.IntervalMS) * time.Millisecond
	if interval > 0 {
		ex := make(map[string]struct{}, len(rl.ExcludeUpdates))
		for _, t := range rl.ExcludeUpdates {
			ex[strings.ToLower(t)] = struct{}{}
		}
		mws = append(mws, Middleware{
			Name: "rate_limit",
			Use: middleware.RateLimitMiddleware(middleware.RateLimitOptions{
				BotKey:   botKey,
				Interval: interval,
				Exclude:  ex,
			}),
		})
	}

	return append(mws, Middleware{Name: "logger", Use: middleware.LoggerMiddleware(botKey)})
}
