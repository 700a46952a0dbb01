package telegram

import (
	"github.com/m3rciful/botrunner/core/platform"

	tele "gopkg.in/telebot.v4"
)

// Route binds a telebot endpoint to a handler.
type Route struct {
	Endpoint any
	Handler  tele.HandlerFunc
}

func routes(h platform.Handlers) []Route {
	var out []Route
	if h.Text != nil {
		out = append(out, Route{Endpoint: tele.OnText, Handler: adapt(platform.KindText, h.Text)})
	}
	if h.Media != nil {
		out = append(out, Route{Endpoint: tele.OnMedia, Handler: adapt(platform.KindMedia, h.Media)})
	}
	if h.Callback != nil {
		out = append(out, Route{Endpoint: tele.OnCallback, Handler: adapt(platform.KindCallback, h.Callback)})
	}
	return out
}

func adapt(kind platform.EventKind, h platform.Handler) tele.HandlerFunc {
	return func(c tele.Context) error {
		return h(eventFrom(kind, c))
	}
}

func eventFrom(kind platform.EventKind, c tele.Context) platform.Event {
	ev := platform.Event{Kind: kind, UpdateID: c.Update().ID}
	if u := c.Sender(); u != nil {
		ev.From = platform.User{
			ID:        u.ID,
			Username:  u.Username,
			FirstName: u.FirstName,
			LastName:  u.LastName,
			Language:  u.LanguageCode,
		}
	}
	if ch := c.Chat(); ch != nil {
		ev.ChatID = ch.ID
	}
	if m := c.Message(); m != nil {
		ev.MessageID = m.ID
	}
	switch kind {
	case platform.KindCallback:
		if cb := c.Callback(); cb != nil {
			ev.CallbackID = cb.ID
			ev.Text = cb.Data
		}
	default:
		ev.Text = c.Text()
	}
	if ev.ChatID == 0 {
		ev.ChatID = ev.From.ID
	}
	return ev
}
