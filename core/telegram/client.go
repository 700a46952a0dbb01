// Package telegram implements platform.Client on top of telebot. Updates
// arrive through Process from the webhook server; nothing polls.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	coreconfig "github.com/m3rciful/botrunner/core/config"
	"github.com/m3rciful/botrunner/core/logger"
	"github.com/m3rciful/botrunner/core/platform"
	"github.com/m3rciful/botrunner/core/telegram/keyboard"
	"github.com/m3rciful/botrunner/core/telegram/sender"

	tele "gopkg.in/telebot.v4"
)

// Options are shared by every client a factory builds.
type Options struct {
	// APIURL overrides the Bot API endpoint. Empty uses api.telegram.org.
	APIURL     string
	HTTPClient *http.Client
	Sender     *sender.Dispatcher
	RateLimit  coreconfig.RateLimitConfig
}

// NewFactory returns a platform.ClientFactory producing telebot clients.
func NewFactory(opts Options) platform.ClientFactory {
	return func(credential string) (platform.Client, error) {
		return NewClient(credential, opts)
	}
}

// Client is a telebot backed platform.Client for one credential.
type Client struct {
	bot    *tele.Bot
	key    string
	sender *sender.Dispatcher

	subscribe sync.Once
	closed    atomic.Bool
}

// NewClient builds an offline bot; the credential is first checked by
// Validate.
func NewClient(credential string, opts Options) (*Client, error) {
	if strings.TrimSpace(credential) == "" {
		return nil, errors.New("telegram: empty credential")
	}
	if opts.Sender == nil {
		return nil, errors.New("telegram: nil sender")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = BuildHTTPClient(0)
	}

	key := platform.Key(credential)
	b, err := tele.NewBot(tele.Settings{
		URL:         opts.APIURL,
		Token:       credential,
		Client:      httpClient,
		Offline:     true,
		Synchronous: true,
		OnError: func(err error, c tele.Context) {
			attrs := []slog.Attr{slog.String("status", "fail"), slog.String("err", sender.Redact(err.Error()))}
			if c != nil {
				attrs = append(attrs, slog.Int("update_id", c.Update().ID))
			}
			logger.LogEvent(logger.WithBot(context.Background(), key), logger.TG, slog.LevelError, "tg.handler.error", attrs...)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: bot initialization failed: %s", sender.Redact(err.Error()))
	}

	for _, mw := range DefaultMiddlewares(key, opts.RateLimit) {
		b.Use(mw.Use)
	}

	return &Client{bot: b, key: key, sender: opts.Sender}, nil
}

// Validate calls getMe and records the identity for command addressing.
func (c *Client) Validate(ctx context.Context) (platform.Identity, error) {
	if c.closed.Load() {
		return platform.Identity{}, platform.ErrClosed
	}
	var raw []byte
	err := c.sender.Do(ctx, "getMe", "getMe", func() error {
		var err error
		raw, err = c.bot.Raw("getMe", map[string]string{})
		return err
	})
	if err != nil {
		return platform.Identity{}, err
	}
	var resp struct {
		Result tele.User `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return platform.Identity{}, fmt.Errorf("telegram: decode getMe: %w", err)
	}
	if resp.Result.ID == 0 {
		return platform.Identity{}, errors.New("telegram: getMe returned no user")
	}
	me := resp.Result
	c.bot.Me = &me
	return platform.Identity{ID: me.ID, Username: me.Username, FirstName: me.FirstName}, nil
}

// SendText delivers a message and waits for the outcome.
func (c *Client) SendText(ctx context.Context, chatID int64, text string, opts platform.SendOptions) error {
	if c.closed.Load() {
		return platform.ErrClosed
	}
	so := sendOptions(opts)
	return c.sender.Do(ctx, "send.text", "sendMessage", func() error {
		_, err := c.bot.Send(tele.ChatID(chatID), text, so)
		return err
	})
}

// EnqueueText hands the message to the sender pool.
func (c *Client) EnqueueText(ctx context.Context, chatID int64, text string, opts platform.SendOptions) error {
	if c.closed.Load() {
		return platform.ErrClosed
	}
	so := sendOptions(opts)
	return c.sender.Enqueue(ctx, "send.text", "sendMessage", func() error {
		_, err := c.bot.Send(tele.ChatID(chatID), text, so)
		return err
	})
}

// SendMedia delivers an attachment referenced by URL.
func (c *Client) SendMedia(ctx context.Context, chatID int64, media platform.Media, opts platform.SendOptions) error {
	if c.closed.Load() {
		return platform.ErrClosed
	}
	what, endpoint, err := sendable(media)
	if err != nil {
		return err
	}
	so := sendOptions(opts)
	return c.sender.Do(ctx, "send."+string(media.Kind), endpoint, func() error {
		_, err := c.bot.Send(tele.ChatID(chatID), what, so)
		return err
	})
}

// SendChatAction shows a transient status such as "typing".
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action string) error {
	if c.closed.Load() {
		return platform.ErrClosed
	}
	return c.sender.Do(ctx, "send.action", "sendChatAction", func() error {
		return c.bot.Notify(tele.ChatID(chatID), tele.ChatAction(action))
	})
}

// AnswerCallback acknowledges an inline button press.
func (c *Client) AnswerCallback(ctx context.Context, callbackID string) error {
	if c.closed.Load() {
		return platform.ErrClosed
	}
	if callbackID == "" {
		return nil
	}
	return c.sender.Do(ctx, "callback.answer", "answerCallbackQuery", func() error {
		return c.bot.Respond(&tele.Callback{ID: callbackID})
	})
}

// Subscribe routes telebot endpoints to the handlers. Only the first call
// has an effect.
func (c *Client) Subscribe(h platform.Handlers) {
	c.subscribe.Do(func() {
		for _, r := range routes(h) {
			c.bot.Handle(r.Endpoint, r.Handler)
		}
	})
}

// Process decodes one webhook body and runs the matching handler inline.
func (c *Client) Process(raw []byte) error {
	if c.closed.Load() {
		return platform.ErrClosed
	}
	var u tele.Update
	if err := json.Unmarshal(raw, &u); err != nil {
		return fmt.Errorf("telegram: decode update: %w", err)
	}
	c.bot.ProcessUpdate(u)
	return nil
}

// SetWebhook registers url with the Bot API.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	if c.closed.Load() {
		return platform.ErrClosed
	}
	wh := &tele.Webhook{
		Endpoint:       &tele.WebhookEndpoint{PublicURL: url},
		SecretToken:    secret,
		AllowedUpdates: []string{"message", "callback_query"},
	}
	return c.sender.Do(ctx, "webhook.set", "setWebhook", func() error {
		return c.bot.SetWebhook(wh)
	})
}

// DeleteWebhook unregisters the webhook. Pending updates are kept.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	if c.closed.Load() {
		return platform.ErrClosed
	}
	return c.sender.Do(ctx, "webhook.delete", "deleteWebhook", func() error {
		return c.bot.RemoveWebhook()
	})
}

// Close marks the client unusable. It does not log the bot out.
func (c *Client) Close() error {
	c.closed.Store(true)
	return nil
}

func sendOptions(opts platform.SendOptions) *tele.SendOptions {
	so := &tele.SendOptions{
		ParseMode:             tele.ParseMode(opts.ParseMode),
		DisableWebPagePreview: opts.DisablePreview,
	}
	if opts.ReplyTo != 0 {
		so.ReplyTo = &tele.Message{ID: opts.ReplyTo}
		so.AllowWithoutReply = true
	}
	if len(opts.Buttons) > 0 {
		so.ReplyMarkup = keyboard.InlineButtonsRows(opts.Buttons...)
	}
	return so
}

func sendable(m platform.Media) (any, string, error) {
	switch m.Kind {
	case platform.MediaLocation, platform.MediaVenue:
		return sendablePlace(m)
	case platform.MediaContact:
		if m.Contact == nil || strings.TrimSpace(m.Contact.Phone) == "" || strings.TrimSpace(m.Contact.FirstName) == "" {
			return nil, "", errors.New("telegram: contact needs a phone number and a first name")
		}
		return &contactCard{Contact: *m.Contact}, "sendContact", nil
	}

	if strings.TrimSpace(m.URL) == "" {
		return nil, "", errors.New("telegram: media url is empty")
	}
	file := tele.FromURL(m.URL)
	switch m.Kind {
	case platform.MediaPhoto:
		return &tele.Photo{File: file, Caption: m.Caption}, "sendPhoto", nil
	case platform.MediaDocument:
		return &tele.Document{File: file, Caption: m.Caption}, "sendDocument", nil
	case platform.MediaVideo:
		return &tele.Video{File: file, Caption: m.Caption}, "sendVideo", nil
	case platform.MediaAudio:
		return &tele.Audio{File: file, Caption: m.Caption}, "sendAudio", nil
	case platform.MediaVoice:
		return &tele.Voice{File: file, Caption: m.Caption}, "sendVoice", nil
	}
	return nil, "", fmt.Errorf("telegram: unsupported media kind %q", m.Kind)
}

func sendablePlace(m platform.Media) (any, string, error) {
	p := m.Place
	if p == nil {
		return nil, "", fmt.Errorf("telegram: %s needs coordinates", m.Kind)
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return nil, "", fmt.Errorf("telegram: coordinates %v,%v out of range", p.Lat, p.Lng)
	}
	loc := tele.Location{Lat: float32(p.Lat), Lng: float32(p.Lng)}
	if m.Kind == platform.MediaLocation {
		return &loc, "sendLocation", nil
	}
	if strings.TrimSpace(p.Title) == "" || strings.TrimSpace(p.Address) == "" {
		return nil, "", errors.New("telegram: venue needs a title and an address")
	}
	return &tele.Venue{Location: loc, Title: p.Title, Address: p.Address}, "sendVenue", nil
}

// contactCard sends a contact. telebot has no Sendable for it.
type contactCard struct {
	platform.Contact
}

func (c *contactCard) Send(b *tele.Bot, to tele.Recipient, opt *tele.SendOptions) (*tele.Message, error) {
	params := map[string]string{
		"chat_id":      to.Recipient(),
		"phone_number": c.Phone,
		"first_name":   c.FirstName,
	}
	if c.LastName != "" {
		params["last_name"] = c.LastName
	}
	if opt != nil {
		if opt.ReplyTo != nil && opt.ReplyTo.ID != 0 {
			params["reply_to_message_id"] = strconv.Itoa(opt.ReplyTo.ID)
		}
		if opt.ReplyMarkup != nil {
			markup, err := json.Marshal(opt.ReplyMarkup)
			if err != nil {
				return nil, fmt.Errorf("telegram: encode reply markup: %w", err)
			}
			params["reply_markup"] = string(markup)
		}
	}
	raw, err := b.Raw("sendContact", params)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Result *tele.Message `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("telegram: decode sendContact: %w", err)
	}
	return resp.Result, nil
}
