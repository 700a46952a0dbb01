// Package platform defines the messaging client the runtime drives and the
// events it receives. core/telegram provides the Bot API implementation.
package platform

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrClosed is returned by clients used after Close.
var ErrClosed = errors.New("platform: client closed")

// Key derives the redacted identifier of a credential used in logs, state
// keys and user-facing diagnostics.
func Key(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:8])
}

// Identity is the bot account a credential belongs to.
type Identity struct {
	ID        int64
	Username  string
	FirstName string
}

// User is the sender of an event.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Language  string `json:"language_code,omitempty"`
}

// EventKind distinguishes inbound events.
type EventKind string

const (
	// KindText is a plain text message.
	KindText EventKind = "text"
	// KindMedia is a message with an attachment; Text holds its caption.
	KindMedia EventKind = "media"
	// KindCallback is an inline button press; Text holds the callback data.
	KindCallback EventKind = "callback"
)

// Event is one decoded inbound update.
type Event struct {
	Kind       EventKind
	UpdateID   int
	ChatID     int64
	MessageID  int
	From       User
	Text       string
	CallbackID string
}

// Handler consumes one event. Handlers must not block for long; the runtime
// hands work off to its own goroutines.
type Handler func(Event) error

// Handlers is the set of callbacks a session subscribes.
type Handlers struct {
	Text     Handler
	Media    Handler
	Callback Handler
}

// Button is one inline keyboard button. Exactly one of Data or URL is set.
type Button struct {
	Text string
	Data string
	URL  string
}

// SendOptions tunes one outbound message.
type SendOptions struct {
	ParseMode      string
	ReplyTo        int
	DisablePreview bool
	Buttons        [][]Button
}

// MediaKind is the attachment type of SendMedia.
type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaDocument MediaKind = "document"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaVoice    MediaKind = "voice"

	// MediaLocation and MediaVenue carry Place instead of a URL.
	MediaLocation MediaKind = "location"
	MediaVenue    MediaKind = "venue"
	// MediaContact carries Contact instead of a URL.
	MediaContact MediaKind = "contact"
)

// Place is a point on the map. Title and Address are required for venues.
type Place struct {
	Lat     float64
	Lng     float64
	Title   string
	Address string
}

// Contact is a phone contact card.
type Contact struct {
	Phone     string
	FirstName string
	LastName  string
}

// Media is an outbound attachment: a file referenced by URL, a place or a
// contact card, depending on Kind.
type Media struct {
	Kind    MediaKind
	URL     string
	Caption string
	Place   *Place
	Contact *Contact
}

// Client is one authenticated connection to the messaging platform.
type Client interface {
	Validate(ctx context.Context) (Identity, error)
	SendText(ctx context.Context, chatID int64, text string, opts SendOptions) error
	// EnqueueText queues a text message and returns without waiting for
	// delivery. Failures are only logged.
	EnqueueText(ctx context.Context, chatID int64, text string, opts SendOptions) error
	SendMedia(ctx context.Context, chatID int64, media Media, opts SendOptions) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
	AnswerCallback(ctx context.Context, callbackID string) error

	// Subscribe installs the event handlers. It is called once, before the
	// first Process.
	Subscribe(h Handlers)
	// Process decodes a raw webhook payload and invokes the subscribed
	// handlers synchronously.
	Process(raw []byte) error

	SetWebhook(ctx context.Context, url, secret string) error
	DeleteWebhook(ctx context.Context) error
	Close() error
}

// ClientFactory builds a client for a credential without contacting the
// platform.
type ClientFactory func(credential string) (Client, error)
