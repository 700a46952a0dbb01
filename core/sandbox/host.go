package sandbox

import (
	"context"

	"github.com/m3rciful/botrunner/core/platform"
	"github.com/m3rciful/botrunner/core/store"
)

// Host is everything a script can reach outside the VM. Every call receives
// the execution context and must give up when it ends.
type Host interface {
	SendText(ctx context.Context, chatID int64, text string, opts platform.SendOptions) error
	SendMedia(ctx context.Context, chatID int64, media platform.Media, opts platform.SendOptions) error
	SendChatAction(ctx context.Context, chatID int64, action string) error
	// Me is the bot account the script runs under.
	Me() platform.Identity

	IsAdmin(ctx context.Context, userID int64) (bool, error)

	SaveData(ctx context.Context, scope store.DataScope, userID int64, key, value string) error
	GetData(ctx context.Context, scope store.DataScope, userID int64, key string) (string, bool, error)
	DeleteData(ctx context.Context, scope store.DataScope, userID int64, key string) (bool, error)
}

// Program is the code of one command handler.
type Program struct {
	Command string
	Pattern string
	Source  string
	Kind    Kind
}

// Invocation describes the event a program runs for.
type Invocation struct {
	ChatID    int64
	MessageID int
	User      platform.User
	Text      string
	// Params is the text after the matched pattern, or the answer text for
	// answer handlers.
	Params string
	// Answer is set for answer handlers only.
	Answer *string
	IsTest bool
	Host   Host
}
