// Package state keeps the single wait-for-answer slot of every (bot, user)
// pair.
package state

import (
	"context"
	"strconv"
	"time"

	"github.com/m3rciful/botrunner/core/store"
)

// DefaultTTL applies when a store is built with a non-positive TTL.
const DefaultTTL = 10 * time.Minute

// Key addresses one slot. Bot is the redacted bot key, never the credential.
type Key struct {
	Bot    string
	UserID int64
}

func (k Key) String() string {
	return k.Bot + ":" + strconv.FormatInt(k.UserID, 10)
}

// Trigger is the message that started the waiting command.
type Trigger struct {
	ChatID    int64  `json:"chat_id"`
	UserID    int64  `json:"user_id"`
	MessageID int    `json:"message_id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	Text      string `json:"text"`
}

// Pending is a command waiting for the user's next message.
type Pending struct {
	Token     string        `json:"token"`
	Command   store.Command `json:"command"`
	Pattern   string        `json:"pattern"`
	Trigger   Trigger       `json:"trigger"`
	CreatedAt time.Time     `json:"created_at"`
	ExpiresAt time.Time     `json:"expires_at"`
}

// Expired reports whether the slot is past its deadline at now.
func (p Pending) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// Store holds at most one Pending per Key.
type Store interface {
	// Set replaces the slot and stamps ExpiresAt.
	Set(ctx context.Context, key Key, p Pending) error
	// Take atomically reads and clears the slot. Expired slots are absent.
	Take(ctx context.Context, key Key) (Pending, bool, error)
	// Discard clears the slot only while it still holds token.
	Discard(ctx context.Context, key Key, token string) (bool, error)
}

func stamp(p Pending, now time.Time, ttl time.Duration) Pending {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.ExpiresAt = now.Add(ttl)
	return p
}
