// Package store reads bot and command definitions from postgres and keeps
// the per-bot and per-user key/value data scripts can persist.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Bot is one active bot account.
type Bot struct {
	Token string `db:"token"`
	Name  string `db:"name"`
}

// Command is a stored command definition. Values fetched from the store are
// treated as immutable.
type Command struct {
	ID            int64     `db:"id" json:"id"`
	BotToken      string    `db:"bot_token" json:"-"`
	Name          string    `db:"name" json:"name"`
	Patterns      string    `db:"command_patterns" json:"patterns"`
	Code          string    `db:"code" json:"code"`
	WaitForAnswer bool      `db:"wait_for_answer" json:"wait_for_answer"`
	AnswerHandler string    `db:"answer_handler" json:"answer_handler,omitempty"`
	Active        bool      `db:"is_active" json:"active"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// PatternList splits the comma separated pattern column.
func (c Command) PatternList() []string {
	parts := strings.Split(c.Patterns, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// DisplayName returns Name, falling back to the first pattern.
func (c Command) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	if p := c.PatternList(); len(p) > 0 {
		return p[0]
	}
	return "#" + strconv.FormatInt(c.ID, 10)
}

// AdminSettings is the deployment-wide admin identity.
type AdminSettings struct {
	AdminUserID int64 `db:"admin_user_id"`
	AdminChatID int64 `db:"admin_chat_id"`
}

// ChatID is where test invocations are delivered. Private chats share the
// user's id, so the user id is the fallback.
func (a AdminSettings) ChatID() int64 {
	if a.AdminChatID != 0 {
		return a.AdminChatID
	}
	return a.AdminUserID
}

// DataScope selects the namespace of a stored value.
type DataScope string

const (
	// ScopeUser values belong to one user of one bot.
	ScopeUser DataScope = "user_data"
	// ScopeBot values are shared by every user of one bot.
	ScopeBot DataScope = "bot_data"
)

// DataKey addresses one stored value. UserID is ignored for ScopeBot.
type DataKey struct {
	Scope    DataScope
	BotToken string
	UserID   int64
	Key      string
}

func (k DataKey) userColumn() string {
	if k.Scope == ScopeBot || k.UserID == 0 {
		return ""
	}
	return strconv.FormatInt(k.UserID, 10)
}

// Store is the read/write contract the runtime depends on.
type Store interface {
	ListActiveBots(ctx context.Context) ([]Bot, error)
	ListActiveCommands(ctx context.Context, botToken string) ([]Command, error)
	GetCommand(ctx context.Context, id int64) (Command, error)
	GetAdminSettings(ctx context.Context) (AdminSettings, error)

	SaveData(ctx context.Context, key DataKey, value string) error
	GetData(ctx context.Context, key DataKey) (string, bool, error)
	DeleteData(ctx context.Context, key DataKey) (bool, error)
}

// Postgres implements Store with sqlx.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres wraps an open connection pool.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

const commandColumns = `id, bot_token, name, command_patterns, code, wait_for_answer, answer_handler, is_active, created_at`

// ListActiveBots returns every active bot.
func (p *Postgres) ListActiveBots(ctx context.Context) ([]Bot, error) {
	var bots []Bot
	const q = `SELECT token, name FROM bots WHERE is_active ORDER BY id`
	if err := p.db.SelectContext(ctx, &bots, q); err != nil {
		return nil, fmt.Errorf("list active bots: %w", err)
	}
	return bots, nil
}

// ListActiveCommands returns the bot's active commands, oldest first.
func (p *Postgres) ListActiveCommands(ctx context.Context, botToken string) ([]Command, error) {
	var cmds []Command
	q := `SELECT ` + commandColumns + ` FROM commands WHERE bot_token = $1 AND is_active ORDER BY created_at, id`
	if err := p.db.SelectContext(ctx, &cmds, q, botToken); err != nil {
		return nil, fmt.Errorf("list active commands: %w", err)
	}
	return cmds, nil
}

// GetCommand fetches one command regardless of its active flag.
func (p *Postgres) GetCommand(ctx context.Context, id int64) (Command, error) {
	var cmd Command
	q := `SELECT ` + commandColumns + ` FROM commands WHERE id = $1`
	if err := p.db.GetContext(ctx, &cmd, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Command{}, ErrNotFound
		}
		return Command{}, fmt.Errorf("get command %d: %w", id, err)
	}
	return cmd, nil
}

// GetAdminSettings returns the singleton row or the zero value when unset.
func (p *Postgres) GetAdminSettings(ctx context.Context) (AdminSettings, error) {
	var s AdminSettings
	const q = `SELECT admin_user_id, admin_chat_id FROM admin_settings WHERE id = 1`
	if err := p.db.GetContext(ctx, &s, q); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AdminSettings{}, nil
		}
		return AdminSettings{}, fmt.Errorf("get admin settings: %w", err)
	}
	return s, nil
}

// SaveData upserts a value.
func (p *Postgres) SaveData(ctx context.Context, key DataKey, value string) error {
	const q = `INSERT INTO universal_data (data_type, bot_token, user_id, data_key, data_value, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (data_type, bot_token, user_id, data_key)
DO UPDATE SET data_value = EXCLUDED.data_value, updated_at = EXCLUDED.updated_at`
	if _, err := p.db.ExecContext(ctx, q, string(key.Scope), key.BotToken, key.userColumn(), key.Key, value); err != nil {
		return fmt.Errorf("save %s %q: %w", key.Scope, key.Key, err)
	}
	return nil
}

// GetData reads a value; ok is false when the key is unset.
func (p *Postgres) GetData(ctx context.Context, key DataKey) (string, bool, error) {
	var v string
	const q = `SELECT data_value FROM universal_data WHERE data_type = $1 AND bot_token = $2 AND user_id = $3 AND data_key = $4`
	if err := p.db.GetContext(ctx, &v, q, string(key.Scope), key.BotToken, key.userColumn(), key.Key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get %s %q: %w", key.Scope, key.Key, err)
	}
	return v, true, nil
}

// DeleteData removes a value and reports whether it existed.
func (p *Postgres) DeleteData(ctx context.Context, key DataKey) (bool, error) {
	const q = `DELETE FROM universal_data WHERE data_type = $1 AND bot_token = $2 AND user_id = $3 AND data_key = $4`
	res, err := p.db.ExecContext(ctx, q, string(key.Scope), key.BotToken, key.userColumn(), key.Key)
	if err != nil {
		return false, fmt.Errorf("delete %s %q: %w", key.Scope, key.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete %s %q: %w", key.Scope, key.Key, err)
	}
	return n > 0, nil
}
