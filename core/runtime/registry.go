package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/m3rciful/botrunner/core/logger"
	"github.com/m3rciful/botrunner/core/platform"
	"github.com/m3rciful/botrunner/core/sandbox"
	"github.com/m3rciful/botrunner/core/state"
	"github.com/m3rciful/botrunner/core/store"
)

// Bootstrap stages reported by BootstrapFault.
const (
	StageCommands    = "commands"
	StageClient      = "client"
	StageValidate    = "validate"
	StageDeactivated = "deactivated"
)

var (
	// ErrDeactivated is the cause of a bootstrap that lost a race with
	// Deactivate.
	ErrDeactivated = errors.New("bot deactivated during bootstrap")
	// ErrNoAdmin is returned by TestCommand when no admin chat is configured.
	ErrNoAdmin = errors.New("admin settings are not configured")
)

// BootstrapFault reports a failed session bootstrap. Nothing is registered;
// the next Resolve retries.
type BootstrapFault struct {
	BotKey string
	Stage  string
	Err    error
}

func (f *BootstrapFault) Error() string {
	return fmt.Sprintf("bootstrap bot %s: %s: %v", f.BotKey, f.Stage, f.Err)
}

func (f *BootstrapFault) Unwrap() error { return f.Err }

// Options wires the registry to its collaborators.
type Options struct {
	Store     store.Store
	State     state.Store
	Executor  *sandbox.Executor
	NewClient platform.ClientFactory

	NotFoundText     string
	MaxConcurrent    int
	AllowOverlap     bool
	BootstrapTimeout time.Duration
	WarmupLimit      int

	// WebhookURL returns the public delivery URL of a credential. Empty
	// disables webhook registration.
	WebhookURL    func(credential string) string
	WebhookSecret string

	Now func() time.Time
}

func (o *Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Options) webhookURL(credential string) string {
	if o.WebhookURL == nil {
		return ""
	}
	return o.WebhookURL(credential)
}

// Registry holds exactly one live session per credential.
type Registry struct {
	opts Options

	mu       sync.RWMutex
	sessions map[string]*Session
	epochs   map[string]uint64
	flight   singleflight.Group
}

// NewRegistry validates opts and returns an empty registry.
func NewRegistry(opts Options) (*Registry, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("runtime: nil store")
	case opts.State == nil:
		return nil, errors.New("runtime: nil state store")
	case opts.Executor == nil:
		return nil, errors.New("runtime: nil executor")
	case opts.NewClient == nil:
		return nil, errors.New("runtime: nil client factory")
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 64
	}
	if opts.BootstrapTimeout <= 0 {
		opts.BootstrapTimeout = 15 * time.Second
	}
	if opts.WarmupLimit <= 0 {
		opts.WarmupLimit = 4
	}
	return &Registry{
		opts:     opts,
		sessions: make(map[string]*Session),
		epochs:   make(map[string]uint64),
	}, nil
}

// Lookup returns the live session of credential, if any.
func (r *Registry) Lookup(credential string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[credential]
	return s, ok
}

// Resolve returns the live session of credential, bootstrapping it when
// absent. Concurrent callers share one bootstrap; each stops waiting when its
// own ctx ends while the bootstrap runs to completion.
func (r *Registry) Resolve(ctx context.Context, credential string) (*Session, error) {
	if strings.TrimSpace(credential) == "" {
		return nil, &BootstrapFault{Stage: StageClient, Err: errors.New("empty credential")}
	}
	if s, ok := r.Lookup(credential); ok {
		return s, nil
	}

	ch := r.flight.DoChan(credential, func() (any, error) {
		return r.bootstrap(credential)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) bootstrap(credential string) (*Session, error) {
	key := platform.Key(credential)

	r.mu.RLock()
	if s, ok := r.sessions[credential]; ok {
		r.mu.RUnlock()
		return s, nil
	}
	epoch := r.epochs[credential]
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(logger.WithBot(context.Background(), key), r.opts.BootstrapTimeout)
	defer cancel()
	start := time.Now()

	fail := func(stage string, err error) (*Session, error) {
		logger.Warn(ctx, "registry", "bootstrap.fail",
			slog.String("status", "fail"),
			slog.String("stage", stage),
			slog.String("err", err.Error()),
			slog.Duration("duration", logger.Took(start)),
		)
		return nil, &BootstrapFault{BotKey: key, Stage: stage, Err: err}
	}

	cmds, err := r.opts.Store.ListActiveCommands(ctx, credential)
	if err != nil {
		return fail(StageCommands, err)
	}
	client, err := r.opts.NewClient(credential)
	if err != nil {
		return fail(StageClient, err)
	}
	identity, err := client.Validate(ctx)
	if err != nil {
		_ = client.Close()
		return fail(StageValidate, err)
	}

	s := newSession(credential, client, identity, &r.opts)
	s.cache.Store(NewSnapshot(cmds, r.opts.now()))
	client.Subscribe(s.handlers())

	hooked := false
	if url := r.opts.webhookURL(credential); url != "" {
		if err := client.SetWebhook(ctx, url, r.opts.WebhookSecret); err != nil {
			logger.Warn(ctx, "registry", "bootstrap.webhook",
				slog.String("status", "fail"),
				slog.String("err", err.Error()),
			)
		} else {
			hooked = true
		}
	}

	r.mu.Lock()
	if r.epochs[credential] != epoch {
		r.mu.Unlock()
		// Deactivated meanwhile: undo the registration made above.
		if hooked {
			if err := client.DeleteWebhook(ctx); err != nil {
				logger.Warn(ctx, "registry", "bootstrap.webhook",
					slog.String("status", "fail"),
					slog.String("err", err.Error()),
				)
			}
		}
		_ = s.close(ctx)
		return fail(StageDeactivated, ErrDeactivated)
	}
	r.sessions[credential] = s
	r.mu.Unlock()

	snap := s.cache.Load()
	logger.Info(ctx, "registry", "bootstrap.ok",
		slog.String("status", "ok"),
		slog.String("bot_username", identity.Username),
		slog.Int("commands", snap.Commands),
		slog.Int("patterns", len(snap.Entries)),
		slog.Duration("duration", logger.Took(start)),
	)
	return s, nil
}

// RegisterOrRefresh reloads the commands of a live session or bootstraps it.
func (r *Registry) RegisterOrRefresh(ctx context.Context, credential string) (*Session, error) {
	if s, ok := r.Lookup(credential); ok {
		if err := s.Refresh(ctx); err != nil {
			return s, err
		}
		return s, nil
	}
	return r.Resolve(ctx, credential)
}

// InvalidateCommandCache reloads the command cache of a live session. It
// reports false when the bot has no session; the next bootstrap loads fresh
// commands anyway.
func (r *Registry) InvalidateCommandCache(ctx context.Context, credential string) (bool, error) {
	s, ok := r.Lookup(credential)
	if !ok {
		return false, nil
	}
	return true, s.Refresh(ctx)
}

// Deactivate removes the session, deletes its webhook and cancels running
// executions. It is idempotent and also defeats an in-flight bootstrap.
func (r *Registry) Deactivate(ctx context.Context, credential string) error {
	key := platform.Key(credential)
	ctx = logger.WithBot(ctx, key)

	r.mu.Lock()
	r.epochs[credential]++
	s, ok := r.sessions[credential]
	delete(r.sessions, credential)
	r.mu.Unlock()

	var errs []error
	if ok {
		if r.opts.webhookURL(credential) != "" {
			if err := s.client.DeleteWebhook(ctx); err != nil {
				errs = append(errs, fmt.Errorf("delete webhook: %w", err))
			}
		}
		if err := s.close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close session: %w", err))
		}
	} else if r.opts.webhookURL(credential) != "" {
		errs = append(errs, r.deleteWebhook(ctx, credential))
	}

	err := errors.Join(errs...)
	logger.Info(ctx, "registry", "bot.deactivate",
		slog.String("status", logger.Status(err)),
		slog.Bool("live", ok),
	)
	return err
}

// deleteWebhook removes the webhook of a bot without a live session.
func (r *Registry) deleteWebhook(ctx context.Context, credential string) error {
	client, err := r.opts.NewClient(credential)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	defer client.Close()
	if err := client.DeleteWebhook(ctx); err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return nil
}

// Warmup bootstraps every active bot with bounded parallelism. Individual
// failures are logged and skipped.
func (r *Registry) Warmup(ctx context.Context) (int, error) {
	bots, err := r.opts.Store.ListActiveBots(ctx)
	if err != nil {
		return 0, fmt.Errorf("warmup: %w", err)
	}
	start := time.Now()

	var (
		mu sync.Mutex
		ok int
		g  errgroup.Group
	)
	g.SetLimit(r.opts.WarmupLimit)
	for _, b := range bots {
		g.Go(func() error {
			if _, err := r.Resolve(ctx, b.Token); err != nil {
				return nil
			}
			mu.Lock()
			ok++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	logger.Info(ctx, "registry", "warmup.done",
		slog.String("status", "ok"),
		slog.Int("bots", len(bots)),
		slog.Int("live", ok),
		slog.Duration("duration", logger.Took(start)),
	)
	return ok, nil
}

// Reconcile deactivates sessions whose bot is no longer active and refreshes
// the others.
func (r *Registry) Reconcile(ctx context.Context) error {
	bots, err := r.opts.Store.ListActiveBots(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	active := make(map[string]struct{}, len(bots))
	for _, b := range bots {
		active[b.Token] = struct{}{}
	}

	r.mu.RLock()
	live := make(map[string]*Session, len(r.sessions))
	for cred, s := range r.sessions {
		live[cred] = s
	}
	r.mu.RUnlock()

	var errs []error
	removed := 0
	for cred, s := range live {
		if _, ok := active[cred]; !ok {
			removed++
			errs = append(errs, r.Deactivate(ctx, cred))
			continue
		}
		errs = append(errs, s.Refresh(ctx))
	}
	err = errors.Join(errs...)
	logger.Info(ctx, "registry", "reconcile.done",
		slog.String("status", logger.Status(err)),
		slog.Int("live", len(live)-removed),
		slog.Int("removed", removed),
	)
	return err
}

// SessionInfo describes a live session for status reporting.
type SessionInfo struct {
	BotKey    string    `json:"bot"`
	Username  string    `json:"username"`
	Commands  int       `json:"commands"`
	Patterns  int       `json:"patterns"`
	StartedAt time.Time `json:"started_at"`
	LoadedAt  time.Time `json:"commands_loaded_at"`
}

// Sessions lists live sessions ordered by bot key.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		snap := s.cache.Load()
		out = append(out, SessionInfo{
			BotKey:    s.key,
			Username:  s.identity.Username,
			Commands:  snap.Commands,
			Patterns:  len(snap.Entries),
			StartedAt: s.startedAt,
			LoadedAt:  snap.LoadedAt,
		})
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b SessionInfo) int { return strings.Compare(a.BotKey, b.BotKey) })
	return out
}

// Shutdown closes every session. Webhooks stay registered so deliveries
// resume after restart.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	for cred := range sessions {
		r.epochs[cred]++
	}
	r.mu.Unlock()

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("bot %s: %w", s.key, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// TestCommand runs a command by id in the admin chat with isTest set. The
// fault, if any, is both reported to the chat and returned.
func (r *Registry) TestCommand(ctx context.Context, credential string, commandID int64, input string) error {
	s, err := r.Resolve(ctx, credential)
	if err != nil {
		return err
	}
	cmd, err := r.opts.Store.GetCommand(ctx, commandID)
	if err != nil {
		return err
	}
	if cmd.BotToken != credential {
		return store.ErrNotFound
	}
	admin, err := r.opts.Store.GetAdminSettings(ctx)
	if err != nil {
		return err
	}
	chatID := admin.ChatID()
	if chatID == 0 {
		return ErrNoAdmin
	}

	pattern, params := "", strings.TrimSpace(input)
	if patterns := cmd.PatternList(); len(patterns) > 0 {
		pattern = patterns[0]
		if m, ok := NewSnapshot([]store.Command{cmd}, r.opts.now()).Match(input); ok {
			pattern, params = m.Pattern, m.Params
		}
	}
	text := input
	if strings.TrimSpace(text) == "" {
		text = pattern
	}

	name := cmd.DisplayName()
	ctx = logger.WithCommand(logger.WithBot(ctx, s.key), name)
	prog := sandbox.Program{Command: name, Pattern: pattern, Source: cmd.Code, Kind: sandbox.KindCommand}
	inv := sandbox.Invocation{
		ChatID: chatID,
		User:   platform.User{ID: admin.AdminUserID},
		Text:   text,
		Params: params,
		IsTest: true,
		Host:   s.host(),
	}
	return s.execute(ctx, chatID, prog, inv)
}
