package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/m3rciful/botrunner/core/logger"
	"github.com/m3rciful/botrunner/core/platform"
	"github.com/m3rciful/botrunner/core/sandbox"
	"github.com/m3rciful/botrunner/core/state"
	"github.com/m3rciful/botrunner/core/store"
	"github.com/m3rciful/botrunner/core/telegram/format"
)

// Session is the live runtime of one bot credential.
type Session struct {
	credential string
	key        string
	identity   platform.Identity
	client     platform.Client
	cache      Cache
	opts       *Options
	startedAt  time.Time

	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted

	mu     sync.Mutex
	closed bool
	lanes  map[int64]*lane
	wg     sync.WaitGroup
}

type lane struct {
	queue []func()
}

func newSession(credential string, client platform.Client, identity platform.Identity, opts *Options) *Session {
	key := platform.Key(credential)
	ctx, cancel := context.WithCancel(logger.WithBot(context.Background(), key))
	return &Session{
		credential: credential,
		key:        key,
		identity:   identity,
		client:     client,
		opts:       opts,
		startedAt:  opts.now(),
		ctx:        ctx,
		cancel:     cancel,
		sem:        semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		lanes:      make(map[int64]*lane),
	}
}

// Key is the redacted bot key.
func (s *Session) Key() string { return s.key }

// Identity is the bot account validated at bootstrap.
func (s *Session) Identity() platform.Identity { return s.identity }

// Snapshot returns the command set currently used for matching.
func (s *Session) Snapshot() *Snapshot { return s.cache.Load() }

func (s *Session) handlers() platform.Handlers {
	return platform.Handlers{
		Text:     s.submit,
		Media:    s.submit,
		Callback: s.submit,
	}
}

// Deliver hands a raw webhook payload to the client. Handling continues on
// session goroutines after Deliver returns.
func (s *Session) Deliver(raw []byte) error {
	if s.isClosed() {
		return platform.ErrClosed
	}
	return s.client.Process(raw)
}

// Refresh reloads the command cache. The previous snapshot stays on error.
func (s *Session) Refresh(ctx context.Context) error {
	start := time.Now()
	cmds, err := s.opts.Store.ListActiveCommands(ctx, s.credential)
	if err != nil {
		logger.Warn(logger.WithBot(ctx, s.key), "session", "cache.refresh",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
		)
		return fmt.Errorf("refresh commands: %w", err)
	}
	snap := NewSnapshot(cmds, s.opts.now())
	s.cache.Store(snap)
	logger.Info(logger.WithBot(ctx, s.key), "session", "cache.refresh",
		slog.String("status", "ok"),
		slog.Int("commands", snap.Commands),
		slog.Int("patterns", len(snap.Entries)),
		slog.Duration("duration", logger.Took(start)),
	)
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// submit queues ev on the sender's lane. Without overlap a user's events run
// one at a time in arrival order.
func (s *Session) submit(ev platform.Event) error {
	run := func() { s.handle(ev) }

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return platform.ErrClosed
	}
	s.wg.Add(1)
	if s.opts.AllowOverlap {
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			run()
		}()
		return nil
	}
	if l, ok := s.lanes[ev.From.ID]; ok {
		l.queue = append(l.queue, run)
		s.mu.Unlock()
		return nil
	}
	l := &lane{}
	s.lanes[ev.From.ID] = l
	s.mu.Unlock()

	go s.drain(ev.From.ID, l, run)
	return nil
}

func (s *Session) drain(userID int64, l *lane, next func()) {
	for {
		next()
		s.wg.Done()

		s.mu.Lock()
		if len(l.queue) == 0 {
			delete(s.lanes, userID)
			s.mu.Unlock()
			return
		}
		next = l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		s.mu.Unlock()
	}
}

func (s *Session) eventContext(ev platform.Event) context.Context {
	ctx := logger.WithRID(s.ctx, logger.BuildRID(s.key, ev.UpdateID, ev.From.ID))
	return logger.WithUpdateMeta(ctx, ev.UpdateID, ev.From.ID, ev.ChatID)
}

func (s *Session) handle(ev platform.Event) {
	ctx := s.eventContext(ev)
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "session", "event.panic",
				slog.String("status", "fail"),
				slog.Any("err", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		logger.Debug(ctx, "session", "event.dropped", slog.String("err", err.Error()))
		return
	}
	defer s.sem.Release(1)

	switch ev.Kind {
	case platform.KindCallback:
		s.handleCallback(ctx, ev)
	default:
		s.handleMessage(ctx, ev)
	}
}

func (s *Session) handleMessage(ctx context.Context, ev platform.Event) {
	key := state.Key{Bot: s.key, UserID: ev.From.ID}
	p, ok, err := s.opts.State.Take(ctx, key)
	if err != nil {
		logger.Error(ctx, "state", "state.take",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
		)
	}
	if ok {
		s.runAnswer(ctx, ev, p)
		return
	}

	m, ok := s.cache.Load().Match(ev.Text)
	if !ok {
		s.miss(ctx, ev)
		return
	}
	s.runCommand(ctx, ev, m)
}

// handleCallback acknowledges the button press and treats its data as
// command text. Pending answers are left alone.
func (s *Session) handleCallback(ctx context.Context, ev platform.Event) {
	if ev.CallbackID != "" {
		if err := s.client.AnswerCallback(ctx, ev.CallbackID); err != nil {
			logger.Warn(ctx, "session", "callback.answer",
				slog.String("status", "fail"),
				slog.String("err", err.Error()),
			)
		}
	}
	m, ok := s.cache.Load().Match(ev.Text)
	if !ok {
		logger.Debug(ctx, "session", "command.miss", slog.String("kind", string(ev.Kind)))
		return
	}
	s.runCommand(ctx, ev, m)
}

func (s *Session) miss(ctx context.Context, ev platform.Event) {
	logger.Debug(ctx, "session", "command.miss",
		slog.String("kind", string(ev.Kind)),
		slog.String("outcome", "not_found"),
	)
	if ev.Kind != platform.KindText || s.opts.NotFoundText == "" {
		return
	}
	if err := s.client.EnqueueText(ctx, ev.ChatID, s.opts.NotFoundText, platform.SendOptions{}); err != nil {
		logger.Warn(ctx, "session", "reply.not_found",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
		)
	}
}

func triggerOf(ev platform.Event) state.Trigger {
	return state.Trigger{
		ChatID:    ev.ChatID,
		UserID:    ev.From.ID,
		MessageID: ev.MessageID,
		Username:  ev.From.Username,
		FirstName: ev.From.FirstName,
		Text:      ev.Text,
	}
}

func (s *Session) runCommand(ctx context.Context, ev platform.Event, m Match) {
	name := m.Command.DisplayName()
	ctx = logger.WithCommand(ctx, name)
	key := state.Key{Bot: s.key, UserID: ev.From.ID}

	// The slot is written first so the user's next message finds it even when
	// the command body is still running on an overlapping lane.
	var token string
	if m.Command.WaitForAnswer {
		token = uuid.NewString()
		p := state.Pending{Token: token, Command: m.Command, Pattern: m.Pattern, Trigger: triggerOf(ev)}
		if err := s.opts.State.Set(ctx, key, p); err != nil {
			logger.Error(ctx, "state", "state.set",
				slog.String("status", "fail"),
				slog.String("err", err.Error()),
			)
			token = ""
		}
	}

	prog := sandbox.Program{Command: name, Pattern: m.Pattern, Source: m.Command.Code, Kind: sandbox.KindCommand}
	inv := sandbox.Invocation{
		ChatID:    ev.ChatID,
		MessageID: ev.MessageID,
		User:      ev.From,
		Text:      ev.Text,
		Params:    m.Params,
		Host:      s.host(),
	}
	err := s.execute(ctx, ev.ChatID, prog, inv)
	if err != nil && token != "" {
		if _, derr := s.opts.State.Discard(ctx, key, token); derr != nil {
			logger.Warn(ctx, "state", "state.discard",
				slog.String("status", "fail"),
				slog.String("err", derr.Error()),
			)
		}
	}
}

func (s *Session) runAnswer(ctx context.Context, ev platform.Event, p state.Pending) {
	name := p.Command.DisplayName()
	ctx = logger.WithCommand(ctx, name)
	answer := ev.Text

	prog := sandbox.Program{Command: name, Pattern: p.Pattern, Source: p.Command.AnswerHandler, Kind: sandbox.KindAnswer}
	inv := sandbox.Invocation{
		ChatID:    p.Trigger.ChatID,
		MessageID: p.Trigger.MessageID,
		User:      ev.From,
		Text:      p.Trigger.Text,
		Params:    answer,
		Answer:    &answer,
		Host:      s.host(),
	}
	if inv.ChatID == 0 {
		inv.ChatID = ev.ChatID
	}
	_ = s.execute(ctx, inv.ChatID, prog, inv)
}

// execute runs prog, logs the outcome and reports faults to chatID.
func (s *Session) execute(ctx context.Context, chatID int64, prog sandbox.Program, inv sandbox.Invocation) error {
	start := time.Now()
	err := s.opts.Executor.Execute(ctx, prog, inv)
	attrs := []slog.Attr{
		slog.String("status", logger.Status(err)),
		slog.String("pattern", prog.Pattern),
		slog.String("kind", string(prog.Kind)),
		slog.Bool("test", inv.IsTest),
		slog.Duration("duration", logger.Took(start)),
	}
	if err == nil {
		logger.Info(ctx, "session", "command.handled", attrs...)
		return nil
	}

	attrs = append(attrs,
		slog.String("err", logger.SanitizeLimit(err.Error(), 512)),
		slog.String("err_code", errCode(err)),
	)
	logger.Error(ctx, "session", "command.fault", attrs...)

	// A canceled run means the session is going away; nobody is listening.
	if errors.Is(err, sandbox.ErrCanceled) {
		return err
	}
	s.reportFault(ctx, chatID, prog, err)
	return err
}

func (s *Session) reportFault(ctx context.Context, chatID int64, prog sandbox.Program, err error) {
	msg := err.Error()
	var f *sandbox.ExecutionFault
	if errors.As(err, &f) {
		msg = f.Message()
	}
	text := format.CommandError(prog.Command, prog.Pattern, msg)
	if serr := s.client.EnqueueText(ctx, chatID, text, platform.SendOptions{ParseMode: "MarkdownV2"}); serr != nil {
		logger.Warn(ctx, "session", "reply.fault",
			slog.String("status", "fail"),
			slog.String("err", serr.Error()),
		)
	}
}

// close stops accepting events and cancels running executions. It waits for
// in-flight handlers until ctx ends.
func (s *Session) close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	waitErr := s.wait(ctx)
	return errors.Join(waitErr, s.client.Close())
}

// wait blocks until every submitted event finished or ctx ends.
func (s *Session) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) host() *host {
	return &host{s: s}
}

// host binds the sandbox capabilities to this session.
type host struct {
	s *Session

	adminOnce sync.Once
	admin     store.AdminSettings
	adminErr  error
}

func (h *host) SendText(ctx context.Context, chatID int64, text string, opts platform.SendOptions) error {
	return h.s.client.SendText(ctx, chatID, text, opts)
}

func (h *host) SendMedia(ctx context.Context, chatID int64, media platform.Media, opts platform.SendOptions) error {
	return h.s.client.SendMedia(ctx, chatID, media, opts)
}

func (h *host) SendChatAction(ctx context.Context, chatID int64, action string) error {
	return h.s.client.SendChatAction(ctx, chatID, action)
}

func (h *host) Me() platform.Identity { return h.s.identity }

func (h *host) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	h.adminOnce.Do(func() {
		h.admin, h.adminErr = h.s.opts.Store.GetAdminSettings(ctx)
	})
	if h.adminErr != nil {
		return false, h.adminErr
	}
	return h.admin.AdminUserID != 0 && h.admin.AdminUserID == userID, nil
}

func (h *host) dataKey(scope store.DataScope, userID int64, key string) store.DataKey {
	if scope == store.ScopeBot {
		userID = 0
	}
	return store.DataKey{Scope: scope, BotToken: h.s.credential, UserID: userID, Key: key}
}

func (h *host) SaveData(ctx context.Context, scope store.DataScope, userID int64, key, value string) error {
	return h.s.opts.Store.SaveData(ctx, h.dataKey(scope, userID, key), value)
}

func (h *host) GetData(ctx context.Context, scope store.DataScope, userID int64, key string) (string, bool, error) {
	return h.s.opts.Store.GetData(ctx, h.dataKey(scope, userID, key))
}

func (h *host) DeleteData(ctx context.Context, scope store.DataScope, userID int64, key string) (bool, error) {
	return h.s.opts.Store.DeleteData(ctx, h.dataKey(scope, userID, key))
}
