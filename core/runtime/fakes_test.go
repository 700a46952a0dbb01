package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/m3rciful/botrunner/core/platform"
	"github.com/m3rciful/botrunner/core/sandbox"
	"github.com/m3rciful/botrunner/core/state"
	"github.com/m3rciful/botrunner/core/store"
)

type outbound struct {
	ChatID int64
	Text   string
	Opts   platform.SendOptions
	Queued bool
}

type fakeClient struct {
	credential string
	factory    *fakeFactory

	mu       sync.Mutex
	handlers platform.Handlers
	sent     []outbound
	answered []string
	webhooks []string
	deleted  int
	closed   bool
	notify   chan outbound
}

func (c *fakeClient) Validate(ctx context.Context) (platform.Identity, error) {
	c.factory.validations.Add(1)
	if gate := c.factory.gate; gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return platform.Identity{}, ctx.Err()
		}
	}
	if err := c.factory.validateErr(c.credential); err != nil {
		return platform.Identity{}, err
	}
	return platform.Identity{ID: 1, Username: "bot_" + c.credential}, nil
}

func (c *fakeClient) record(o outbound) {
	c.mu.Lock()
	c.sent = append(c.sent, o)
	ch := c.notify
	c.mu.Unlock()
	if ch != nil {
		ch <- o
	}
}

func (c *fakeClient) SendText(_ context.Context, chatID int64, text string, opts platform.SendOptions) error {
	c.record(outbound{ChatID: chatID, Text: text, Opts: opts})
	return nil
}

func (c *fakeClient) EnqueueText(_ context.Context, chatID int64, text string, opts platform.SendOptions) error {
	c.record(outbound{ChatID: chatID, Text: text, Opts: opts, Queued: true})
	return nil
}

func (c *fakeClient) SendMedia(_ context.Context, chatID int64, m platform.Media, opts platform.SendOptions) error {
	c.record(outbound{ChatID: chatID, Text: string(m.Kind) + ":" + m.URL, Opts: opts})
	return nil
}

func (c *fakeClient) SendChatAction(context.Context, int64, string) error { return nil }

func (c *fakeClient) AnswerCallback(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answered = append(c.answered, id)
	return nil
}

func (c *fakeClient) Subscribe(h platform.Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

func (c *fakeClient) Process(raw []byte) error {
	var ev platform.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return fmt.Errorf("decode update: %w", err)
	}
	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()
	switch ev.Kind {
	case platform.KindText:
		return h.Text(ev)
	case platform.KindMedia:
		return h.Media(ev)
	case platform.KindCallback:
		return h.Callback(ev)
	}
	return errors.New("unsupported update")
}

func (c *fakeClient) SetWebhook(_ context.Context, url, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.webhooks = append(c.webhooks, url)
	return nil
}

func (c *fakeClient) DeleteWebhook(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted++
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, o := range c.sent {
		out = append(out, o.Text)
	}
	return out
}

func (c *fakeClient) outbound() []outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]outbound(nil), c.sent...)
}

type fakeFactory struct {
	validations atomic.Int32
	gate        chan struct{}

	mu      sync.Mutex
	failing map[string]error
	clients map[string][]*fakeClient
	notify  chan outbound
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{failing: map[string]error{}, clients: map[string][]*fakeClient{}}
}

func (f *fakeFactory) validateErr(credential string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failing[credential]
}

func (f *fakeFactory) fail(credential string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failing, credential)
		return
	}
	f.failing[credential] = err
}

func (f *fakeFactory) New(credential string) (platform.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeClient{credential: credential, factory: f, notify: f.notify}
	f.clients[credential] = append(f.clients[credential], c)
	return c, nil
}

func (f *fakeFactory) client(credential string) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.clients[credential]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

type fakeStore struct {
	mu       sync.Mutex
	bots     []store.Bot
	commands map[string][]store.Command
	admin    store.AdminSettings
	data     map[store.DataKey]string
	listErr  error
	lists    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{commands: map[string][]store.Command{}, data: map[store.DataKey]string{}}
}

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func (s *fakeStore) add(credential string, cmd store.Command) store.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, cs := range s.commands {
		n += len(cs)
	}
	if cmd.ID == 0 {
		cmd.ID = int64(n + 1)
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = baseTime.Add(time.Duration(n) * time.Minute)
	}
	cmd.BotToken = credential
	cmd.Active = true
	s.commands[credential] = append(s.commands[credential], cmd)
	return cmd
}

func (s *fakeStore) setBots(tokens ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bots = s.bots[:0]
	for _, t := range tokens {
		s.bots = append(s.bots, store.Bot{Token: t})
	}
}

func (s *fakeStore) ListActiveBots(context.Context) ([]store.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Bot(nil), s.bots...), nil
}

func (s *fakeStore) ListActiveCommands(_ context.Context, credential string) ([]store.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]store.Command(nil), s.commands[credential]...), nil
}

func (s *fakeStore) GetCommand(_ context.Context, id int64) (store.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cs := range s.commands {
		for _, c := range cs {
			if c.ID == id {
				return c, nil
			}
		}
	}
	return store.Command{}, store.ErrNotFound
}

func (s *fakeStore) GetAdminSettings(context.Context) (store.AdminSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admin, nil
}

func (s *fakeStore) SaveData(_ context.Context, key store.DataKey, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *fakeStore) GetData(_ context.Context, key store.DataKey) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *fakeStore) DeleteData(_ context.Context, key store.DataKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	delete(s.data, key)
	return ok, nil
}

type harness struct {
	reg     *Registry
	store   *fakeStore
	state   *state.MemoryStore
	factory *fakeFactory
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		store:   newFakeStore(),
		state:   state.NewMemoryStore(time.Minute),
		factory: newFakeFactory(),
	}
	opts := Options{
		Store:        h.store,
		State:        h.state,
		Executor:     sandbox.NewExecutor(2 * time.Second),
		NewClient:    h.factory.New,
		NotFoundText: "not found",
	}
	for _, m := range mutate {
		m(&opts)
	}
	reg, err := NewRegistry(opts)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	h.reg = reg
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	return h
}

func (h *harness) session(t *testing.T, credential string) *Session {
	t.Helper()
	s, err := h.reg.Resolve(context.Background(), credential)
	if err != nil {
		t.Fatalf("resolve %s: %v", credential, err)
	}
	return s
}

func update(t *testing.T, ev platform.Event) []byte {
	t.Helper()
	if ev.ChatID == 0 {
		ev.ChatID = ev.From.ID
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return raw
}

func text(userID int64, s string) platform.Event {
	return platform.Event{Kind: platform.KindText, From: platform.User{ID: userID, FirstName: "U"}, Text: s, MessageID: 10}
}

// deliver hands ev to the session and waits until it has been handled.
func deliver(t *testing.T, s *Session, ev platform.Event) {
	t.Helper()
	if err := s.Deliver(update(t, ev)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}
