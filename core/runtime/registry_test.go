package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/m3rciful/botrunner/core/sandbox"
	"github.com/m3rciful/botrunner/core/store"
)

func TestConcurrentResolveBootstrapsOnce(t *testing.T) {
	h := newHarness(t)
	h.factory.gate = make(chan struct{})
	h.store.add("tok", store.Command{Patterns: "/start", Code: `Api.send("x")`})

	const n = 20
	var wg sync.WaitGroup
	sessions := make([]*Session, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], errs[i] = h.reg.Resolve(context.Background(), "tok")
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(h.factory.gate)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("resolve %d: %v", i, errs[i])
		}
		if sessions[i] != sessions[0] {
			t.Fatal("callers got different sessions")
		}
	}
	if got := h.factory.validations.Load(); got != 1 {
		t.Fatalf("validations = %d, want 1", got)
	}
	if got := len(h.reg.Sessions()); got != 1 {
		t.Fatalf("sessions = %d", got)
	}
}

func TestResolveCallerCanStopWaiting(t *testing.T) {
	h := newHarness(t)
	h.factory.gate = make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.reg.Resolve(ctx, "tok"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}

	// The shared bootstrap keeps going and registers the session.
	close(h.factory.gate)
	s := h.session(t, "tok")
	if s == nil || h.factory.validations.Load() != 1 {
		t.Fatalf("validations = %d", h.factory.validations.Load())
	}
}

func TestBootstrapFaultRegistersNothing(t *testing.T) {
	h := newHarness(t)
	h.factory.fail("tok", errors.New("401 unauthorized"))

	_, err := h.reg.Resolve(context.Background(), "tok")
	var bf *BootstrapFault
	if !errors.As(err, &bf) || bf.Stage != StageValidate {
		t.Fatalf("err = %v", err)
	}
	if bf.BotKey == "" || bf.BotKey == "tok" {
		t.Fatalf("bot key = %q", bf.BotKey)
	}
	if _, ok := h.reg.Lookup("tok"); ok {
		t.Fatal("failed bootstrap registered a session")
	}
	if !h.factory.client("tok").closed {
		t.Fatal("client of failed bootstrap not closed")
	}

	h.factory.fail("tok", nil)
	if _, err := h.reg.Resolve(context.Background(), "tok"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := h.factory.validations.Load(); got != 2 {
		t.Fatalf("validations = %d", got)
	}
}

func TestBootstrapCommandsFault(t *testing.T) {
	h := newHarness(t)
	h.store.listErr = errors.New("connection refused")

	_, err := h.reg.Resolve(context.Background(), "tok")
	var bf *BootstrapFault
	if !errors.As(err, &bf) || bf.Stage != StageCommands {
		t.Fatalf("err = %v", err)
	}
	if h.factory.validations.Load() != 0 {
		t.Fatal("validated despite command load failure")
	}
}

func TestBootstrapRegistersWebhook(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.WebhookURL = func(cred string) string { return "https://hooks.example.org/api/webhook/" + cred }
	})
	h.session(t, "tok")
	c := h.factory.client("tok")
	if len(c.webhooks) != 1 || c.webhooks[0] != "https://hooks.example.org/api/webhook/tok" {
		t.Fatalf("webhooks = %v", c.webhooks)
	}

	if err := h.reg.Deactivate(context.Background(), "tok"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if c.deleted != 1 || !c.closed {
		t.Fatalf("deleted=%d closed=%v", c.deleted, c.closed)
	}
	if err := h.reg.Deactivate(context.Background(), "tok"); err != nil {
		t.Fatalf("second deactivate: %v", err)
	}
	if fresh := h.factory.client("tok"); fresh == c || fresh.deleted != 1 {
		t.Fatal("deactivate without a session must delete the webhook through a fresh client")
	}
}

func TestDeactivateCancelsRunningExecution(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Executor = sandbox.NewExecutor(time.Minute) })
	h.store.add("tok", store.Command{Patterns: "/spin", Code: `while (true) {}`})
	s := h.session(t, "tok")

	if err := s.Deliver(update(t, text(7, "/spin"))); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.reg.Deactivate(ctx, "tok"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, ok := h.reg.Lookup("tok"); ok {
		t.Fatal("session still registered")
	}
	if got := h.factory.client("tok").texts(); len(got) != 0 {
		t.Fatalf("canceled run reported to chat: %v", got)
	}
	if err := s.Deliver(update(t, text(7, "/spin"))); err == nil {
		t.Fatal("closed session accepted an update")
	}
}

func TestDeactivateDuringBootstrapDiscardsSession(t *testing.T) {
	h := newHarness(t)
	h.factory.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.reg.Resolve(context.Background(), "tok")
		done <- err
	}()
	for h.factory.validations.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := h.reg.Deactivate(context.Background(), "tok"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	close(h.factory.gate)

	err := <-done
	var bf *BootstrapFault
	if !errors.As(err, &bf) || bf.Stage != StageDeactivated || !errors.Is(err, ErrDeactivated) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := h.reg.Lookup("tok"); ok {
		t.Fatal("deactivated bot registered")
	}
}

func TestDeactivateDuringBootstrapRemovesWebhook(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.WebhookURL = func(cred string) string { return "https://hooks.example.org/api/webhook/" + cred }
	})
	h.factory.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.reg.Resolve(context.Background(), "tok")
		done <- err
	}()
	for h.factory.validations.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := h.reg.Deactivate(context.Background(), "tok"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	close(h.factory.gate)
	if err := <-done; !errors.Is(err, ErrDeactivated) {
		t.Fatalf("err = %v", err)
	}

	h.factory.mu.Lock()
	boot := h.factory.clients["tok"][0]
	h.factory.mu.Unlock()
	boot.mu.Lock()
	defer boot.mu.Unlock()
	if len(boot.webhooks) != 1 || boot.deleted != 1 || !boot.closed {
		t.Fatalf("bootstrap client: webhooks=%v deleted=%d closed=%v", boot.webhooks, boot.deleted, boot.closed)
	}
}

func TestRegisterOrRefreshAndInvalidate(t *testing.T) {
	h := newHarness(t)
	h.store.add("tok", store.Command{Patterns: "/a", Code: ``})

	if ok, err := h.reg.InvalidateCommandCache(context.Background(), "tok"); ok || err != nil {
		t.Fatalf("invalidate without session = %v %v", ok, err)
	}

	s, err := h.reg.RegisterOrRefresh(context.Background(), "tok")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	h.store.add("tok", store.Command{Patterns: "/b", Code: ``})
	if _, err := h.reg.RegisterOrRefresh(context.Background(), "tok"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if s.Snapshot().Commands != 2 {
		t.Fatalf("commands = %d", s.Snapshot().Commands)
	}

	h.store.add("tok", store.Command{Patterns: "/c", Code: ``})
	if ok, err := h.reg.InvalidateCommandCache(context.Background(), "tok"); !ok || err != nil {
		t.Fatalf("invalidate = %v %v", ok, err)
	}
	if s.Snapshot().Commands != 3 {
		t.Fatalf("commands = %d", s.Snapshot().Commands)
	}
	if h.factory.validations.Load() != 1 {
		t.Fatal("refresh must not re-validate")
	}
}

func TestWarmupSkipsFailures(t *testing.T) {
	h := newHarness(t)
	h.store.setBots("a", "b", "c")
	h.factory.fail("b", errors.New("revoked"))

	n, err := h.reg.Warmup(context.Background())
	if err != nil {
		t.Fatalf("warmup: %v", err)
	}
	if n != 2 || len(h.reg.Sessions()) != 2 {
		t.Fatalf("live = %d sessions = %d", n, len(h.reg.Sessions()))
	}
}

func TestReconcile(t *testing.T) {
	h := newHarness(t)
	h.store.setBots("a", "b")
	if _, err := h.reg.Warmup(context.Background()); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	h.store.setBots("a")
	h.store.add("a", store.Command{Patterns: "/new", Code: ``})

	if err := h.reg.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if _, ok := h.reg.Lookup("b"); ok {
		t.Fatal("inactive bot kept")
	}
	s, ok := h.reg.Lookup("a")
	if !ok || s.Snapshot().Commands != 1 {
		t.Fatal("active bot not refreshed")
	}
}

func TestTestCommandRunsInAdminChat(t *testing.T) {
	h := newHarness(t)
	h.store.admin = store.AdminSettings{AdminUserID: 5, AdminChatID: 900}
	greet := h.store.add("tok", store.Command{Name: "greet", Patterns: "/greet", Code: `if (!isTest) throw new Error("live"); Api.send("test " + params + " " + isAdmin())`})
	broken := h.store.add("tok", store.Command{Name: "broken", Patterns: "/broken", Code: `throw new Error("broken")`})
	foreign := h.store.add("other", store.Command{Patterns: "/x", Code: ``})

	if err := h.reg.TestCommand(context.Background(), "tok", greet.ID, "/greet bob"); err != nil {
		t.Fatalf("test command: %v", err)
	}
	out := h.factory.client("tok").outbound()
	if len(out) != 1 || out[0].ChatID != 900 || out[0].Text != "test bob true" {
		t.Fatalf("sent = %+v", out)
	}

	err := h.reg.TestCommand(context.Background(), "tok", broken.ID, "")
	var f *sandbox.ExecutionFault
	if !errors.As(err, &f) || f.Pattern != "/broken" {
		t.Fatalf("err = %v", err)
	}
	if got := h.factory.client("tok").outbound(); len(got) != 2 || got[1].ChatID != 900 {
		t.Fatalf("fault not reported to admin chat: %+v", got)
	}

	if err := h.reg.TestCommand(context.Background(), "tok", foreign.ID, ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("foreign command err = %v", err)
	}
	if err := h.reg.TestCommand(context.Background(), "tok", 999, ""); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing command err = %v", err)
	}

	h.store.admin = store.AdminSettings{}
	if err := h.reg.TestCommand(context.Background(), "tok", greet.ID, ""); !errors.Is(err, ErrNoAdmin) {
		t.Fatalf("no admin err = %v", err)
	}
}

func TestDispatch(t *testing.T) {
	h := newHarness(t)
	h.store.add("tok", store.Command{Patterns: "/start", Code: `Api.send("hi")`})
	h.factory.fail("bad", errors.New("unauthorized"))
	d := NewDispatcher(h.reg)
	ctx := context.Background()

	if err := d.Dispatch(ctx, "bad", update(t, text(1, "/start"))); err != nil {
		t.Fatalf("bootstrap fault must be swallowed: %v", err)
	}
	if err := d.Dispatch(ctx, "tok", []byte("{not json")); err != nil {
		t.Fatalf("malformed payload must be swallowed: %v", err)
	}
	if err := d.Dispatch(ctx, "tok", update(t, text(1, "/start"))); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	s, _ := h.reg.Lookup("tok")
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.wait(wctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got := h.factory.client("tok").texts(); len(got) != 1 || got[0] != "hi" {
		t.Fatalf("sent = %v", got)
	}
}
