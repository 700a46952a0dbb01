package logger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newTestHandler(buf *bytes.Buffer, format logFormat) (*structuredHandler, *asyncWriter) {
	aw := newAsyncWriter([]io.Writer{buf}, 1024)
	return newStructuredHandler(handlerConfig{
		level:    slog.LevelInfo,
		writer:   aw,
		format:   format,
		keyOrder: defaultKeyOrder,
	}), aw
}

func drain(t *testing.T, aw *asyncWriter, buf *bytes.Buffer) string {
	t.Helper()
	if err := aw.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := aw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return strings.TrimSpace(buf.String())
}

func TestStructuredHandlerKVOrder(t *testing.T) {
	buf := &bytes.Buffer{}
	handler, aw := newTestHandler(buf, formatKV)
	ctx := WithRID(context.Background(), "rid-123")
	ctx = WithBot(ctx, "a1b2c3")
	ctx = WithUpdateMeta(ctx, 42, 7, 9)

	log := slog.New(handler).With("component", "session")
	LogEvent(ctx, log, slog.LevelInfo, "command.handled",
		slog.String("status", "ok"),
		slog.String("pattern", "/start"),
	)

	line := drain(t, aw, buf)
	tokens := strings.Split(line, " ")
	expected := []string{"ts=", "level=INFO", "component=session", "event=command.handled", "status=ok", "rid=rid-123", "bot=a1b2c3", "update_id=42", "user_id=7", "chat_id=9", "pattern=/start"}
	if len(tokens) < len(expected) {
		t.Fatalf("unexpected token count: %d (%s)", len(tokens), line)
	}
	for i, prefix := range expected {
		if !strings.HasPrefix(tokens[i], prefix) {
			t.Fatalf("token %d = %s, expected prefix %s", i, tokens[i], prefix)
		}
	}
}

func TestStructuredHandlerJSONOrder(t *testing.T) {
	buf := &bytes.Buffer{}
	handler, aw := newTestHandler(buf, formatJSON)
	ctx := WithRID(context.Background(), "rid-json")
	ctx = WithCommand(ctx, "greet")

	log := slog.New(handler).With("component", "sandbox")
	LogEvent(ctx, log, slog.LevelError, "command.fault",
		slog.String("status", "fail"),
		slog.String("err", "boom"),
	)

	line := drain(t, aw, buf)
	if !strings.HasPrefix(line, "{") {
		t.Fatalf("expected JSON, got %s", line)
	}
	prefixes := []string{`{"ts":`, `"level":"ERROR"`, `"component":"sandbox"`, `"event":"command.fault"`, `"status":"fail"`, `"rid":"rid-json"`, `"command":"greet"`, `"err":"boom"`}
	pos := -1
	for _, pref := range prefixes {
		idx := strings.Index(line, pref)
		if idx == -1 || idx < pos {
			t.Fatalf("prefix %s not found in order within %s", pref, line)
		}
		pos = idx
	}
}

func TestStructuredHandlerDurationsAndEnums(t *testing.T) {
	buf := &bytes.Buffer{}
	handler, aw := newTestHandler(buf, formatKV)

	log := slog.New(handler)
	log.LogAttrs(context.Background(), slog.LevelInfo, "bootstrap.ok",
		slog.Duration("duration", 1500*time.Microsecond),
		slog.Duration("backoff", 2*time.Second),
		slog.String("cache", "bogus"),
		slog.String("outcome", "NOT_FOUND"),
		slog.String("empty", ""),
	)

	line := drain(t, aw, buf)
	for _, want := range []string{"component=app", "event=bootstrap.ok", "duration_ms=2", "backoff_ms=2000", "outcome=not_found"} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %s in %s", want, line)
		}
	}
	for _, unwanted := range []string{"cache=", "empty="} {
		if strings.Contains(line, unwanted) {
			t.Fatalf("unexpected %s in %s", unwanted, line)
		}
	}
}

func TestStructuredHandlerGroups(t *testing.T) {
	buf := &bytes.Buffer{}
	handler, aw := newTestHandler(buf, formatKV)

	log := slog.New(handler).WithGroup("redis").With("addr", "localhost:6379")
	log.Info("state.connect", slog.Group("pool", slog.Int("size", 10)))

	line := drain(t, aw, buf)
	for _, want := range []string{"redis.addr=localhost:6379", "redis.pool.size=10", "event=state.connect"} {
		if !strings.Contains(line, want) {
			t.Fatalf("missing %s in %s", want, line)
		}
	}
}

func TestKVQuotesValues(t *testing.T) {
	if got := formatValueKV("hello world"); got != `"hello world"` {
		t.Fatalf("got %s", got)
	}
	if got := formatValueKV("plain"); got != "plain" {
		t.Fatalf("got %s", got)
	}
}

func TestRatioSampler(t *testing.T) {
	s := newRatioSampler(1, 4)
	allowed := 0
	for i := 0; i < 40; i++ {
		if s.Allow() {
			allowed++
		}
	}
	if allowed != 10 {
		t.Fatalf("allowed = %d, want 10", allowed)
	}

	s.Set(0, 0)
	if !s.Allow() {
		t.Fatal("zero ratio must allow everything")
	}
}

func TestParseRatio(t *testing.T) {
	cases := map[string][2]int{
		"1/10": {1, 10},
		"25":   {1, 25},
		"":     {0, 0},
		"x/y":  {0, 0},
		"-3":   {0, 0},
	}
	for in, want := range cases {
		num, den := parseRatio(in)
		if num != want[0] || den != want[1] {
			t.Errorf("parseRatio(%q) = %d/%d, want %d/%d", in, num, den, want[0], want[1])
		}
	}
}

func TestSanitizeLimit(t *testing.T) {
	if got := SanitizeLimit("a\x00b\u200bc\td", 10); got != "abc\td" {
		t.Fatalf("got %q", got)
	}
	if got := SanitizeLimit("привет", 3); got != "при" {
		t.Fatalf("got %q", got)
	}
}

func TestBuildRID(t *testing.T) {
	if got := BuildRID("abc", 35, 36); got != "abc:z:10" {
		t.Fatalf("got %s", got)
	}
}

func TestStatus(t *testing.T) {
	cases := map[string]error{
		"ok":        nil,
		"fail":      errors.New("boom"),
		"timeout":   fmt.Errorf("run: %w", context.DeadlineExceeded),
		"cancelled": fmt.Errorf("run: %w", context.Canceled),
	}
	for want, err := range cases {
		if got := Status(err); got != want {
			t.Errorf("Status(%v) = %q, want %q", err, got, want)
		}
	}
}
