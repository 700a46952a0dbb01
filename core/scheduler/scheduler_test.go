package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestJobsRunPeriodically(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := New(ctx)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var runs atomic.Int32
	if err := s.Add(Job{Name: "sweep", Every: 20 * time.Millisecond, Run: func(context.Context) error {
		runs.Add(1)
		return errors.New("logged, not fatal")
	}}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(Job{Name: "off", Run: func(context.Context) error {
		t.Error("disabled job ran")
		return nil
	}}); err != nil {
		t.Fatalf("add disabled: %v", err)
	}
	if s.Jobs() != 1 {
		t.Fatalf("jobs = %d", s.Jobs())
	}

	s.Start()
	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := s.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if runs.Load() < 2 {
		t.Fatalf("runs = %d", runs.Load())
	}
}

func TestJobsSkipAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, err := New(ctx)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cancel()
	ran := false
	s.run(Job{Name: "late", Run: func(context.Context) error { ran = true; return nil }})
	if ran {
		t.Fatal("job ran after cancel")
	}
}
