// Package runtime owns the live bot sessions: bootstrap and lifecycle in the
// registry, per-session command caches, inbound event handling and the
// wait-for-answer flow.
package runtime

import (
	"cmp"
	"slices"
	"sync/atomic"
	"time"

	"github.com/m3rciful/botrunner/core/store"
)

// Entry is one matchable pattern of a command.
type Entry struct {
	Command store.Command
	Pattern string
}

// Snapshot is an immutable view of a bot's active commands. Entries are in
// matching order: command creation time, then id, then pattern position.
type Snapshot struct {
	Entries  []Entry
	Commands int
	LoadedAt time.Time
}

// NewSnapshot orders cmds and expands their pattern lists. The input slice is
// not modified.
func NewSnapshot(cmds []store.Command, loadedAt time.Time) *Snapshot {
	sorted := slices.Clone(cmds)
	slices.SortStableFunc(sorted, func(a, b store.Command) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	snap := &Snapshot{LoadedAt: loadedAt}
	for _, c := range sorted {
		patterns := c.PatternList()
		if len(patterns) == 0 {
			continue
		}
		snap.Commands++
		for _, p := range patterns {
			snap.Entries = append(snap.Entries, Entry{Command: c, Pattern: p})
		}
	}
	return snap
}

var emptySnapshot = &Snapshot{}

// Cache publishes snapshots to concurrent readers.
type Cache struct {
	p atomic.Pointer[Snapshot]
}

// Load returns the current snapshot, never nil.
func (c *Cache) Load() *Snapshot {
	if s := c.p.Load(); s != nil {
		return s
	}
	return emptySnapshot
}

// Store replaces the snapshot wholesale.
func (c *Cache) Store(s *Snapshot) {
	c.p.Store(s)
}
