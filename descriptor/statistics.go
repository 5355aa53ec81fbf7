package descriptor

import (
	"sync"
	"sync/atomic"
	"time"
)

// Statistics is the run report of one stage instance.
type Statistics struct {
	Slot           int           `json:"slot"`
	Kind           string        `json:"kind"`
	Items          int64         `json:"items"`
	BytesIn        int64         `json:"bytes_in"`
	BytesOut       int64         `json:"bytes_out"`
	IdleTime       time.Duration `json:"idle_time"`
	ProcessingTime time.Duration `json:"processing_time"`
	Done           bool          `json:"done"`
}

// StatisticsTable holds one Statistics entry per slot. Every access takes
// the single table lock so an entry is never observed half-written.
type StatisticsTable struct {
	mu      sync.Mutex
	entries []Statistics
	present []bool
}

// NewStatisticsTable creates a table with n slots.
func NewStatisticsTable(n int) *StatisticsTable {
	return &StatisticsTable{
		entries: make([]Statistics, n),
		present: make([]bool, n),
	}
}

// Update stores s in its slot. Out-of-range slots are ignored and reported false.
func (t *StatisticsTable) Update(s Statistics) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s.Slot < 0 || s.Slot >= len(t.entries) {
		return false
	}
	// done is one-way
	if t.entries[s.Slot].Done {
		s.Done = true
	}
	t.entries[s.Slot] = s
	t.present[s.Slot] = true
	return true
}

// Get returns the entry for slot and whether any report arrived for it.
func (t *StatisticsTable) Get(slot int) (Statistics, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if slot < 0 || slot >= len(t.entries) {
		return Statistics{}, false
	}
	return t.entries[slot], t.present[slot]
}

// DoneCount returns how many slots have reported done.
func (t *StatisticsTable) DoneCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, e := range t.entries {
		if e.Done {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of every reported entry.
func (t *StatisticsTable) Snapshot() []Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Statistics, 0, len(t.entries))
	for i, e := range t.entries {
		if t.present[i] {
			out = append(out, e)
		}
	}
	return out
}

// Counters accumulates a running stage's statistics from several goroutines.
type Counters struct {
	slot       int
	kind       string
	items      atomic.Int64
	bytesIn    atomic.Int64
	bytesOut   atomic.Int64
	idle       atomic.Int64
	processing atomic.Int64
	done       atomic.Bool
}

// NewCounters creates counters for the given slot and kind.
func NewCounters(slot int, kind string) *Counters {
	return &Counters{slot: slot, kind: kind}
}

// Item records one processed item.
func (c *Counters) Item(bytesIn, bytesOut int64, processing time.Duration) {
	c.items.Add(1)
	c.bytesIn.Add(bytesIn)
	c.bytesOut.Add(bytesOut)
	c.processing.Add(int64(processing))
}

// Idle records time spent waiting for input.
func (c *Counters) Idle(d time.Duration) { c.idle.Add(int64(d)) }

// MarkDone flags the stage as finished.
func (c *Counters) MarkDone() { c.done.Store(true) }

// Snapshot returns the current values.
func (c *Counters) Snapshot() Statistics {
	return Statistics{
		Slot:           c.slot,
		Kind:           c.kind,
		Items:          c.items.Load(),
		BytesIn:        c.bytesIn.Load(),
		BytesOut:       c.bytesOut.Load(),
		IdleTime:       time.Duration(c.idle.Load()),
		ProcessingTime: time.Duration(c.processing.Load()),
		Done:           c.done.Load(),
	}
}
