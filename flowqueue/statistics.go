package flowqueue

import (
	"strconv"
	"sync/atomic"
)

// Statistics tracks queue activity. Always collected.
type Statistics struct {
	puts        atomic.Int64
	gets        atomic.Int64
	empties     atomic.Int64
	blockedPuts atomic.Int64
	blockedGets atomic.Int64
	maxSize     atomic.Int64
}

// NewStatistics creates a zeroed statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{}
}

// Put records a successful put leaving size items stored.
func (s *Statistics) Put(size int) {
	s.puts.Add(1)
	for {
		cur := s.maxSize.Load()
		if int64(size) <= cur || s.maxSize.CompareAndSwap(cur, int64(size)) {
			return
		}
	}
}

// Get records a successful get.
func (s *Statistics) Get(_ int) { s.gets.Add(1) }

// Empty records a get that returned ErrEmpty.
func (s *Statistics) Empty() { s.empties.Add(1) }

// BlockedPut records a put that had to wait for space.
func (s *Statistics) BlockedPut() { s.blockedPuts.Add(1) }

// BlockedGet records a get that had to wait for an item.
func (s *Statistics) BlockedGet() { s.blockedGets.Add(1) }

// Puts returns the number of successful puts.
func (s *Statistics) Puts() int64 { return s.puts.Load() }

// Gets returns the number of successful gets.
func (s *Statistics) Gets() int64 { return s.gets.Load() }

// Empties returns the number of empty results.
func (s *Statistics) Empties() int64 { return s.empties.Load() }

// BlockedPuts returns how many puts waited for space.
func (s *Statistics) BlockedPuts() int64 { return s.blockedPuts.Load() }

// BlockedGets returns how many gets waited for an item.
func (s *Statistics) BlockedGets() int64 { return s.blockedGets.Load() }

// MaxSize returns the high-water mark.
func (s *Statistics) MaxSize() int64 { return s.maxSize.Load() }

func indexedPrefix(prefix string, i int) string {
	return prefix + "_" + strconv.Itoa(i)
}
