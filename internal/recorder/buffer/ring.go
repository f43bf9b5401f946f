package buffer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikeyg42/seedo/internal/camera"
)

var (
	ErrNilFrame   = errors.New("cannot append nil frame")
	ErrOutOfOrder = errors.New("frame timestamp not after previous entry")
	ErrFull       = errors.New("ring buffer full")
)

// Entry is one buffered frame and its capture time.
type Entry struct {
	Timestamp time.Time
	Frame     *camera.Frame
}

// Ring holds the frames captured since the last overflow.
// Semantics:
//   - Append adds the newest entry and reports whether capacity was reached.
//   - The owner must then either Clear (discard) or SnapshotAndClear (hand off);
//     appending to a full ring fails with ErrFull.
//   - Timestamps are strictly increasing within the ring.
type Ring struct {
	entries  []Entry
	capacity int

	mu sync.Mutex

	// Metrics
	totalAppends atomic.Uint64
	discarded    atomic.Uint64 // frames dropped by Clear
	handoffs     atomic.Uint64 // snapshots taken
	rejected     atomic.Uint64
}

// NewRing creates a ring holding up to capacity entries (minimum 1).
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
	}
}

// CapacityFor returns fps × seconds, at least 1.
func CapacityFor(fps, seconds float64) int {
	n := int(fps * seconds)
	if n < 1 {
		return 1
	}
	return n
}

// Append adds e and returns true once the ring holds capacity entries.
func (r *Ring) Append(e Entry) (bool, error) {
	if e.Frame == nil {
		return false, ErrNilFrame
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.entries) >= r.capacity {
		r.rejected.Add(1)
		return true, ErrFull
	}
	if n := len(r.entries); n > 0 && !e.Timestamp.After(r.entries[n-1].Timestamp) {
		r.rejected.Add(1)
		return false, ErrOutOfOrder
	}
	r.entries = append(r.entries, e)
	r.totalAppends.Add(1)
	return len(r.entries) >= r.capacity, nil
}

// SnapshotAndClear atomically takes the buffered entries and leaves the ring
// empty. The returned slice is owned by the caller.
func (r *Ring) SnapshotAndClear() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return nil
	}
	snap := r.entries
	r.entries = make([]Entry, 0, r.capacity)
	r.handoffs.Add(1)
	return snap
}

// Clear discards every entry and returns how many were dropped.
func (r *Ring) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	for i := range r.entries {
		r.entries[i] = Entry{}
	}
	r.entries = r.entries[:0]
	r.discarded.Add(uint64(n))
	return n
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Ring) Cap() int { return r.capacity }

// Span returns the time between the oldest and newest entries.
func (r *Ring) Span() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) < 2 {
		return 0
	}
	return r.entries[len(r.entries)-1].Timestamp.Sub(r.entries[0].Timestamp)
}

// Metrics returns buffer statistics
func (r *Ring) Metrics() map[string]interface{} {
	return map[string]interface{}{
		"capacity":         r.capacity,
		"current_size":     r.Len(),
		"total_appends":    r.totalAppends.Load(),
		"discarded_frames": r.discarded.Load(),
		"handoffs":         r.handoffs.Load(),
		"rejected":         r.rejected.Load(),
	}
}
