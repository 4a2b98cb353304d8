package multiplexer

import (
	"sync"

	"github.com/cuemby/notebroker/pkg/kernel"
	"github.com/cuemby/notebroker/pkg/metrics"
)

type orphanEntry struct {
	frame kernel.Frame
}

// singleRing is a fixed-capacity FIFO ring for one parent_msg_id. Pushing
// past capacity drops the oldest entry; there is no time-based eviction
// (spec.md §4.3, §9 "Orphan TTL map" reshape).
type singleRing struct {
	cap     int
	entries []orphanEntry
}

func (r *singleRing) push(e orphanEntry) (dropped int) {
	r.entries = append(r.entries, e)
	if len(r.entries) > r.cap {
		dropped = len(r.entries) - r.cap
		r.entries = r.entries[dropped:]
	}
	return dropped
}

// orphanRing is the Multiplexer's orphan buffer for one kernel: a map from
// kernel-issued parent_msg_id to its own bounded ring, each capped
// independently at ORPHAN_RING entries (spec.md §3 "orphan_buffer"). A ring
// is freed once drained by a Bind, so the map only grows with distinct
// unbound ids currently in flight.
type orphanRing struct {
	mu       sync.Mutex
	cap      int
	byParent map[string]*singleRing
}

func newOrphanRing(capacity int) *orphanRing {
	if capacity <= 0 {
		capacity = 1000
	}
	return &orphanRing{cap: capacity, byParent: make(map[string]*singleRing)}
}

// push appends frame to parentMsgID's ring, creating it on first use.
func (r *orphanRing) push(parentMsgID string, f kernel.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ring, ok := r.byParent[parentMsgID]
	if !ok {
		ring = &singleRing{cap: r.cap}
		r.byParent[parentMsgID] = ring
	}
	if dropped := ring.push(orphanEntry{frame: f}); dropped > 0 {
		metrics.OrphanFramesDroppedTotal.Add(float64(dropped))
	}
}

// drain removes and returns, in arrival order, every frame buffered for
// parentMsgID, freeing that id's ring entirely.
func (r *orphanRing) drain(parentMsgID string) []kernel.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	ring, ok := r.byParent[parentMsgID]
	if !ok {
		return nil
	}
	delete(r.byParent, parentMsgID)
	frames := make([]kernel.Frame, len(ring.entries))
	for i, e := range ring.entries {
		frames[i] = e.frame
	}
	return frames
}

// size returns the total number of buffered frames across all parent ids,
// for observability only.
func (r *orphanRing) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, ring := range r.byParent {
		total += len(ring.entries)
	}
	return total
}

// sizeFor returns the number of frames currently buffered for one
// parentMsgID.
func (r *orphanRing) sizeFor(parentMsgID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ring, ok := r.byParent[parentMsgID]; ok {
		return len(ring.entries)
	}
	return 0
}
