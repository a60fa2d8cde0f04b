// Package punit implements the parallel-unit table: one slot per
// (channel, chip) pair, each holding at most one in-flight request. The
// table is the single piece of mutable shared state the dispatcher and the
// timing driver both touch, so it is guarded by one mutex safe to take from
// either side.
package punit

import (
	"fmt"
	"sync"
	"time"

	"github.com/nrhodes/ramssd/ramsserr"
)

// slot holds one parallel unit's in-flight request, if any.
type slot struct {
	inFlight        any
	submittedAt     time.Time
	targetLatencyUs int64
}

// Reaped is one slot that was found due for completion.
type Reaped struct {
	PunitID int
	Handle  any
}

// Table is a flat array of nr_channels*nr_chips_per_channel slots.
type Table struct {
	mu    sync.Mutex
	slots []slot
}

// New allocates an empty table of n slots.
func New(n int) *Table {
	return &Table{slots: make([]slot, n)}
}

// Len returns the number of parallel units in the table.
func (t *Table) Len() int {
	return len(t.slots)
}

// TryClaim occupies slot punitID with handle if it's currently empty. It
// stamps the submission time as now and records the target latency. A
// second claim on an already-occupied slot returns ramsserr.DoubleIssue —
// the FTL issued two outstanding requests to the same parallel unit, which
// is a caller bug, not a recoverable device condition.
func (t *Table) TryClaim(punitID int, handle any, now time.Time, targetLatencyUs int64) error {
	if punitID < 0 || punitID >= len(t.slots) {
		return fmt.Errorf("%w: punit %d out of range [0,%d)", ramsserr.BadAddress, punitID, len(t.slots))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s := &t.slots[punitID]
	if s.inFlight != nil {
		return fmt.Errorf("%w: punit %d", ramsserr.DoubleIssue, punitID)
	}
	s.inFlight = handle
	s.submittedAt = now
	s.targetLatencyUs = targetLatencyUs
	return nil
}

// ReapIfDue detaches and returns every slot whose target latency has
// elapsed as of now. It must not call any upper-layer callback itself —
// callers invoke completion callbacks after releasing whatever lock they
// hold, so a resubmission from inside a callback can never deadlock against
// this table's mutex.
func (t *Table) ReapIfDue(now time.Time) []Reaped {
	t.mu.Lock()
	defer t.mu.Unlock()

	var reaped []Reaped
	for i := range t.slots {
		s := &t.slots[i]
		if s.inFlight == nil {
			continue
		}
		if now.Sub(s.submittedAt) >= time.Duration(s.targetLatencyUs)*time.Microsecond {
			reaped = append(reaped, Reaped{PunitID: i, Handle: s.inFlight})
			s.inFlight = nil
		}
	}
	return reaped
}

// Busy reports whether punitID currently has a request in flight. Intended
// for diagnostics/inspection (e.g. the ramssdmon TUI), not for control flow.
func (t *Table) Busy(punitID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if punitID < 0 || punitID >= len(t.slots) {
		return false
	}
	return t.slots[punitID].inFlight != nil
}
