package transfer

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
)

// State is the lifecycle state of a tracked transfer.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Done reports whether the state is final.
func (s State) Done() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Tracker tracks the progress of several transfers by id.
type Tracker struct {
	clock     clock.Clock
	transfers map[string]*Progress
	mu        sync.RWMutex
}

// Progress is the tracked state of a single transfer.
type Progress struct {
	ID             string
	Name           string
	State          State
	BytesDone      int64
	TotalBytes     int64
	StartTime      time.Time
	LastUpdateTime time.Time
	Speed          float64 // bytes per second
	EstimatedTime  time.Duration
	Err            error
}

// NewTracker creates a tracker using c for timing, the wall clock if nil.
func NewTracker(c clock.Clock) *Tracker {
	if c == nil {
		c = clock.New()
	}
	return &Tracker{
		clock:     c,
		transfers: make(map[string]*Progress),
	}
}

// Start begins tracking a transfer of totalBytes, -1 if unknown.
func (t *Tracker) Start(id, name string, totalBytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	t.transfers[id] = &Progress{
		ID:             id,
		Name:           name,
		State:          StatePending,
		TotalBytes:     totalBytes,
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Listener returns a status listener feeding byte deltas into id.
func (t *Tracker) Listener(id string) Listener {
	return func(delta int64) { t.Add(id, delta) }
}

// Add records delta more bytes for id and moves it to in_progress.
func (t *Tracker) Add(id string, delta int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	progress, exists := t.transfers[id]
	if !exists || progress.State.Done() {
		return
	}

	now := t.clock.Now()
	progress.BytesDone += delta
	progress.State = StateInProgress
	progress.LastUpdateTime = now

	if elapsed := now.Sub(progress.StartTime).Seconds(); elapsed > 0 {
		progress.Speed = float64(progress.BytesDone) / elapsed
	}
	if progress.Speed > 0 && progress.TotalBytes > progress.BytesDone {
		remaining := float64(progress.TotalBytes - progress.BytesDone)
		progress.EstimatedTime = time.Duration(remaining / progress.Speed * float64(time.Second))
	} else {
		progress.EstimatedTime = 0
	}
}

// Finish moves id into a final state. A non-nil err marks it failed unless
// state says cancelled.
func (t *Tracker) Finish(id string, state State, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	progress, exists := t.transfers[id]
	if !exists {
		return
	}
	progress.State = state
	progress.Err = err
	progress.LastUpdateTime = t.clock.Now()
	progress.EstimatedTime = 0
}

// Get returns a snapshot of the transfer id.
func (t *Tracker) Get(id string) (Progress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	progress, exists := t.transfers[id]
	if !exists {
		return Progress{}, false
	}
	return *progress, true
}

// All returns snapshots of every tracked transfer ordered by id.
func (t *Tracker) All() []Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]Progress, 0, len(t.transfers))
	for _, progress := range t.transfers {
		result = append(result, *progress)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Print writes a one-line summary per transfer.
func (t *Tracker) Print(w io.Writer) {
	all := t.All()
	if len(all) == 0 {
		fmt.Fprintln(w, "No active transfers")
		return
	}
	for _, p := range all {
		fmt.Fprintln(w, p.String())
	}
}

func (p Progress) String() string {
	msg := fmt.Sprintf("%s [%s] %s", p.Name, p.State, humanize.IBytes(uint64(p.BytesDone)))
	if p.TotalBytes >= 0 {
		msg += " / " + humanize.IBytes(uint64(p.TotalBytes))
	}
	if p.Speed > 0 {
		msg += fmt.Sprintf(" %s/s", humanize.IBytes(uint64(p.Speed)))
	}
	if p.EstimatedTime > 0 {
		msg += " ETA " + p.EstimatedTime.Round(time.Second).String()
	}
	if p.Err != nil {
		msg += ": " + p.Err.Error()
	}
	return msg
}
