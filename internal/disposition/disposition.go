// Package disposition tracks the action a user attached to each grouped record.
package disposition

import (
	"fmt"
	"sort"
	"sync"

	"pixmatch/internal/models"
)

// next is the cycle order: none -> delete -> ignore -> none.
var next = map[models.Disposition]models.Disposition{
	models.None:   models.Delete,
	models.Delete: models.Ignore,
	models.Ignore: models.None,
}

// Next returns the state after d in the cycle, ignoring guards.
func Next(d models.Disposition) models.Disposition {
	if n, ok := next[d]; ok {
		return n
	}
	return models.None
}

// InvalidDispositionError is returned when a source cannot hold a disposition.
// The tracked state is left unchanged.
type InvalidDispositionError struct {
	Source      models.ImageSource
	Disposition models.Disposition
	Reason      string
}

func (e *InvalidDispositionError) Error() string {
	return fmt.Sprintf("cannot mark %s as %s: %s", e.Source, e.Disposition, e.Reason)
}

// CanHold reports whether src may take disposition d.
func CanHold(src models.ImageSource, d models.Disposition) error {
	if _, ok := next[d]; !ok {
		return &InvalidDispositionError{Source: src, Disposition: d, Reason: "unknown disposition"}
	}
	if d == models.Delete && src.ReadOnly() {
		return &InvalidDispositionError{Source: src, Disposition: d, Reason: "source is inside an archive"}
	}
	return nil
}

// Tracker holds dispositions by source key. Absent keys are None.
// It is safe for concurrent use.
type Tracker struct {
	mu    sync.RWMutex
	state map[string]models.Disposition
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{state: make(map[string]models.Disposition)}
}

// Get returns the disposition of key.
func (t *Tracker) Get(key string) models.Disposition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state[key]
}

func (t *Tracker) put(key string, d models.Disposition) {
	if d == models.None {
		delete(t.state, key)
		return
	}
	t.state[key] = d
}

// Cycle advances src to the next state. If that state is not allowed for src
// the call fails and nothing changes.
func (t *Tracker) Cycle(src models.ImageSource) (models.Disposition, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.state[src.Key()]
	n := Next(cur)
	if err := CanHold(src, n); err != nil {
		return cur, err
	}
	t.put(src.Key(), n)
	return n, nil
}

// CycleEligible advances src to the next state it is allowed to hold,
// skipping guarded ones. For an archive entry this toggles None and Ignore.
func (t *Tracker) CycleEligible(src models.ImageSource) models.Disposition {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.state[src.Key()]
	n := Next(cur)
	for CanHold(src, n) != nil {
		n = Next(n)
	}
	t.put(src.Key(), n)
	return n
}

// Set assigns d to src directly.
func (t *Tracker) Set(src models.ImageSource, d models.Disposition) error {
	if err := CanHold(src, d); err != nil {
		return err
	}
	t.mu.Lock()
	t.put(src.Key(), d)
	t.mu.Unlock()
	return nil
}

// Reset returns the given keys to None.
func (t *Tracker) Reset(keys ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range keys {
		delete(t.state, k)
	}
}

// Retain drops every disposition whose key is not in keep.
func (t *Tracker) Retain(keep map[string]int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.state {
		if _, ok := keep[k]; !ok {
			delete(t.state, k)
		}
	}
}

// Marked returns the sorted keys currently holding d. None is not tracked
// and always yields nothing.
func (t *Tracker) Marked(d models.Disposition) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var keys []string
	for k, v := range t.state {
		if v == d && d != models.None {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Plan returns the records marked Delete that may actually be deleted,
// ordered by key.
func (t *Tracker) Plan(records []*models.ImageRecord) []*models.ImageRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*models.ImageRecord
	for _, r := range records {
		if t.state[r.Key()] == models.Delete && !r.Source.ReadOnly() {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key() < out[j].Key()
	})
	return out
}
