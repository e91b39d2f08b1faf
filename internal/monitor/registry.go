package monitor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"topup-ladder/internal/core"
	"topup-ladder/internal/ladder"
)

// Entry is one tracked ladder.
type Entry struct {
	LadderID     string
	Symbol       string
	Side         core.Side
	Magic        int64
	AnchorTicket string
	// Pending holds the order ids submitted for the ladder's top-up rungs.
	Pending []string
	State   core.LadderState
	// MatchByMagic makes every order and position carrying Magic belong to
	// the ladder. Set for ladders rebuilt from terminal state, whose order
	// ids are not known up front.
	MatchByMagic bool
	RegisteredAt time.Time
	LostAt       time.Time
}

func (e Entry) clone() Entry {
	e.Pending = append([]string(nil), e.Pending...)
	return e
}

// Registry maps ladder ids to entries.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Add registers entries as ACTIVE unless they carry a state already.
func (r *Registry) Add(entries ...Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.LadderID == "" {
			return errors.New("ladder id required")
		}
		_, dup := seen[e.LadderID]
		if _, ok := r.entries[e.LadderID]; ok || dup {
			return fmt.Errorf("ladder %s already registered", e.LadderID)
		}
		seen[e.LadderID] = struct{}{}
	}
	for _, e := range entries {
		if e.State == "" {
			e.State = core.LadderActive
		}
		r.entries[e.LadderID] = e.clone()
	}
	return nil
}

func (r *Registry) update(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.LadderID]; ok {
		r.entries[e.LadderID] = e.clone()
	}
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	return e.clone(), ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns copies of all entries ordered by symbol and ladder id.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.clone())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].LadderID < out[j].LadderID
	})
	return out
}

// FromExecution builds entries for every ladder whose market order was
// accepted. A ladder without an anchor has no pending orders to watch.
func FromExecution(report ladder.ExecutionReport, now time.Time) []Entry {
	out := make([]Entry, 0, len(report.Ladders))
	for _, l := range report.Ladders {
		if !l.Anchored() {
			continue
		}
		out = append(out, Entry{
			LadderID:     l.Plan.LadderID,
			Symbol:       l.Plan.Symbol,
			Side:         l.Plan.Side,
			Magic:        l.Plan.Magic,
			AnchorTicket: l.AnchorTicket,
			Pending:      l.PendingIDs(),
			State:        core.LadderActive,
			RegisteredAt: now,
		})
	}
	return out
}
