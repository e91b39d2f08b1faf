// Package store keeps the bot's on-disk state: the runtime status file,
// the last submitted plans, the bbolt journal and the single-instance lock.
package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"topup-ladder/internal/core"
)

// LadderStatus is one monitored ladder as shown in the status file.
type LadderStatus struct {
	LadderID     string           `json:"ladder_id"`
	Side         core.Side        `json:"side"`
	Magic        int64            `json:"magic"`
	State        core.LadderState `json:"state"`
	AnchorTicket string           `json:"anchor_ticket,omitempty"`
	Pending      int              `json:"pending"`
}

type RuntimeStatus struct {
	Mode         string         `json:"mode"`
	Symbol       string         `json:"symbol"`
	InstanceID   string         `json:"instance_id"`
	PID          int            `json:"pid"`
	State        string         `json:"state"`
	StartedAt    time.Time      `json:"started_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastError    string         `json:"last_error,omitempty"`
	Ladders      []LadderStatus `json:"ladders"`
	Retired      int            `json:"retired"`
	LastPollAt   *time.Time     `json:"last_poll_at,omitempty"`
	PollFailures int            `json:"poll_failures,omitempty"`
}

// PlanSnapshot is the set of plans last handed to the executor.
type PlanSnapshot struct {
	Plans     []core.OrderPlan `json:"plans"`
	DryRun    bool             `json:"dry_run"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type Store struct {
	root string
	mu   sync.Mutex
}

func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("state dir required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	if status.Ladders == nil {
		status.Ladders = make([]LadderStatus, 0)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.runtimeStatusPath(), status)
}

func (s *Store) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	var status RuntimeStatus
	ok, err := readJSON(s.runtimeStatusPath(), &status)
	return status, ok, err
}

func (s *Store) SavePlans(plans []core.OrderPlan, dryRun bool) error {
	snap := PlanSnapshot{Plans: plans, DryRun: dryRun, UpdatedAt: time.Now().UTC()}
	if snap.Plans == nil {
		snap.Plans = make([]core.OrderPlan, 0)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.plansPath(), snap)
}

func (s *Store) LoadPlans() (PlanSnapshot, bool, error) {
	var snap PlanSnapshot
	ok, err := readJSON(s.plansPath(), &snap)
	return snap, ok, err
}

func (s *Store) JournalPath() string {
	return filepath.Join(s.root, "journal.db")
}

func (s *Store) plansPath() string {
	return filepath.Join(s.root, "plans.json")
}

func (s *Store) runtimeStatusPath() string {
	return filepath.Join(s.root, "runtime_status.json")
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	fsyncDirBestEffort(dir, path)
	return nil
}

// fsyncDirBestEffort makes the rename durable where the platform allows it.
func fsyncDirBestEffort(dir, path string) {
	d, err := os.Open(dir)
	if err != nil {
		log.Warn().Err(err).Str("event", "store_dir_fsync_skipped").Str("dir", dir).Str("target", path).Msg("directory fsync skipped")
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.Warn().Err(err).Str("event", "store_dir_fsync_failed").Str("dir", dir).Str("target", path).Msg("directory fsync failed")
	}
}
