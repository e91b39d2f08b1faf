package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"topup-ladder/internal/core"
	"topup-ladder/internal/ladder"
)

var (
	plansBucket       = []byte("plans")
	executionsBucket  = []byte("executions")
	transitionsBucket = []byte("transitions")
)

// Journal is an append-only audit trail of plans, execution outcomes and
// ladder state changes. Nothing reads it back to drive trading.
type Journal struct {
	db  *bolt.DB
	now func() time.Time
}

type PlanRecord struct {
	Seq  uint64         `json:"seq"`
	At   time.Time      `json:"at"`
	Plan core.OrderPlan `json:"plan"`
}

type RungOutcome struct {
	Rung    int    `json:"rung"`
	OrderID string `json:"order_id,omitempty"`
	Volume  string `json:"volume,omitempty"`
	Error   string `json:"error,omitempty"`
}

type ExecutionRecord struct {
	Seq          uint64        `json:"seq"`
	At           time.Time     `json:"at"`
	LadderID     string        `json:"ladder_id"`
	Side         core.Side     `json:"side"`
	AnchorTicket string        `json:"anchor_ticket,omitempty"`
	Skipped      int           `json:"skipped,omitempty"`
	Rungs        []RungOutcome `json:"rungs"`
}

type TransitionRecord struct {
	Seq      uint64           `json:"seq"`
	At       time.Time        `json:"at"`
	LadderID string           `json:"ladder_id"`
	From     core.LadderState `json:"from"`
	To       core.LadderState `json:"to"`
	Detail   string           `json:"detail,omitempty"`
}

func OpenJournal(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir journal path: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{plansBucket, executionsBucket, transitionsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Journal{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *Journal) RecordPlan(plan core.OrderPlan) error {
	return j.append(plansBucket, func(seq uint64, at time.Time) any {
		return PlanRecord{Seq: seq, At: at, Plan: plan}
	})
}

// RecordExecution stores one record per ladder in the report.
func (j *Journal) RecordExecution(report ladder.ExecutionReport) error {
	failures := make(map[string]map[int]string)
	for _, f := range report.Failures {
		if failures[f.LadderID] == nil {
			failures[f.LadderID] = make(map[int]string)
		}
		failures[f.LadderID][f.Rung] = f.Err.Error()
	}
	var errs []error
	for _, l := range report.Ladders {
		rec := ExecutionRecord{
			LadderID:     l.Plan.LadderID,
			Side:         l.Plan.Side,
			AnchorTicket: l.AnchorTicket,
			Skipped:      l.Skipped,
		}
		if l.Anchored() {
			rec.Rungs = append(rec.Rungs, RungOutcome{Rung: 0, OrderID: l.AnchorTicket})
		} else if msg, ok := failures[rec.LadderID][0]; ok {
			rec.Rungs = append(rec.Rungs, RungOutcome{Rung: 0, Error: msg})
		}
		for _, s := range l.Pending {
			rec.Rungs = append(rec.Rungs, RungOutcome{Rung: s.Rung, OrderID: s.OrderID, Volume: s.Volume.String()})
		}
		for _, rung := range l.Plan.Pending {
			if msg, ok := failures[rec.LadderID][rung.Index]; ok {
				rec.Rungs = append(rec.Rungs, RungOutcome{Rung: rung.Index, Error: msg})
			}
		}
		errs = append(errs, j.append(executionsBucket, func(seq uint64, at time.Time) any {
			rec.Seq, rec.At = seq, at
			return rec
		}))
	}
	return errors.Join(errs...)
}

// RecordTransition satisfies the monitor's journal hook.
func (j *Journal) RecordTransition(ladderID string, from, to core.LadderState, detail string) error {
	return j.append(transitionsBucket, func(seq uint64, at time.Time) any {
		return TransitionRecord{Seq: seq, At: at, LadderID: ladderID, From: from, To: to, Detail: detail}
	})
}

// Transitions lists recorded state changes, optionally for one ladder.
func (j *Journal) Transitions(ladderID string) ([]TransitionRecord, error) {
	var out []TransitionRecord
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(transitionsBucket).ForEach(func(k, v []byte) error {
			var rec TransitionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if ladderID == "" || rec.LadderID == ladderID {
				out = append(out, rec)
			}
			return nil
		})
	})
	return out, err
}

func (j *Journal) Executions() ([]ExecutionRecord, error) {
	var out []ExecutionRecord
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(executionsBucket).ForEach(func(k, v []byte) error {
			var rec ExecutionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func (j *Journal) Plans() ([]PlanRecord, error) {
	var out []PlanRecord
	err := j.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(plansBucket).ForEach(func(k, v []byte) error {
			var rec PlanRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// append stores a record under the bucket's next sequence number. Keys are
// big-endian so cursor order is insertion order.
func (j *Journal) append(bucket []byte, build func(seq uint64, at time.Time) any) error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(build(seq, j.now()))
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}
