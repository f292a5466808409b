package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

const (
	bucketRequests      = "requests"
	bucketAccountTotals = "account_totals"
)

// requestRecord is one dispatch attempt as persisted for the admin log.
type requestRecord struct {
	ReqID      string    `json:"req_id"`
	Account    int       `json:"account"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMS int64     `json:"duration_ms"`
	Attempt    int       `json:"attempt"`
	Error      string    `json:"error,omitempty"`
}

type accountTotals struct {
	Requests int64 `json:"requests"`
	Failures int64 `json:"failures"`
}

// requestStore keeps the per-attempt dispatch log and per-account aggregates
// in bbolt. Old attempts are pruned lazily, at most once an hour. The prune
// deadline is atomic because record runs from concurrent dispatches.
type requestStore struct {
	db        *bbolt.DB
	retention time.Duration
	nextPrune atomic.Int64 // unix nanos
}

func newRequestStore(path string, retentionDays int) (*requestStore, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists([]byte(bucketRequests)); e != nil {
			return e
		}
		if _, e := tx.CreateBucketIfNotExists([]byte(bucketAccountTotals)); e != nil {
			return e
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	s := &requestStore{db: db, retention: time.Duration(retentionDays) * 24 * time.Hour}
	s.nextPrune.Store(time.Now().Add(1 * time.Hour).UnixNano())
	return s, nil
}

func (s *requestStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *requestStore) record(rec requestRecord) error {
	if s == nil || s.db == nil {
		return nil
	}
	key := fmt.Sprintf("%020d|%s|%d", rec.Timestamp.UnixNano(), rec.ReqID, rec.Attempt)
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(bucketRequests)).Put([]byte(key), val); err != nil {
			return err
		}
		b := tx.Bucket([]byte(bucketAccountTotals))
		accKey := []byte(strconv.Itoa(rec.Account))
		var agg accountTotals
		if raw := b.Get(accKey); raw != nil {
			_ = json.Unmarshal(raw, &agg)
		}
		agg.Requests++
		if rec.Error != "" {
			agg.Failures++
		}
		enc, err := json.Marshal(&agg)
		if err != nil {
			return err
		}
		return b.Put(accKey, enc)
	})
	if err != nil {
		return err
	}
	if time.Now().UnixNano() > s.nextPrune.Load() {
		s.prune()
	}
	return nil
}

// recent returns up to n of the newest records, newest first.
func (s *requestStore) recent(n int) ([]requestRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	out := make([]requestRecord, 0, n)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketRequests)).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			var rec requestRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (s *requestStore) totals() (map[int]accountTotals, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	out := make(map[int]accountTotals)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketAccountTotals)).ForEach(func(k, v []byte) error {
			idx, err := strconv.Atoi(string(k))
			if err != nil {
				return nil
			}
			var agg accountTotals
			if err := json.Unmarshal(v, &agg); err != nil {
				return nil
			}
			out[idx] = agg
			return nil
		})
	})
	return out, err
}

func (s *requestStore) prune() {
	cutoff := time.Now().Add(-s.retention)
	_ = s.db.Update(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucketRequests)).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			ts, err := timeFromKey(string(k))
			if err != nil {
				continue
			}
			if !ts.Before(cutoff) {
				// keys are time-ordered; everything past here is fresh
				break
			}
			_ = c.Delete()
		}
		return nil
	})
	s.nextPrune.Store(time.Now().Add(1 * time.Hour).UnixNano())
}

func timeFromKey(key string) (time.Time, error) {
	part, _, ok := strings.Cut(key, "|")
	if !ok {
		return time.Time{}, fmt.Errorf("malformed key %q", key)
	}
	n, err := strconv.ParseInt(part, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n), nil
}
