// Package statecache is a small BoltDB-backed cache of reconcile and
// host state. cmd/revpctl records each host observer's state here; the
// reconciler neither reads nor writes the reconcile-state bucket, and
// nothing reads the cache back at startup.
package statecache

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/snadboy/revpctl/internal/model"
)

var (
	bucketReconcileState = []byte("reconcile_state")
	bucketHostState      = []byte("host_state")
)

// ReconcileRecord is the last-known-good state of one domain's Intent,
// enough to recognize "nothing changed" across a restart without
// waiting for a full sweep.
type ReconcileRecord struct {
	Domain   string    `json:"domain"`
	Revision string    `json:"revision"`
	Degraded bool      `json:"degraded"`
	AppliedAt time.Time `json:"applied_at"`
}

// HostRecord is the last-known state of one host's observer.
type HostRecord struct {
	Alias    string         `json:"alias"`
	State    model.HostState `json:"state"`
	LastSeen time.Time      `json:"last_seen"`
}

// Cache wraps a BoltDB database for revpctl's restart-equivalence state.
type Cache struct {
	db *bolt.DB
}

// Open creates or opens the BoltDB database at path and ensures both
// buckets exist.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("statecache: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketReconcileState, bucketHostState} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("statecache: create buckets: %w", err)
	}

	return &Cache{db: db}, nil
}

// Close closes the underlying BoltDB.
func (c *Cache) Close() error {
	return c.db.Close()
}

// PutReconcileState records the last-applied state of one domain.
func (c *Cache) PutReconcileState(rec ReconcileRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("statecache: marshal reconcile record: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReconcileState).Put([]byte(rec.Domain), data)
	})
}

// GetReconcileState returns the last-recorded state for domain, if any.
func (c *Cache) GetReconcileState(domain string) (ReconcileRecord, bool, error) {
	var rec ReconcileRecord
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketReconcileState).Get([]byte(domain))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return ReconcileRecord{}, false, fmt.Errorf("statecache: read reconcile state %s: %w", domain, err)
	}
	return rec, found, nil
}

// AllReconcileState returns every recorded domain state.
func (c *Cache) AllReconcileState() ([]ReconcileRecord, error) {
	var recs []ReconcileRecord
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReconcileState).ForEach(func(_, v []byte) error {
			var rec ReconcileRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("statecache: list reconcile state: %w", err)
	}
	return recs, nil
}

// DeleteReconcileState removes a domain's recorded state.
func (c *Cache) DeleteReconcileState(domain string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReconcileState).Delete([]byte(domain))
	})
}

// PutHostState records the last-known connection state of one host.
func (c *Cache) PutHostState(rec HostRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("statecache: marshal host record: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHostState).Put([]byte(rec.Alias), data)
	})
}

// GetHostState returns the last-recorded state for a host alias, if any.
func (c *Cache) GetHostState(alias string) (HostRecord, bool, error) {
	var rec HostRecord
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHostState).Get([]byte(alias))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return HostRecord{}, false, fmt.Errorf("statecache: read host state %s: %w", alias, err)
	}
	return rec, found, nil
}
