// Package offline keeps mutations made while disconnected and replays them
// once a connection is back.
//
// The queue is a bbolt file owned by one client. Keys are big-endian local
// sequence numbers, so cursor order is enqueue order and the bucket's
// sequence keeps increasing across restarts.
package offline

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/roach88/sheetsync/internal/grid"
)

var pendingBucket = []byte("pending")

// PendingMutation is a cell write that has not been acknowledged by the
// server yet.
type PendingMutation struct {
	DocumentID      string       `json:"documentId"`
	Row             int          `json:"row"`
	Col             int          `json:"col"`
	RawValue        string       `json:"rawValue"`
	Format          *grid.Format `json:"format,omitempty"`
	ClientTimestamp time.Time    `json:"clientTimestamp"`
	LocalSequence   uint64       `json:"localSequence"`
}

// Queue is a durable FIFO of pending mutations.
//
// Safe for concurrent use; bbolt serializes writers.
type Queue struct {
	db  *bolt.DB
	now func() time.Time
}

// Open opens or creates the queue file at path. A second process holding
// the file makes Open fail after a short wait instead of blocking forever.
func Open(path string) (*Queue, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open offline queue %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pendingBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create pending bucket: %w", err)
	}
	return &Queue{db: db, now: time.Now}, nil
}

// Close releases the file.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Path returns the queue file location.
func (q *Queue) Path() string {
	return q.db.Path()
}

// Enqueue stores m and returns its local sequence, which is strictly
// greater than every sequence handed out before on this file. A zero
// ClientTimestamp is set to the current time.
func (q *Queue) Enqueue(m PendingMutation) (uint64, error) {
	if m.ClientTimestamp.IsZero() {
		m.ClientTimestamp = q.now().UTC()
	}
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		m.LocalSequence = seq
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), data)
	})
	if err != nil {
		return 0, fmt.Errorf("enqueue pending mutation: %w", err)
	}
	return m.LocalSequence, nil
}

// Drain returns every pending mutation, oldest first. Entries stay queued
// until acknowledged.
func (q *Queue) Drain() ([]PendingMutation, error) {
	var out []PendingMutation
	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(pendingBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var m PendingMutation
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain offline queue: %w", err)
	}
	return out, nil
}

// Ack removes an acknowledged entry. Acking an unknown sequence is a no-op.
func (q *Queue) Ack(seq uint64) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).Delete(seqKey(seq))
	})
	if err != nil {
		return fmt.Errorf("ack %d: %w", seq, err)
	}
	return nil
}

// Len returns the number of pending entries.
func (q *Queue) Len() (int, error) {
	var n int
	err := q.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(pendingBucket).Stats().KeyN
		return nil
	})
	return n, err
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
