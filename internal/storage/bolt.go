package storage

import (
	"bytes"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// BoltAdapter persists topic logs and group offsets in a bbolt database
// file, giving the broker a durable log without an external dependency to
// stand up. Each topic gets its own bucket under "topics/<topic_id>"
// keyed by big-endian offset bytes; committed offsets live in a single
// "offsets" bucket keyed by "<topic_id>\x00<group_id>".
type BoltAdapter struct {
	db *bolt.DB
}

var (
	topicsBucket  = []byte("topics")
	offsetsBucket = []byte("offsets")
)

// OpenBoltAdapter opens (creating if absent) a bbolt database at path.
func OpenBoltAdapter(path string) (*BoltAdapter, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open bbolt at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(topicsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(offsetsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init buckets: %w", err)
	}
	return &BoltAdapter{db: db}, nil
}

// Close releases the underlying database file.
func (a *BoltAdapter) Close() error {
	return a.db.Close()
}

func (a *BoltAdapter) Append(topicID string, payloads [][]byte) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		topics := tx.Bucket(topicsBucket)
		b, err := topics.CreateBucketIfNotExists([]byte(topicID))
		if err != nil {
			return err
		}

		n := uint64(1)
		if k, _ := b.Cursor().Last(); k != nil {
			n = OffsetFromBytes(k).v.Uint64() + 1
		}

		for _, p := range payloads {
			key := OffsetFromUint64(n).Bytes()
			if err := b.Put(key, p); err != nil {
				return err
			}
			n++
		}
		return nil
	})
}

func (a *BoltAdapter) Read(topicID, groupID string, n int) ([]Record, error) {
	var out []Record
	err := a.db.View(func(tx *bolt.Tx) error {
		topics := tx.Bucket(topicsBucket)
		b := topics.Bucket([]byte(topicID))
		if b == nil {
			return nil
		}

		committed, err := a.committedLocked(tx, topicID, groupID)
		if err != nil {
			return err
		}

		c := b.Cursor()
		// Seek to the first key strictly greater than committed.
		seekKey := committed.Bytes()
		k, v := c.Seek(seekKey)
		if k != nil && bytes.Equal(k, seekKey) {
			k, v = c.Next()
		}
		for ; k != nil && len(out) < n; k, v = c.Next() {
			data := make([]byte, len(v))
			copy(data, v)
			out = append(out, Record{Offset: OffsetFromBytes(k), Data: data})
		}
		return nil
	})
	return out, err
}

func (a *BoltAdapter) committedLocked(tx *bolt.Tx, topicID, groupID string) (Offset, error) {
	offsets := tx.Bucket(offsetsBucket)
	v := offsets.Get([]byte(groupKey(topicID, groupID)))
	if v == nil {
		return ZeroOffset(), nil
	}
	return OffsetFromBytes(v), nil
}

func (a *BoltAdapter) CommitGroupOffset(topicID, groupID string, offset Offset) error {
	return a.db.Update(func(tx *bolt.Tx) error {
		offsets := tx.Bucket(offsetsBucket)
		key := []byte(groupKey(topicID, groupID))
		cur := offsets.Get(key)
		if cur != nil && bytes.Compare(offset.Bytes(), cur) <= 0 {
			return nil
		}
		return offsets.Put(key, offset.Bytes())
	})
}

func (a *BoltAdapter) CommittedOffset(topicID, groupID string) (Offset, error) {
	var out Offset
	err := a.db.View(func(tx *bolt.Tx) error {
		o, err := a.committedLocked(tx, topicID, groupID)
		out = o
		return err
	})
	return out, err
}
