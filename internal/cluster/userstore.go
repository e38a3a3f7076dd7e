// Package cluster stands in for the placement center: the external,
// Raft-replicated control plane spec.md's overview places out of scope for
// the delivery engine itself but whose contract (durable user records, a
// replicated log for cluster mutations) this broker still needs something
// concrete to talk to.
package cluster

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// User is a persisted MQTT account record.
type User struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	IsSuperuser bool   `json:"is_superuser"`
}

var usersBucket = []byte("mqtt_users")

// UserStore persists User records under keys of the form
// "/cluster/<name>/mqtt/user/<username>", matching the placement center's
// key layout so an admin tool enumerating by prefix sees the same shape
// regardless of which store answered it.
type UserStore struct {
	db      *bolt.DB
	cluster string
}

// OpenUserStore opens (creating if absent) a bbolt-backed user store
// scoped to the given cluster name.
func OpenUserStore(path, cluster string) (*UserStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("cluster: open user store at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(usersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cluster: init user bucket: %w", err)
	}
	return &UserStore{db: db, cluster: cluster}, nil
}

// Close releases the underlying database file.
func (s *UserStore) Close() error {
	return s.db.Close()
}

func (s *UserStore) key(username string) []byte {
	return []byte(fmt.Sprintf("/cluster/%s/mqtt/user/%s", s.cluster, username))
}

func (s *UserStore) prefix() []byte {
	return []byte(fmt.Sprintf("/cluster/%s/mqtt/user/", s.cluster))
}

// Save creates or overwrites a user record.
func (s *UserStore) Save(u User) error {
	body, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("cluster: marshal user %q: %w", u.Username, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(usersBucket).Put(s.key(u.Username), body)
	})
}

// Get looks up a user by name. The bool return is false, with a nil error,
// when the user simply does not exist — unknown-user is not itself an
// error condition for this store, matching how the authentication layer
// distinguishes "no such user" from a genuine backend failure.
func (s *UserStore) Get(username string) (*User, bool, error) {
	var u User
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(usersBucket).Get(s.key(username))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &u)
	})
	if err != nil {
		return nil, false, fmt.Errorf("cluster: get user %q: %w", username, err)
	}
	if !found {
		return nil, false, nil
	}
	return &u, true, nil
}

// List returns every user in the cluster, for admin enumeration.
func (s *UserStore) List() ([]User, error) {
	var out []User
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(usersBucket).Cursor()
		prefix := s.prefix()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var u User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			out = append(out, u)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cluster: list users: %w", err)
	}
	return out, nil
}

// Delete removes a user record. Deleting a user that does not exist is a
// no-op.
func (s *UserStore) Delete(username string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(usersBucket).Delete(s.key(username))
	})
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
