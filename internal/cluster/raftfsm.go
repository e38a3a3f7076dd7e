package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// mutationKind tags a replicated command so the FSM knows which table it
// touches. The full placement center replicates far more than user
// records; this stand-in replicates exactly what the delivery engine reads
// through internal/metadata: users and retained-message clears.
type mutationKind string

const (
	mutationSaveUser     mutationKind = "save_user"
	mutationDeleteUser   mutationKind = "delete_user"
	mutationClearRetain  mutationKind = "clear_retain"
)

// Mutation is the payload raft.Apply replicates to every voter.
type Mutation struct {
	Kind  mutationKind `json:"kind"`
	User  *User        `json:"user,omitempty"`
	Topic string       `json:"topic,omitempty"`
}

// EncodeMutation serializes a Mutation for raft.Apply.
func EncodeMutation(m Mutation) ([]byte, error) {
	return json.Marshal(m)
}

// FSM is a minimal hashicorp/raft finite state machine replicating the
// subset of placement-center state this broker needs locally: the user
// table (mirrored into a UserStore) and retained-topic clears. It is not a
// general-purpose metadata store; internal/metadata owns the rest of the
// cache and is updated by the caller after Apply returns, not by the FSM
// itself, so Apply stays a pure replication step.
type FSM struct {
	mu    sync.Mutex
	users *UserStore

	// clearedRetain records topics whose retained message was cleared via
	// a replicated mutation, so a snapshot/restore round trip preserves
	// the intent even though the retained store itself lives in
	// internal/message and is rebuilt from this list on restore.
	clearedRetain map[string]struct{}
}

// NewFSM builds an FSM backed by the given UserStore for user mutations.
func NewFSM(users *UserStore) *FSM {
	return &FSM{users: users, clearedRetain: make(map[string]struct{})}
}

// Apply implements raft.FSM. It is invoked on every node once a log entry
// commits, in log order.
func (f *FSM) Apply(entry *raft.Log) interface{} {
	var m Mutation
	if err := json.Unmarshal(entry.Data, &m); err != nil {
		return fmt.Errorf("cluster: fsm apply: bad mutation at index %d: %w", entry.Index, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch m.Kind {
	case mutationSaveUser:
		if m.User == nil {
			return fmt.Errorf("cluster: fsm apply: save_user with nil user")
		}
		if err := f.users.Save(*m.User); err != nil {
			return err
		}
	case mutationDeleteUser:
		if m.User == nil {
			return fmt.Errorf("cluster: fsm apply: delete_user with nil user")
		}
		if err := f.users.Delete(m.User.Username); err != nil {
			return err
		}
	case mutationClearRetain:
		f.clearedRetain[m.Topic] = struct{}{}
	default:
		return fmt.Errorf("cluster: fsm apply: unknown mutation kind %q", m.Kind)
	}
	return nil
}

// fsmSnapshot is the serialized form persisted to the raft snapshot store.
type fsmSnapshot struct {
	Users         []User   `json:"users"`
	ClearedRetain []string `json:"cleared_retain"`
}

// Snapshot implements raft.FSM.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	users, err := f.users.List()
	if err != nil {
		return nil, fmt.Errorf("cluster: fsm snapshot: list users: %w", err)
	}
	cleared := make([]string, 0, len(f.clearedRetain))
	for topic := range f.clearedRetain {
		cleared = append(cleared, topic)
	}
	return &snapshotSink{fsmSnapshot{Users: users, ClearedRetain: cleared}}, nil
}

// Restore implements raft.FSM, replacing local state with a snapshot taken
// elsewhere in the cluster (used when a lagging follower catches up via
// snapshot instead of replaying the full log).
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("cluster: fsm restore: decode: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, u := range snap.Users {
		if err := f.users.Save(u); err != nil {
			return fmt.Errorf("cluster: fsm restore: save user %q: %w", u.Username, err)
		}
	}
	f.clearedRetain = make(map[string]struct{}, len(snap.ClearedRetain))
	for _, t := range snap.ClearedRetain {
		f.clearedRetain[t] = struct{}{}
	}
	return nil
}

type snapshotSink struct {
	data fsmSnapshot
}

func (s *snapshotSink) Persist(sink raft.SnapshotSink) error {
	enc := json.NewEncoder(sink)
	if err := enc.Encode(s.data); err != nil {
		sink.Cancel()
		return fmt.Errorf("cluster: persist snapshot: %w", err)
	}
	return sink.Close()
}

func (s *snapshotSink) Release() {}
