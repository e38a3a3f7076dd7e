package cluster

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Node wraps a single hashicorp/raft instance replicating the FSM in this
// package. A real placement center runs this across several voters; a
// single broker process in development/test mode bootstraps itself as the
// lone voter, which is enough to exercise the replicated-apply path end to
// end without standing up a separate cluster.
type Node struct {
	Raft *raft.Raft
	FSM  *FSM
}

// NodeConfig names the on-disk locations the raft instance needs and the
// address it advertises for (future) peer transport.
type NodeConfig struct {
	DataDir  string
	NodeID   string
	BindAddr string
}

// Bootstrap starts a single-voter raft node backed by bolt-backed log and
// stable stores, bootstrapping a fresh cluster if DataDir has no existing
// raft state.
func Bootstrap(cfg NodeConfig, fsm *FSM) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("cluster: create data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("cluster: open raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("cluster: open raft stable store: %w", err)
	}
	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("cluster: open snapshot store: %w", err)
	}

	// advertise nil: NewTCPTransport resolves the advertised address from
	// the bound listener itself, which also lets BindAddr use port 0 in
	// tests.
	transport, err := raft.NewTCPTransport(cfg.BindAddr, nil, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("cluster: create transport: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("cluster: start raft: %w", err)
	}

	hasState, err := raft.HasExistingState(logStore, stableStore, snapshots)
	if err != nil {
		return nil, fmt.Errorf("cluster: check existing raft state: %w", err)
	}
	if !hasState {
		future := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
		})
		if err := future.Error(); err != nil {
			return nil, fmt.Errorf("cluster: bootstrap cluster: %w", err)
		}
	}

	return &Node{Raft: r, FSM: fsm}, nil
}

// ApplyMutation replicates a mutation through raft, blocking until it
// commits (or the timeout elapses) and returning any error the FSM's
// Apply returned.
func (n *Node) ApplyMutation(m Mutation, timeout time.Duration) error {
	body, err := EncodeMutation(m)
	if err != nil {
		return fmt.Errorf("cluster: encode mutation: %w", err)
	}
	future := n.Raft.Apply(body, timeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("cluster: apply mutation: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok {
			return fmt.Errorf("cluster: fsm rejected mutation: %w", err)
		}
	}
	return nil
}

// IsLeader reports whether this node currently holds raft leadership.
func (n *Node) IsLeader() bool {
	return n.Raft.State() == raft.Leader
}

// Shutdown stops the raft instance, waiting for it to finish.
func (n *Node) Shutdown() error {
	return n.Raft.Shutdown().Error()
}
