// Package metadata implements the broker's in-memory view of cluster
// config, sessions, connections, users, topics, and retained messages
// (spec component C2). Every table is sharded the way the keep-alive
// sweeper shards its heartbeat map, trading a little memory for far less
// lock contention than one global mutex would cause under many
// connections.
package metadata

import (
	"hash/fnv"
	"sync"
	"time"
)

const defaultShardCount = 32

// shard holds one partition of a sharded map, guarded by its own lock so
// unrelated keys never contend.
type shard[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

// shardedMap is a fixed-size set of shards keyed by an fnv hash of the map
// key, generalizing the single client session map the teacher library
// keeps (one map guarded by one mutex) to a cluster-wide cache sharded for
// concurrent access from many connection goroutines at once.
type shardedMap[V any] struct {
	shards []*shard[V]
}

func newShardedMap[V any](n int) *shardedMap[V] {
	sm := &shardedMap[V]{shards: make([]*shard[V], n)}
	for i := range sm.shards {
		sm.shards[i] = &shard[V]{m: make(map[string]V)}
	}
	return sm
}

func (sm *shardedMap[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return sm.shards[h.Sum32()%uint32(len(sm.shards))]
}

func (sm *shardedMap[V]) Get(key string) (V, bool) {
	s := sm.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

func (sm *shardedMap[V]) Put(key string, v V) {
	s := sm.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = v
}

func (sm *shardedMap[V]) Delete(key string) {
	s := sm.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

// Range calls fn for every entry across all shards. fn must not call back
// into the shardedMap; Range holds each shard's read lock only for the
// duration of its own iteration.
func (sm *shardedMap[V]) Range(fn func(key string, v V)) {
	for _, s := range sm.shards {
		s.mu.RLock()
		for k, v := range s.m {
			fn(k, v)
		}
		s.mu.RUnlock()
	}
}

func (sm *shardedMap[V]) Len() int {
	n := 0
	for _, s := range sm.shards {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// Session is broker-side client session state, independent of any one
// live connection.
type Session struct {
	ClientID         string
	ConnectionID     string // empty when the client is offline
	CleanStart       bool
	ExpiryInterval   uint32
	WillTopic        string
	WillPayload      []byte
	WillQoS          uint8
}

// Connection is a live transport-level connection's negotiated state.
type Connection struct {
	ConnectionID   string
	ClientID       string
	ProtocolVer    uint8 // 4 or 5
	MaxPacketSize  uint32
	KeepAliveSecs  uint16
	LastHeartbeat  time.Time
}

// ClusterConfig is the subset of cluster-wide configuration the delivery
// engine reads at runtime (spec.md §6 "Configuration options recognized").
type ClusterConfig struct {
	HeartbeatTimeoutMs   uint32
	HeartbeatCheckTimeMs uint32
	MaxPacketSize        uint32
	MaxQoS               uint8
	SecretFreeLogin      bool
}

// Cache is the metadata cache: sessions, connections, users, and cluster
// config, all safe for concurrent use from ingress handlers, the sweeper,
// and the pumps. The retained-message store lives in internal/message
// (RetainedStore) since pumps and C9 depend only on it, not on the rest of
// this cache, and keeping it separate avoids a needless import cycle
// between metadata and message.
type Cache struct {
	sessions    *shardedMap[Session]
	connections *shardedMap[Connection]

	cfgMu sync.RWMutex
	cfg   ClusterConfig
}

// NewCache builds an empty Cache with the given cluster configuration.
func NewCache(cfg ClusterConfig) *Cache {
	return &Cache{
		sessions:    newShardedMap[Session](defaultShardCount),
		connections: newShardedMap[Connection](defaultShardCount),
		cfg:         cfg,
	}
}

func (c *Cache) Config() ClusterConfig {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

func (c *Cache) SetConfig(cfg ClusterConfig) {
	c.cfgMu.Lock()
	defer c.cfgMu.Unlock()
	c.cfg = cfg
}

func (c *Cache) PutSession(s Session) {
	c.sessions.Put(s.ClientID, s)
}

func (c *Cache) GetSession(clientID string) (Session, bool) {
	return c.sessions.Get(clientID)
}

func (c *Cache) DeleteSession(clientID string) {
	c.sessions.Delete(clientID)
}

// RebindConnection updates a session's connection_id, the "last writer
// wins" rebinding spec.md §5 calls out for session maps under races (e.g.
// a client reconnecting while its old connection is still draining).
func (c *Cache) RebindConnection(clientID, connectionID string) {
	s, ok := c.sessions.Get(clientID)
	if !ok {
		s = Session{ClientID: clientID}
	}
	s.ConnectionID = connectionID
	c.sessions.Put(clientID, s)
}

func (c *Cache) PutConnection(conn Connection) {
	c.connections.Put(conn.ConnectionID, conn)
}

func (c *Cache) GetConnection(connectionID string) (Connection, bool) {
	return c.connections.Get(connectionID)
}

func (c *Cache) DeleteConnection(connectionID string) {
	c.connections.Delete(connectionID)
}

// Touch updates a connection's last-heartbeat-at, failing silently (a
// no-op) if the connection is already gone. Per invariant 5, last_seen is
// never moved backwards; a stale heartbeat racing a newer one loses.
func (c *Cache) Touch(connectionID string, at time.Time) {
	conn, ok := c.connections.Get(connectionID)
	if !ok {
		return
	}
	if at.Before(conn.LastHeartbeat) {
		return
	}
	conn.LastHeartbeat = at
	c.connections.Put(connectionID, conn)
}

// ConnectionID resolves a client's current connection_id, for pumps that
// need to turn a Subscriber's client_id into a connmgr.Send target. It
// reports false if the client has no session or is currently offline.
func (c *Cache) ConnectionID(clientID string) (string, bool) {
	s, ok := c.GetSession(clientID)
	if !ok || s.ConnectionID == "" {
		return "", false
	}
	return s.ConnectionID, true
}

// RangeConnections calls fn for every live connection. Used by the
// keep-alive sweeper's per-shard scan.
func (c *Cache) RangeConnections(fn func(Connection)) {
	c.connections.Range(func(_ string, conn Connection) { fn(conn) })
}

// ConnectionCount reports how many connections are currently tracked.
func (c *Cache) ConnectionCount() int {
	return c.connections.Len()
}
