package subscribe

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
)

// ShareLeaderGroup is one entry of the share_leader_subscribe table: the
// ordered member list a shared-leader pump (C7) round-robins across.
// TopicID is the filter's path component (everything after
// "$share/<group>/"), which may itself carry wildcards — resolve it
// through MatchingTopics before using it as a storage topic key.
type ShareLeaderGroup struct {
	GroupName string
	TopicID   string
	TopicName string
	SubList   []Subscriber
}

// ShareLeaderKey deterministically names a shared group's delivery
// cursor: hash(group_name ⊕ topic_id). In a multi-node placement center
// this key maps to the node that owns the cursor; this broker runs as a
// single node, so LeaderResolver (see below) always answers "local".
func ShareLeaderKey(groupName, topicID string) string {
	h := fnv.New64a()
	h.Write([]byte(groupName))
	h.Write([]byte{0})
	h.Write([]byte(topicID))
	return fmt.Sprintf("%x", h.Sum64())
}

// LeaderResolver decides which node owns a shared group's delivery
// cursor. spec.md places cluster membership routing out of scope for the
// delivery engine; LocalLeaderResolver is the only implementation this
// repository ships, since it targets a single broker process, but the
// seam exists so a future multi-node resolver can slot in without
// touching Manager.
type LeaderResolver interface {
	// IsLocalLeader reports whether this node owns key's cursor.
	IsLocalLeader(key string) bool
}

// LocalLeaderResolver always answers true: every shared group is led by
// the node that receives its first SUBSCRIBE.
type LocalLeaderResolver struct{}

func (LocalLeaderResolver) IsLocalLeader(string) bool { return true }

// RemoteForwarder re-subscribes a follower's filter to the node that owns
// the shared group's leader, per spec.md §4.2's "forwards a re-subscribe
// to the leader via C-supplied client pool". No inter-node transport
// exists yet in this single-node broker; NoopForwarder documents the seam
// without pretending to implement cluster routing.
type RemoteForwarder interface {
	Forward(groupName, topicID string, sub Subscriber) error
}

// NoopForwarder is the only RemoteForwarder this repository ships.
type NoopForwarder struct{}

func (NoopForwarder) Forward(string, string, Subscriber) error { return nil }

// Manager holds the three subscription tables spec.md §3 names and
// implements the C3 operations pumps and ingress handlers call.
type Manager struct {
	resolver  LeaderResolver
	forwarder RemoteForwarder

	mu sync.RWMutex
	// topic_subscribe: topic_id -> sub_key -> Subscriber
	exclusive map[string]map[string]Subscriber
	// share_leader_subscribe: share_leader_key -> group
	shareLeader map[string]*ShareLeaderGroup
	// share_follower_resub: share_key -> Subscriber
	shareFollower map[string]Subscriber
	// topics is the set of concrete topic names ever published to, kept
	// so a wildcard filter can be resolved to the real topics it matches
	// (spec.md §3's topic_subscribe table is keyed by topic_id, not by
	// filter string; see MatchingTopics).
	topics map[string]struct{}
}

// NewManager builds an empty Manager. Pass LocalLeaderResolver{} and
// NoopForwarder{} for a single-node broker.
func NewManager(resolver LeaderResolver, forwarder RemoteForwarder) *Manager {
	return &Manager{
		resolver:      resolver,
		forwarder:     forwarder,
		exclusive:     make(map[string]map[string]Subscriber),
		shareLeader:   make(map[string]*ShareLeaderGroup),
		shareFollower: make(map[string]Subscriber),
		topics:        make(map[string]struct{}),
	}
}

// RegisterTopic records topicName as a concrete topic that has been
// published to at least once. The lifecycle GC calls MatchingTopics
// against this set to resolve a wildcard subscription filter to the real
// topic logs it should pump from; a filter containing no wildcard never
// needs this set, since it already names a concrete topic.
func (m *Manager) RegisterTopic(topicName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics[topicName] = struct{}{}
}

// MatchingTopics returns the concrete topics filter currently resolves
// to: filter itself, unchanged, when it carries no '+'/'#' wildcard (the
// common case, and the only case storage ever sees directly); otherwise
// every topic RegisterTopic has recorded that MatchTopic accepts. A
// wildcard filter with no matching topic yet published returns nil — the
// GC starts its pump(s) once a matching PUBLISH registers one.
func (m *Manager) MatchingTopics(filter string) []string {
	if !strings.ContainsAny(filter, "+#") {
		return []string{filter}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for t := range m.topics {
		if MatchTopic(filter, t) {
			out = append(out, t)
		}
	}
	return out
}

// FilterSpec is one filter from a SUBSCRIBE packet, prior to
// classification.
type FilterSpec struct {
	Filter            string
	QoS               uint8
	NoLocal           bool
	PreserveRetain    bool
	RetainForwardRule RetainForwardRule
	SubscriptionID    int
}

// ParseSubscribe classifies each filter in filters for clientID and
// inserts it into the appropriate table: exclusive, shared-leader (if
// this node owns the group), or shared-follower (forwarding to the owning
// node otherwise). topicID is the filter's concrete topic identifier —
// for a wildcard filter this is the filter path itself, since topic
// identity in this broker is the filter/topic string.
func (m *Manager) ParseSubscribe(protocol Protocol, clientID, topicName string, filters []FilterSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range filters {
		if err := ValidateFilter(f.Filter); err != nil {
			return fmt.Errorf("subscribe: invalid filter %q: %w", f.Filter, err)
		}

		shared, isShared := ParseSharedFilter(f.Filter)
		sub := Subscriber{
			ClientID:          clientID,
			SubscriptionID:    f.SubscriptionID,
			FilterPath:        f.Filter,
			QoS:               f.QoS,
			NoLocal:           f.NoLocal,
			PreserveRetain:    f.PreserveRetain,
			RetainForwardRule: f.RetainForwardRule,
			Protocol:          protocol,
			IsShare:           isShared,
		}

		if !isShared {
			topicID := f.Filter
			bucket, ok := m.exclusive[topicID]
			if !ok {
				bucket = make(map[string]Subscriber)
				m.exclusive[topicID] = bucket
			}
			bucket[sub.SubKey()] = sub
			continue
		}

		sub.GroupName = shared.GroupName
		topicID := shared.Path
		key := ShareLeaderKey(shared.GroupName, topicID)

		if m.resolver.IsLocalLeader(key) {
			g, ok := m.shareLeader[key]
			if !ok {
				g = &ShareLeaderGroup{GroupName: shared.GroupName, TopicID: topicID, TopicName: topicName}
				m.shareLeader[key] = g
			}
			g.SubList = upsertMember(g.SubList, sub)
			continue
		}

		shareKey := key + "\x00" + clientID
		m.shareFollower[shareKey] = sub
		if err := m.forwarder.Forward(shared.GroupName, topicID, sub); err != nil {
			return fmt.Errorf("subscribe: forward to leader for group %q: %w", shared.GroupName, err)
		}
	}
	return nil
}

func upsertMember(list []Subscriber, sub Subscriber) []Subscriber {
	for i, existing := range list {
		if existing.ClientID == sub.ClientID {
			list[i] = sub
			return list
		}
	}
	return append(list, sub)
}

// RemoveSubscribe deletes every table entry for (clientID, filter) across
// all three tables. If removing the last member of a shared-leader group
// empties its SubList, the group entry itself remains until the lifecycle
// GC tick (C10) removes it, per spec.md §4.2.
func (m *Manager) RemoveSubscribe(clientID string, filters []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, filter := range filters {
		if shared, ok := ParseSharedFilter(filter); ok {
			key := ShareLeaderKey(shared.GroupName, shared.Path)
			if g, ok := m.shareLeader[key]; ok {
				g.SubList = removeMember(g.SubList, clientID)
			}
			delete(m.shareFollower, key+"\x00"+clientID)
			continue
		}
		if bucket, ok := m.exclusive[filter]; ok {
			delete(bucket, clientID+"\x00"+filter)
			if len(bucket) == 0 {
				delete(m.exclusive, filter)
			}
		}
	}
}

func removeMember(list []Subscriber, clientID string) []Subscriber {
	out := list[:0]
	for _, s := range list {
		if s.ClientID != clientID {
			out = append(out, s)
		}
	}
	return out
}

// ListExclusive returns every exclusive subscriber of topicID.
func (m *Manager) ListExclusive(topicID string) []Subscriber {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket := m.exclusive[topicID]
	out := make([]Subscriber, 0, len(bucket))
	for _, s := range bucket {
		out = append(out, s)
	}
	return out
}

// ListExclusiveTopics returns every topic_id with at least one exclusive
// subscriber, for the lifecycle GC's pump inventory pass.
func (m *Manager) ListExclusiveTopics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.exclusive))
	for topicID := range m.exclusive {
		out = append(out, topicID)
	}
	return out
}

// GetShareLeader returns the shared-leader group for key, if this node
// holds one.
func (m *Manager) GetShareLeader(key string) (ShareLeaderGroup, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.shareLeader[key]
	if !ok {
		return ShareLeaderGroup{}, false
	}
	// Copy out so callers can't mutate SubList without going through
	// ParseSubscribe/RemoveSubscribe.
	cp := *g
	cp.SubList = append([]Subscriber(nil), g.SubList...)
	return cp, true
}

// ListShareLeaderKeys returns every shared-leader key this node currently
// owns, for the lifecycle GC's pump inventory pass.
func (m *Manager) ListShareLeaderKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.shareLeader))
	for key := range m.shareLeader {
		out = append(out, key)
	}
	return out
}

// DeleteEmptyShareLeader removes key's group entry if it currently has no
// members. Called by the lifecycle GC, not by RemoveSubscribe directly,
// matching spec.md §4.2's "remains until the pump GC tick removes it".
func (m *Manager) DeleteEmptyShareLeader(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.shareLeader[key]
	if !ok || len(g.SubList) > 0 {
		return false
	}
	delete(m.shareLeader, key)
	return true
}
