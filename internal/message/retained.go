package message

import (
	"sync"

	"github.com/driftmq/broker/internal/subscribe"
)

// RetainedStore holds the single most-recent retained message per topic.
// A Message with an empty Payload clears the retained entry for its topic,
// per MQTT 3.3.1-10/-11.
type RetainedStore struct {
	mu    sync.RWMutex
	byTop map[string]*Message
}

// NewRetainedStore builds an empty retained-message store.
func NewRetainedStore() *RetainedStore {
	return &RetainedStore{byTop: make(map[string]*Message)}
}

// Put stores or clears the retained message for m.Topic. m.Retain must be
// true; callers filter non-retained publishes before calling this.
func (s *RetainedStore) Put(m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(m.Payload) == 0 {
		delete(s.byTop, m.Topic)
		return
	}
	s.byTop[m.Topic] = m
}

// Match returns every retained message whose topic matches filter, for
// delivery to a brand-new subscription. filter is a plain topic filter:
// pump.DispatchRetained strips a "$share/<group>/" or "$queue/" prefix
// before calling it, so a shared subscriber gets the retained messages of
// the path it subscribed to.
func (s *RetainedStore) Match(filter string) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Message
	for topic, m := range s.byTop {
		if subscribe.MatchTopic(filter, topic) {
			out = append(out, m)
		}
	}
	return out
}

// Delete drops the retained message stored for topic, if any, used for tests and administrative
// resets; not exposed over any wire operation.
func (s *RetainedStore) Delete(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byTop, topic)
}

// Len reports how many topics currently carry a retained message.
func (s *RetainedStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byTop)
}
