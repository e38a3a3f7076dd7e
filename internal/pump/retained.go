package pump

import (
	"context"

	"github.com/driftmq/broker/internal/message"
	"github.com/driftmq/broker/internal/subscribe"
)

// DispatchRetained implements C9: on a (re)new subscription whose filter
// matches retained topics, push each allowed one through the same QoS
// dispatcher C6/C7 use. Errors are reported via OnError but never block the
// subscription itself, per spec.md §4.7.
func DispatchRetained(ctx context.Context, d Deps, retained *message.RetainedStore, sub subscribe.Subscriber, isNewSubscription bool, onError func(error)) {
	if !subscribe.ShouldForwardRetained(sub.RetainForwardRule, isNewSubscription) {
		return
	}

	filter := sub.FilterPath
	if shared, ok := subscribe.ParseSharedFilter(filter); ok {
		filter = shared.Path
	}

	stop := make(chan struct{})
	for _, msg := range retained.Match(filter) {
		retainedMsg := *msg
		retainedMsg.Retain = true
		_, err := deliver(ctx, d, stop, sub, &retainedMsg, func() error { return nil })
		if err != nil && onError != nil {
			onError(err)
		}
	}
}
