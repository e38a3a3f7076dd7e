package subscribe

// ShouldForwardRetained applies the retain_forward_rule for a (re)new
// subscription, per spec.md §4.7: Always replays unconditionally,
// OnNewSubscribe replays only for a subscription that did not already
// exist (isNewSubscription is true on the first SUBSCRIBE for that
// filter, false on a resubscribe that merely changes options), Never
// never replays.
func ShouldForwardRetained(rule RetainForwardRule, isNewSubscription bool) bool {
	switch rule {
	case RetainAlways:
		return true
	case RetainOnNewSubscribe:
		return isNewSubscription
	case RetainNever:
		return false
	default:
		return false
	}
}
