package engine

// notifier collects handler names raised by changed tasks during a play.
// Each distinct name is recorded once, in the order it was first notified;
// draining yields that order. One notifier serves one host's pass through a
// play, so no locking is needed.
type notifier struct {
	order []string
	seen  map[string]struct{}
}

func newNotifier() *notifier {
	return &notifier{seen: make(map[string]struct{})}
}

// Notify records a handler name. Repeat notifications are collapsed onto
// the first.
func (n *notifier) Notify(handler string) {
	if _, ok := n.seen[handler]; ok {
		return
	}
	n.seen[handler] = struct{}{}
	n.order = append(n.order, handler)
}

// Drain returns the distinct notified handler names in first-notified order
// and resets the notifier.
func (n *notifier) Drain() []string {
	out := n.order
	n.order = nil
	n.seen = make(map[string]struct{})
	return out
}
