package channel

import "sync"

// Subscription is a revocable handler registration. Components acquire one
// on mount and release it on teardown so no handler outlives its owner.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func newSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

// Cancel revokes the registration. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}
