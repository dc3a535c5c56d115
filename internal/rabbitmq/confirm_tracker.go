package rabbitmq

import (
	"sort"
	"time"
)

// InFlightPublish is a message sent on the current channel and not yet
// confirmed by the broker.
type InFlightPublish struct {
	Sequence   uint64
	Body       []byte
	RoutingKey string
	EnqueuedAt time.Time
}

// confirmTracker holds the in-flight publishes of one channel ordered by
// sequence number. It is owned by the publisher loop and not safe for
// concurrent use.
type confirmTracker struct {
	last    uint64
	pending []InFlightPublish
}

// Track assigns the next sequence number to a message about to be sent
func (t *confirmTracker) Track(body []byte, routingKey string, enqueuedAt time.Time) InFlightPublish {
	t.last++
	msg := InFlightPublish{
		Sequence:   t.last,
		Body:       body,
		RoutingKey: routingKey,
		EnqueuedAt: enqueuedAt,
	}
	t.pending = append(t.pending, msg)
	return msg
}

// Untrack forgets the most recently tracked message when the send itself
// failed; the broker never counted it.
func (t *confirmTracker) Untrack(seq uint64) {
	if seq == 0 || seq != t.last || len(t.pending) == 0 {
		return
	}
	if t.pending[len(t.pending)-1].Sequence == seq {
		t.pending = t.pending[:len(t.pending)-1]
		t.last--
	}
}

// Resolve removes and returns the entries covered by a confirmation: just
// tag, or every entry up to and including tag when multiple is set.
func (t *confirmTracker) Resolve(tag uint64, multiple bool) []InFlightPublish {
	if multiple {
		n := sort.Search(len(t.pending), func(i int) bool {
			return t.pending[i].Sequence > tag
		})
		resolved := append([]InFlightPublish(nil), t.pending[:n]...)
		t.pending = t.pending[n:]
		return resolved
	}

	i := sort.Search(len(t.pending), func(i int) bool {
		return t.pending[i].Sequence >= tag
	})
	if i == len(t.pending) || t.pending[i].Sequence != tag {
		return nil
	}
	resolved := []InFlightPublish{t.pending[i]}
	t.pending = append(t.pending[:i], t.pending[i+1:]...)
	return resolved
}

// Drain removes and returns every in-flight entry
func (t *confirmTracker) Drain() []InFlightPublish {
	drained := t.pending
	t.pending = nil
	return drained
}

// Reset starts numbering again for a new channel
func (t *confirmTracker) Reset() {
	t.last = 0
	t.pending = nil
}

// Len returns the number of unconfirmed messages
func (t *confirmTracker) Len() int {
	return len(t.pending)
}
