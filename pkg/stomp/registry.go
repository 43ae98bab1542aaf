package stomp

import (
	"time"

	"github.com/denwilliams/go-stomp-console/pkg/frame"
)

// Subscription describes an active subscription.
type Subscription struct {
	ID          string
	Destination string
	Headers     frame.Headers
	CreatedAt   time.Time
}

type subscriptionEntry struct {
	Subscription
	handler MessageHandler
}

// registry is owned by the client loop.
type registry struct {
	byID  map[string]*subscriptionEntry
	order []string
}

func newRegistry() *registry {
	return &registry{byID: make(map[string]*subscriptionEntry)}
}

func (r *registry) add(e *subscriptionEntry) {
	r.byID[e.ID] = e
	r.order = append(r.order, e.ID)
}

func (r *registry) get(id string) (*subscriptionEntry, bool) {
	e, ok := r.byID[id]
	return e, ok
}

func (r *registry) remove(id string) bool {
	if _, ok := r.byID[id]; !ok {
		return false
	}
	delete(r.byID, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *registry) clear() {
	r.byID = make(map[string]*subscriptionEntry)
	r.order = nil
}

func (r *registry) len() int {
	return len(r.order)
}

func (r *registry) list() []Subscription {
	out := make([]Subscription, 0, len(r.order))
	for _, id := range r.order {
		e := r.byID[id]
		out = append(out, Subscription{
			ID:          e.ID,
			Destination: e.Destination,
			Headers:     e.Headers.Clone(),
			CreatedAt:   e.CreatedAt,
		})
	}
	return out
}
