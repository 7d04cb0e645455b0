// Package connectivity reports device network reachability.
package connectivity

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/prudhvinik1/offlinecore/internal/models"
)

// ErrNoReading is returned by Fetch before any reachability is known.
var ErrNoReading = errors.New("no connectivity reading yet")

// Monitor is the event source the offline coordinator listens to.
type Monitor interface {
	Subscribe(listener func(models.NetworkState)) (unsubscribe func())
	Fetch(ctx context.Context) (models.NetworkState, error)
}

type listenerEntry struct {
	id string
	fn func(models.NetworkState)
}

// Notifier is a push-based Monitor: the platform reports readings with Report
// and every subscriber receives them in registration order.
type Notifier struct {
	mu        sync.Mutex
	state     models.NetworkState
	known     bool
	listeners []listenerEntry
}

func NewNotifier() *Notifier {
	return &Notifier{}
}

func (n *Notifier) Subscribe(listener func(models.NetworkState)) func() {
	id := uuid.NewString()

	n.mu.Lock()
	n.listeners = append(n.listeners, listenerEntry{id: id, fn: listener})
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, entry := range n.listeners {
			if entry.id == id {
				n.listeners = append(n.listeners[:i:i], n.listeners[i+1:]...)
				return
			}
		}
	}
}

func (n *Notifier) Fetch(ctx context.Context) (models.NetworkState, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.known {
		return models.NetworkState{}, ErrNoReading
	}
	return n.state, nil
}

// Report records a reading and delivers it to every subscriber. Listeners run
// on the caller's goroutine, outside the notifier lock.
func (n *Notifier) Report(state models.NetworkState) {
	n.mu.Lock()
	n.state = state
	n.known = true
	listeners := make([]listenerEntry, len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.Unlock()

	for _, entry := range listeners {
		entry.fn(state)
	}
}

// Subscribers returns how many listeners are registered.
func (n *Notifier) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.listeners)
}
