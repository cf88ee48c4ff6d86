package store

import (
	"context"
	"sync"
)

// Notifier fans out "conversation changed" signals to live-tail listeners.
type Notifier interface {
	// Notify signals every listener of conversationID. It never blocks on a
	// slow listener.
	Notify(ctx context.Context, conversationID string) error
	// Listen registers a listener. Signals are coalesced: a listener that
	// has not drained its channel receives at most one pending signal.
	Listen(conversationID string) (<-chan struct{}, func())
}

// LocalNotifier is an in-process Notifier.
type LocalNotifier struct {
	mu        sync.Mutex
	listeners map[string]map[chan struct{}]struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{listeners: make(map[string]map[chan struct{}]struct{})}
}

func (n *LocalNotifier) Notify(_ context.Context, conversationID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.listeners[conversationID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (n *LocalNotifier) Listen(conversationID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	set, ok := n.listeners[conversationID]
	if !ok {
		set = make(map[chan struct{}]struct{})
		n.listeners[conversationID] = set
	}
	set[ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(set, ch)
			if len(set) == 0 {
				delete(n.listeners, conversationID)
			}
		})
	}
}
