package racevoice

import "sync"

// Observer receives bridge state notifications. Consumers (UI, loggers)
// subscribe through the client; the bridge never knows who listens.
// Callbacks run on internal paths: return quickly and do not call back into
// the client from inside one.
type Observer interface {
	StateChanged(state ConnectionState)
	MicChanged(active bool)
	SpeakingChanged(speaking bool)
}

// notifier fans state changes out to subscribed observers.
type notifier struct {
	mu        sync.Mutex
	observers map[int]Observer
	nextID    int
}

func newNotifier() *notifier {
	return &notifier{observers: make(map[int]Observer)}
}

// Subscribe registers an observer and returns an unsubscribe func.
func (n *notifier) Subscribe(obs Observer) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.observers[id] = obs
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.observers, id)
		n.mu.Unlock()
	}
}

func (n *notifier) snapshot() []Observer {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Observer, 0, len(n.observers))
	for _, obs := range n.observers {
		out = append(out, obs)
	}
	return out
}

func (n *notifier) stateChanged(state ConnectionState) {
	for _, obs := range n.snapshot() {
		obs.StateChanged(state)
	}
}

func (n *notifier) micChanged(active bool) {
	for _, obs := range n.snapshot() {
		obs.MicChanged(active)
	}
}

func (n *notifier) speakingChanged(speaking bool) {
	for _, obs := range n.snapshot() {
		obs.SpeakingChanged(speaking)
	}
}
