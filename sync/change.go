package sync

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// ChangeKind classifies notifications emitted by the core.
type ChangeKind int

const (
	// ChangeTasks signals the collection mutated; read Core.Tasks for the
	// current view.
	ChangeTasks ChangeKind = iota
	// ChangeSnapshotLoaded signals a group snapshot was applied.
	ChangeSnapshotLoaded
	// ChangeSnapshotFailed signals the snapshot fetch failed and the
	// collection was left empty. Err carries a *domain.SnapshotError.
	ChangeSnapshotFailed
	// ChangeCommandDone signals a pending command was acknowledged, either
	// by the gateway response or by a matching channel event.
	ChangeCommandDone
	// ChangeCommandFailed signals a command was rejected and its optimistic
	// mutation rolled back. Err carries a *domain.CommandError.
	ChangeCommandFailed
	// ChangeConnectivityLost signals the event channel gave up reconnecting.
	// The view is stale until connectivity is restored.
	ChangeConnectivityLost
	// ChangeConnectivityRestored signals the channel reconnected, the room
	// was rejoined and a fresh snapshot is being fetched.
	ChangeConnectivityRestored
)

// Change is a single notification on the core's change stream.
type Change struct {
	Kind      ChangeKind
	GroupID   string
	CommandID string
	Err       error
}

const subscriberBuffer = 32

// changeBroker fans change notifications out to subscribers. Slow consumers
// are skipped rather than blocking the event loop; they can always recover
// the current state through Core.Tasks.
type changeBroker struct {
	logger *log.Logger

	mu   sync.Mutex
	subs map[chan Change]struct{}
}

func newChangeBroker(logger *log.Logger) *changeBroker {
	return &changeBroker{logger: logger, subs: make(map[chan Change]struct{})}
}

func (b *changeBroker) subscribe() chan Change {
	ch := make(chan Change, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *changeBroker) unsubscribe(ch chan Change) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *changeBroker) notify(c Change) {
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- c:
		default:
			b.logger.WithField("kind", c.Kind).Warn("change subscriber saturated, dropping notification")
		}
	}
	b.mu.Unlock()
}

func (b *changeBroker) closeAll() {
	b.mu.Lock()
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}
