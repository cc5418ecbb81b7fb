package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/AngusTso/FamLite-Split/domain"
)

// Gateway is the REST surface the core consumes. Implementations must honor
// the context; the core treats a timeout like any other failure.
type Gateway interface {
	Tasks(ctx context.Context, groupID string) ([]domain.Task, error)
	CreateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	UpdateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	ToggleTask(ctx context.Context, taskID string, completed bool) (domain.Task, error)
	Shuffle(ctx context.Context, groupID string) ([]domain.Task, error)
}

// Channel is the room-membership surface of the event channel. The core
// keeps at most one room joined at a time.
type Channel interface {
	Join(ctx context.Context, groupID string) error
	Exit(ctx context.Context, groupID string) error
}

// ErrClosed is returned by operations issued after Close.
var ErrClosed = errors.New("sync core is closed")

// ErrShuffleInFlight is returned when a shuffle is requested while one is
// already outstanding. The request is dropped, not queued.
var ErrShuffleInFlight = errors.New("shuffle already in flight")

const defaultCallTimeout = 10 * time.Second

// Config carries the core's collaborators. Everything is injected at
// construction; the core holds no ambient state.
type Config struct {
	Gateway Gateway
	Channel Channel
	Logger  *log.Logger
	// CallTimeout bounds each gateway call issued by the core.
	CallTimeout time.Duration
}

// Core owns the authoritative task collection for the currently viewed group
// and keeps it consistent across REST snapshots, channel events and
// optimistic local commands. All mutations serialize through a single event
// loop, so reconciliation is never concurrent with itself.
type Core struct {
	cfg    Config
	logger *log.Logger
	broker *changeBroker

	inbox    chan func()
	roomOps  chan func()
	quit     chan struct{}
	done     chan struct{}
	roomDone chan struct{}

	closeMu sync.RWMutex
	closed  bool

	// Owned by the event loop.
	groupID  string
	epoch    uint64
	col      *collection
	pending  map[string]*pendingCommand
	byTask   map[string]string
	shuffler singleflightSlot

	mu    sync.Mutex
	view  []domain.Task
	stale bool
}

// New constructs a core and starts its event loop. The caller must Close it.
func New(cfg Config) *Core {
	if cfg.Gateway == nil {
		panic("sync: gateway is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	c := &Core{
		cfg:      cfg,
		logger:   cfg.Logger,
		broker:   newChangeBroker(cfg.Logger),
		inbox:    make(chan func(), 128),
		roomOps:  make(chan func(), 32),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		roomDone: make(chan struct{}),
		col:      newCollection(),
		pending:  make(map[string]*pendingCommand),
		byTask:   make(map[string]string),
	}
	go c.run()
	go c.roomLoop()
	return c
}

func (c *Core) run() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-c.quit:
			// Drain whatever was posted before the quit was observed.
			for {
				select {
				case fn := <-c.inbox:
					fn()
				default:
					return
				}
			}
		}
	}
}

// roomLoop applies channel room operations one at a time, in the order they
// were issued, so the joined room never lags behind the viewed group.
func (c *Core) roomLoop() {
	defer close(c.roomDone)
	for {
		select {
		case fn := <-c.roomOps:
			fn()
		case <-c.quit:
			return
		}
	}
}

// post hands fn to the event loop. Posts after Close are rejected; the closed
// flag is checked under the lock so the outcome is never racy against Close.
func (c *Core) post(fn func()) bool {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.inbox <- fn:
		return true
	case <-c.quit:
		return false
	}
}

// postRoom hands fn to the room loop. Ops posted after Close are dropped.
func (c *Core) postRoom(fn func()) {
	select {
	case c.roomOps <- fn:
	case <-c.quit:
	}
}

// Close stops the event loop and closes all change subscriptions.
func (c *Core) Close() {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	c.closed = true
	c.closeMu.Unlock()
	close(c.quit)
	<-c.done
	<-c.roomDone
	c.broker.closeAll()
}

// Subscribe returns a change-notification stream. The channel is closed on
// Unsubscribe or when the core shuts down.
func (c *Core) Subscribe() chan Change { return c.broker.subscribe() }

// Unsubscribe releases a stream obtained from Subscribe.
func (c *Core) Unsubscribe(ch chan Change) { c.broker.unsubscribe(ch) }

// Tasks returns the current merged view as an ordered sequence. The slice is
// a copy; presentation never mutates the collection directly.
func (c *Core) Tasks() []domain.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Task, len(c.view))
	copy(out, c.view)
	return out
}

// Stale reports whether the view may be missing events because the channel
// lost connectivity.
func (c *Core) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

// GroupID returns the actively viewed group, or "" when none is loaded.
func (c *Core) GroupID() string {
	done := make(chan string, 1)
	if !c.post(func() { done <- c.groupID }) {
		return ""
	}
	return <-done
}

// LoadGroup switches the core to groupID: the previous room is left, the new
// room joined, and a fresh snapshot fetched. The outcome arrives on the
// change stream as ChangeSnapshotLoaded or ChangeSnapshotFailed. Any
// in-flight snapshot for another group is discarded when it lands.
func (c *Core) LoadGroup(groupID string) error {
	if groupID == "" {
		return &domain.ValidationError{Field: "groupId", Reason: "must not be empty"}
	}
	if !c.post(func() { c.switchGroup(groupID) }) {
		return ErrClosed
	}
	return nil
}

// LeaveGroup leaves the current room and discards the collection together
// with all pending commands, without flushing them.
func (c *Core) LeaveGroup() {
	c.post(func() {
		prev := c.groupID
		c.resetGroup("")
		if prev != "" && c.cfg.Channel != nil {
			c.postRoom(func() { c.exitRoom(prev) })
		}
	})
}

// switchGroup runs on the event loop. The exit/join pair goes through the
// room loop so two rapid switches cannot land their joins out of order; the
// snapshot fetch runs after its own join but never holds up later room ops.
func (c *Core) switchGroup(groupID string) {
	prev := c.groupID
	c.resetGroup(groupID)
	epoch := c.epoch
	c.postRoom(func() {
		if c.cfg.Channel != nil {
			if prev != "" && prev != groupID {
				c.exitRoom(prev)
			}
			ctx, cancel := c.callCtx()
			err := c.cfg.Channel.Join(ctx, groupID)
			cancel()
			if err != nil {
				c.logger.WithFields(log.Fields{"group": groupID, "err": err}).Error("join room failed")
			}
		}
		go c.fetchSnapshot(groupID, epoch)
	})
}

// resetGroup runs on the event loop: bumps the epoch so stale completions
// are discarded, and clears collection and pending state.
func (c *Core) resetGroup(groupID string) {
	c.epoch++
	c.groupID = groupID
	c.col.clear()
	c.pending = make(map[string]*pendingCommand)
	c.byTask = make(map[string]string)
	c.publish()
}

func (c *Core) exitRoom(groupID string) {
	ctx, cancel := c.callCtx()
	defer cancel()
	if err := c.cfg.Channel.Exit(ctx, groupID); err != nil {
		c.logger.WithFields(log.Fields{"group": groupID, "err": err}).Warn("exit room failed")
	}
}

// fetchSnapshot runs off-loop and posts its result back. The request is
// tagged with the epoch it was issued for; a response targeting a stale
// epoch is dropped, never merged.
func (c *Core) fetchSnapshot(groupID string, epoch uint64) {
	ctx, cancel := c.callCtx()
	tasks, err := c.cfg.Gateway.Tasks(ctx, groupID)
	cancel()
	c.post(func() {
		if c.epoch != epoch {
			c.logger.WithField("group", groupID).Debug("discarding stale snapshot")
			return
		}
		if err != nil {
			c.col.clear()
			c.publish()
			c.broker.notify(Change{
				Kind:    ChangeSnapshotFailed,
				GroupID: groupID,
				Err:     &domain.SnapshotError{GroupID: groupID, Err: err},
			})
			return
		}
		c.col.replaceAll(tasks)
		c.setStale(false)
		c.publish()
		c.broker.notify(Change{Kind: ChangeSnapshotLoaded, GroupID: groupID})
	})
}

// ApplyRemote consumes one event-channel notification. Events for groups
// other than the actively viewed one are residue from rooms not yet fully
// unsubscribed and are ignored.
func (c *Core) ApplyRemote(ev domain.Event) {
	c.post(func() { c.applyRemote(ev) })
}

func (c *Core) applyRemote(ev domain.Event) {
	if ev.GroupID != c.groupID {
		return
	}
	// DecodeEvent guards the wire path, but a direct caller can still hand
	// over a created/updated event without a task record. Dropping it keeps
	// the loop alive; a panic here would hang every synchronous call.
	if ev.Task == nil && (ev.Type == domain.EventTaskCreated || ev.Type == domain.EventTaskUpdated) {
		c.logger.WithField("type", ev.Type).Warn("dropping task event without payload")
		return
	}
	changed := false
	switch ev.Type {
	case domain.EventTaskCreated:
		if _, exists := c.col.get(ev.Task.ID); !exists {
			c.col.upsert(*ev.Task)
			changed = true
		}
	case domain.EventTaskUpdated:
		// Whole-record replacement; an update racing ahead of its own
		// create degrades to an implicit create, which keeps the merge
		// idempotent regardless of arrival order.
		c.col.upsert(*ev.Task)
		changed = true
	case domain.EventTaskDeleted:
		changed = c.col.remove(ev.TaskID)
	default:
		return
	}
	c.ackByTask(ev.EntityID())
	if changed {
		c.publish()
		c.broker.notify(Change{Kind: ChangeTasks, GroupID: c.groupID})
	}
}

// ackByTask resolves a pending command whose correlation matches taskID.
func (c *Core) ackByTask(taskID string) {
	cmdID, ok := c.byTask[taskID]
	if !ok {
		return
	}
	delete(c.byTask, taskID)
	delete(c.pending, cmdID)
	c.broker.notify(Change{Kind: ChangeCommandDone, GroupID: c.groupID, CommandID: cmdID})
}

// HandleReconnected re-establishes room membership and refetches a snapshot
// after the transport reconnected. Missed events are never assumed replayed.
func (c *Core) HandleReconnected() {
	c.post(func() {
		groupID := c.groupID
		c.setStale(false)
		c.broker.notify(Change{Kind: ChangeConnectivityRestored, GroupID: groupID})
		if groupID == "" {
			return
		}
		epoch := c.epoch
		c.postRoom(func() {
			if c.cfg.Channel != nil {
				ctx, cancel := c.callCtx()
				if err := c.cfg.Channel.Join(ctx, groupID); err != nil {
					c.logger.WithFields(log.Fields{"group": groupID, "err": err}).Error("rejoin room failed")
				}
				cancel()
			}
			go c.fetchSnapshot(groupID, epoch)
		})
	})
}

// HandleConnectivityLost marks the view stale after the channel exhausted
// its reconnection attempts. Commands are still accepted.
func (c *Core) HandleConnectivityLost() {
	c.post(func() {
		c.setStale(true)
		c.broker.notify(Change{
			Kind:    ChangeConnectivityLost,
			GroupID: c.groupID,
			Err:     domain.ErrConnectivityLost,
		})
	})
}

// HandleEvent implements the channel consumer surface.
func (c *Core) HandleEvent(ev domain.Event) { c.ApplyRemote(ev) }

func (c *Core) setStale(stale bool) {
	c.mu.Lock()
	c.stale = stale
	c.mu.Unlock()
}

// publish runs on the event loop and refreshes the read-only view.
func (c *Core) publish() {
	snap := c.col.snapshot()
	c.mu.Lock()
	c.view = snap
	c.mu.Unlock()
}

func (c *Core) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.cfg.CallTimeout)
}
