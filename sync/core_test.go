package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AngusTso/FamLite-Split/domain"
)

type fakeGateway struct {
	mu stdsync.Mutex

	snapshots   map[string][]domain.Task
	snapshotErr error
	// gateGroup blocks snapshot fetches for that group until gate closes.
	gateGroup string
	gate      chan struct{}

	created    []domain.Task
	createGate chan struct{}
	createErr  error

	toggleErr error

	shuffleTasks []domain.Task
	shuffleErr   error
	shuffleGate  chan struct{}
	shuffleCalls int
}

func (g *fakeGateway) Tasks(ctx context.Context, groupID string) ([]domain.Task, error) {
	g.mu.Lock()
	gate := g.gate
	gated := g.gateGroup == groupID && gate != nil
	tasks := g.snapshots[groupID]
	err := g.snapshotErr
	g.mu.Unlock()
	if gated {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (g *fakeGateway) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	g.mu.Lock()
	gate := g.createGate
	g.mu.Unlock()
	if gate != nil {
		<-gate
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return domain.Task{}, g.createErr
	}
	g.created = append(g.created, t)
	return t, nil
}

func (g *fakeGateway) UpdateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	return t, nil
}

func (g *fakeGateway) ToggleTask(ctx context.Context, taskID string, completed bool) (domain.Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.toggleErr != nil {
		return domain.Task{}, g.toggleErr
	}
	return domain.Task{ID: taskID, IsCompleted: completed}, nil
}

func (g *fakeGateway) Shuffle(ctx context.Context, groupID string) ([]domain.Task, error) {
	g.mu.Lock()
	g.shuffleCalls++
	gate := g.shuffleGate
	tasks := g.shuffleTasks
	err := g.shuffleErr
	g.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return tasks, err
}

func (g *fakeGateway) shuffleCallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.shuffleCalls
}

type fakeChannel struct {
	mu    stdsync.Mutex
	joins []string
	exits []string
	// joinGate blocks joins for joinGateGroup until it closes.
	joinGateGroup string
	joinGate      chan struct{}
}

func (c *fakeChannel) Join(ctx context.Context, groupID string) error {
	c.mu.Lock()
	gate := c.joinGate
	gated := c.joinGateGroup == groupID && gate != nil
	c.mu.Unlock()
	if gated {
		<-gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joins = append(c.joins, groupID)
	return nil
}

func (c *fakeChannel) Exit(ctx context.Context, groupID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exits = append(c.exits, groupID)
	return nil
}

func (c *fakeChannel) joined() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.joins...)
}

func (c *fakeChannel) exited() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.exits...)
}

func newTestCore(t *testing.T, gw *fakeGateway, ch Channel) *Core {
	t.Helper()
	core := New(Config{Gateway: gw, Channel: ch, CallTimeout: 2 * time.Second})
	t.Cleanup(core.Close)
	return core
}

// barrier flushes everything posted to the event loop before it.
func barrier(c *Core) { c.GroupID() }

func waitChange(t *testing.T, ch chan Change, kind ChangeKind) Change {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				t.Fatalf("change stream closed while waiting for kind %d", kind)
			}
			if c.Kind == kind {
				return c
			}
		case <-deadline:
			t.Fatalf("timed out waiting for change kind %d", kind)
		}
	}
}

func loadAndWait(t *testing.T, core *Core, changes chan Change, groupID string) {
	t.Helper()
	require.NoError(t, core.LoadGroup(groupID))
	waitChange(t, changes, ChangeSnapshotLoaded)
}

func TestLoadGroupFetchesSnapshot(t *testing.T) {
	gw := &fakeGateway{snapshots: map[string][]domain.Task{
		"g1": {{ID: "a", GroupID: "g1", Name: "dishes"}, {ID: "b", GroupID: "g1", Name: "laundry"}},
	}}
	ch := &fakeChannel{}
	core := newTestCore(t, gw, ch)
	changes := core.Subscribe()
	defer core.Unsubscribe(changes)

	loadAndWait(t, core, changes, "g1")

	assert.Equal(t, "g1", core.GroupID())
	assert.Equal(t, []string{"a", "b"}, ids(core.Tasks()))
	assert.Equal(t, []string{"g1"}, ch.joined())
}

func TestLoadGroupRejectsEmptyID(t *testing.T) {
	core := newTestCore(t, &fakeGateway{}, nil)
	var verr *domain.ValidationError
	require.ErrorAs(t, core.LoadGroup(""), &verr)
}

func TestSnapshotFailureClearsCollection(t *testing.T) {
	gw := &fakeGateway{snapshotErr: errors.New("backend down")}
	core := newTestCore(t, gw, nil)
	changes := core.Subscribe()
	defer core.Unsubscribe(changes)

	require.NoError(t, core.LoadGroup("g1"))
	c := waitChange(t, changes, ChangeSnapshotFailed)

	var serr *domain.SnapshotError
	require.ErrorAs(t, c.Err, &serr)
	assert.Equal(t, "g1", serr.GroupID)
	assert.Empty(t, core.Tasks())
}

func TestStaleSnapshotDiscardedAfterGroupSwitch(t *testing.T) {
	gate := make(chan struct{})
	gw := &fakeGateway{
		snapshots: map[string][]domain.Task{
			"g1": {{ID: "stale", GroupID: "g1", Name: "old"}},
			"g2": {{ID: "z", GroupID: "g2", Name: "current"}},
		},
		gateGroup: "g1",
		gate:      gate,
	}
	core := newTestCore(t, gw, &fakeChannel{})
	changes := core.Subscribe()
	defer core.Unsubscribe(changes)

	require.NoError(t, core.LoadGroup("g1"))
	loadAndWait(t, core, changes, "g2")

	// The g1 fetch lands now, targeting a dead epoch.
	close(gate)
	time.Sleep(20 * time.Millisecond)
	barrier(core)

	assert.Equal(t, "g2", core.GroupID())
	assert.Equal(t, []string{"z"}, ids(core.Tasks()))
}

func TestGroupSwitchLeavesPreviousRoom(t *testing.T) {
	gw := &fakeGateway{snapshots: map[string][]domain.Task{}}
	ch := &fakeChannel{}
	core := newTestCore(t, gw, ch)
	changes := core.Subscribe()
	defer core.Unsubscribe(changes)

	loadAndWait(t, core, changes, "g1")
	loadAndWait(t, core, changes, "g2")

	assert.Equal(t, []string{"g1", "g2"}, ch.joined())
	assert.Equal(t, []string{"g1"}, ch.exited())

	core.LeaveGroup()
	barrier(core)
	assert.Equal(t, "", core.GroupID())
	assert.Empty(t, core.Tasks())
}

func TestRapidGroupSwitchKeepsRoomInStep(t *testing.T) {
	gate := make(chan struct{})
	gw := &fakeGateway{snapshots: map[string][]domain.Task{
		"g2": {{ID: "z", GroupID: "g2", Name: "current"}},
	}}
	ch := &fakeChannel{joinGateGroup: "g1", joinGate: gate}
	core := newTestCore(t, gw, ch)
	changes := core.Subscribe()
	defer core.Unsubscribe(changes)

	// The first join hangs; the second switch arrives before it completed.
	require.NoError(t, core.LoadGroup("g1"))
	require.NoError(t, core.LoadGroup("g2"))
	barrier(core)

	// Room ops are serialized, so the g2 join must queue behind the slow g1
	// join instead of overtaking it.
	assert.Empty(t, ch.joined())

	close(gate)
	waitChange(t, changes, ChangeSnapshotLoaded)

	require.Equal(t, []string{"g1", "g2"}, ch.joined())
	assert.Equal(t, []string{"g1"}, ch.exited())
	assert.Equal(t, "g2", core.GroupID())
	assert.Equal(t, []string{"z"}, ids(core.Tasks()))
}

func TestRemoteEventsConverge(t *testing.T) {
	gw := &fakeGateway{snapshots: map[string][]domain.Task{}}
	core := newTestCore(t, gw, nil)
	changes := core.Subscribe()
	defer core.Unsubscribe(changes)
	loadAndWait(t, core, changes, "g1")

	// Update ahead of its create degrades to an implicit create.
	core.ApplyRemote(domain.Event{Type: domain.EventTaskUpdated, GroupID: "g1",
		Task: &domain.Task{ID: "a", GroupID: "g1", Name: "first"}})
	// The late create for the same id is a no-op and must not clobber.
	core.ApplyRemote(domain.Event{Type: domain.EventTaskCreated, GroupID: "g1",
		Task: &domain.Task{ID: "a", GroupID: "g1", Name: "outdated"}})
	core.ApplyRemote(domain.Event{Type: domain.EventTaskCreated, GroupID: "g1",
		Task: &domain.Task{ID: "b", GroupID: "g1", Name: "second"}})
	// Deleting an unknown id is a no-op.
	core.ApplyRemote(domain.Event{Type: domain.EventTaskDeleted, GroupID: "g1", TaskID: "ghost"})
	core.ApplyRemote(domain.Event{Type: domain.EventTaskDeleted, GroupID: "g1", TaskID: "b"})
	barrier(core)

	tasks := core.Tasks()
	require.Equal(t, []string{"a"}, ids(tasks))
	assert.Equal(t, "first", tasks[0].Name)
}

func TestRemoteEventWithoutTaskIsDropped(t *testing.T) {
	gw := &fakeGateway{snapshots: map[string][]domain.Task{}}
	core := newTestCore(t, gw, nil)
	changes := core.Subscribe()
	defer core.Unsubscribe(changes)
	loadAndWait(t, core, changes, "g1")

	// Created/updated events carrying no task record degrade to no-ops
	// instead of killing the loop.
	core.ApplyRemote(domain.Event{Type: domain.EventTaskCreated, GroupID: "g1"})
	core.ApplyRemote(domain.Event{Type: domain.EventTaskUpdated, GroupID: "g1"})
	barrier(core)

	assert.Empty(t, core.Tasks())
	assert.Equal(t, "g1", core.GroupID())
}

func TestRemoteEventsForOtherGroupsIgnored(t *testing.T) {
	gw := &fakeGateway{snapshots: map[string][]domain.Task{}}
	core := newTestCore(t, gw, nil)
	changes := core.Subscribe()
	defer core.Unsubscribe(changes)
	loadAndWait(t, core, changes, "g1")

	core.ApplyRemote(domain.Event{Type: domain.EventTaskCreated, GroupID: "g9",
		Task: &domain.Task{ID: "x", GroupID: "g9", Name: "not ours"}})
	barrier(core)

	assert.Empty(t, core.Tasks())
}

func TestCreateCommandOptimisticThenAckedByEvent(t *testing.T) {
	gate := make(chan struct{})
	gw := &fakeGateway{snapshots: map[string][]domain.Task{}, createGate: gate}
	core := newTestCore(t, gw, nil)
	changes := core.Subscribe()
	defer core.Unsubscribe(changes)
	loadAndWait(t, core, changes, "g1")

	cmdID, err := core.IssueCommand(Command{Kind: CommandCreate,
		Task: domain.Task{ID: "t1", Name: "dishes"}})
	require.NoError(t, err)
	barrier(core)

	// Optimistic state is visible before the gateway answered.
	tasks := core.Tasks()
	require.Equal(t, []string{"t1"}, ids(tasks))
	assert.Equal(t, "g1", tasks[0].GroupID)

	// The channel event races ahead of the HTTP response and acknowledges
	// the pending command through its correlation id.
	core.ApplyRemote(domain.Event{Type: domain.EventTaskCreated, GroupID: "g1",
		Task: &domain.Task{ID: "t1", GroupID: "g1", Name: "dishes"}})
	done := waitChange(t, changes, ChangeCommandDone)
	assert.Equal(t, cmdID, done.CommandID)

	// The late HTTP completion must not duplicate or roll back anything.
	close(gate)
	time.Sleep(20 * time.Millisecond)
	barrier(core)
	assert.Equal(t, []string{"t1"}, ids(core.Tasks()))
}

func TestToggleFailureRollsBackExactly(t *testing.T) {
	gw := &fakeGateway{
		snapshots: map[string][]domain.Task{
			"g1": {{ID: "t1", GroupID: "g1", Name: "dishes", AssignedTo: "alice"}},
		},
		toggleErr: errors.New("gateway unavailable"),
	}
	core := newTestCore(t, gw, nil)
	changes := core.Subscribe()
	defer core.Unsubscribe(changes)
	loadAndWait(t, core, changes, "g1")

	cmdID, err := core.IssueCommand(Command{Kind: CommandToggle, TaskID: "t1"})
	require.NoError(t, err)
	barrier(core)
	require.True(t, core.Tasks()[0].IsCompleted)

	failed := waitChange(t, changes, ChangeCommandFailed)
	assert.Equal(t, cmdID, failed.CommandID)
	var cerr *domain.CommandError
	require.ErrorAs(t, failed.Err, &cerr)

	// Pre-command record restored verbatim, assignment included.
	got := core.Tasks()[0]
	assert.False(t, got.IsCompleted)
	assert.Equal(t, "alice", got.AssignedTo)
}

func TestLateFailureAfterGroupSwitchDoesNotRollBack(t *testing.T) {
	gate := make(chan struct{})
	gw := &fakeGateway{
		snapshots: map[string][]domain.Task{
			"g2": {{ID: "z", GroupID: "g2", Name: "current"}},
		},
		createGate: gate,
		createErr:  errors.New("rejected"),
	}
	core := newTestCore(t, gw, nil)
	changes := core.Subscribe()
	defer core.Unsubscribe(changes)
	loadAndWait(t, core, changes, "g1")

	_, err := core.IssueCommand(Command{Kind: CommandCreate,
		Task: domain.Task{ID: "t1", Name: "dishes"}})
	require.NoError(t, err)
	barrier(core)

	loadAndWait(t, core, changes, "g2")

	// The create fails only now; its optimistic state died with the switch.
	close(gate)
	time.Sleep(20 * time.Millisecond)
	barrier(core)

	assert.Equal(t, []string{"z"}, ids(core.Tasks()))
}

func TestCommandValidationFailsFast(t *testing.T) {
	core := newTestCore(t, &fakeGateway{}, nil)

	var verr *domain.ValidationError
	_, err := core.IssueCommand(Command{Kind: CommandCreate, Task: domain.Task{Name: "  "}})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "taskName", verr.Field)

	_, err = core.IssueCommand(Command{Kind: CommandUpdate, Task: domain.Task{Name: "x"}})
	require.ErrorAs(t, err, &verr)

	_, err = core.IssueCommand(Command{Kind: CommandToggle})
	require.ErrorAs(t, err, &verr)
}

func TestShuffleSingleFlight(t *testing.T) {
	gate := make(chan struct{})
	gw := &fakeGateway{
		snapshots:    map[string][]domain.Task{},
		shuffleTasks: []domain.Task{{ID: "a", GroupID: "g1", AssignedTo: "bob"}},
		shuffleGate:  gate,
	}
	core := newTestCore(t, gw, nil)
	changes := core.Subscribe()
	defer core.Unsubscribe(changes)
	loadAndWait(t, core, changes, "g1")

	require.NoError(t, core.Shuffle("g1"))
	require.ErrorIs(t, core.Shuffle("g1"), ErrShuffleInFlight)

	close(gate)
	waitChange(t, changes, ChangeTasks)
	assert.Equal(t, []string{"a"}, ids(core.Tasks()))
	assert.Equal(t, 1, gw.shuffleCallCount())

	// The slot frees up once the first request resolved.
	require.Eventually(t, func() bool { return core.Shuffle("g1") == nil },
		time.Second, 5*time.Millisecond)
}

func TestShuffleRequiresGroup(t *testing.T) {
	core := newTestCore(t, &fakeGateway{}, nil)
	var verr *domain.ValidationError
	require.ErrorAs(t, core.Shuffle(""), &verr)
}

func TestConnectivityLifecycle(t *testing.T) {
	gw := &fakeGateway{snapshots: map[string][]domain.Task{
		"g1": {{ID: "a", GroupID: "g1", Name: "dishes"}},
	}}
	ch := &fakeChannel{}
	core := newTestCore(t, gw, ch)
	changes := core.Subscribe()
	defer core.Unsubscribe(changes)
	loadAndWait(t, core, changes, "g1")

	core.HandleConnectivityLost()
	lost := waitChange(t, changes, ChangeConnectivityLost)
	require.ErrorIs(t, lost.Err, domain.ErrConnectivityLost)
	assert.True(t, core.Stale())

	// Commands are still accepted while stale.
	_, err := core.IssueCommand(Command{Kind: CommandToggle, TaskID: "a"})
	require.NoError(t, err)

	core.HandleReconnected()
	waitChange(t, changes, ChangeConnectivityRestored)
	waitChange(t, changes, ChangeSnapshotLoaded)
	assert.False(t, core.Stale())
	// Room membership was re-established, not assumed to survive.
	assert.Equal(t, []string{"g1", "g1"}, ch.joined())
}

func TestClosedCoreRejectsOperations(t *testing.T) {
	core := New(Config{Gateway: &fakeGateway{}})
	changes := core.Subscribe()
	core.Close()

	require.ErrorIs(t, core.LoadGroup("g1"), ErrClosed)
	_, err := core.IssueCommand(Command{Kind: CommandToggle, TaskID: "a"})
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, core.Shuffle("g1"), ErrClosed)

	// Synchronous reads must return instead of waiting on the dead loop.
	assert.Equal(t, "", core.GroupID())

	_, open := <-changes
	assert.False(t, open)

	// Close is idempotent.
	core.Close()
}
