package sync

import (
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/AngusTso/FamLite-Split/domain"
)

// CommandKind selects the mutation a Command performs.
type CommandKind int

const (
	// CommandCreate inserts a new task. The core assigns the id when the
	// draft carries none; that id doubles as the correlation token.
	CommandCreate CommandKind = iota
	// CommandUpdate replaces an existing task wholesale.
	CommandUpdate
	// CommandToggle flips a task's completion flag.
	CommandToggle
)

// Command is a locally issued mutation.
type Command struct {
	Kind   CommandKind
	Task   domain.Task
	TaskID string
}

// pendingCommand tracks an optimistic mutation awaiting acknowledgment. The
// prior record is kept verbatim so rollback restores the exact pre-command
// state.
type pendingCommand struct {
	id     string
	taskID string
	epoch  uint64
	// prior is nil when the task did not exist before the command.
	prior *domain.Task
}

// singleflightSlot is the shuffle guard: one outstanding request, extra
// invocations dropped rather than queued.
type singleflightSlot struct {
	busy atomic.Bool
}

func (s *singleflightSlot) acquire() bool { return s.busy.CompareAndSwap(false, true) }
func (s *singleflightSlot) release()      { s.busy.Store(false) }

// validate rejects malformed commands before any network traffic.
func (cmd Command) validate() error {
	switch cmd.Kind {
	case CommandCreate:
		return cmd.Task.Validate()
	case CommandUpdate:
		if cmd.Task.ID == "" {
			return &domain.ValidationError{Field: "id", Reason: "must not be empty"}
		}
		return cmd.Task.Validate()
	case CommandToggle:
		if cmd.TaskID == "" {
			return &domain.ValidationError{Field: "taskId", Reason: "must not be empty"}
		}
		return nil
	default:
		return &domain.ValidationError{Field: "kind", Reason: "unknown command kind"}
	}
}

// IssueCommand validates cmd, applies its optimistic mutation and invokes
// the gateway. Validation failures return immediately without touching the
// network; asynchronous outcomes arrive on the change stream tagged with the
// returned command id. On failure the optimistic state is rolled back
// exactly; the core never retries on its own.
func (c *Core) IssueCommand(cmd Command) (string, error) {
	if err := cmd.validate(); err != nil {
		return "", err
	}
	cmdID := uuid.NewString()
	if !c.post(func() { c.startCommand(cmdID, cmd) }) {
		return "", ErrClosed
	}
	return cmdID, nil
}

// startCommand runs on the event loop.
func (c *Core) startCommand(cmdID string, cmd Command) {
	groupID := c.groupID
	switch cmd.Kind {
	case CommandCreate:
		t := cmd.Task
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.GroupID == "" {
			t.GroupID = groupID
		}
		if _, exists := c.col.get(t.ID); exists {
			c.failCommand(cmdID, errors.New("task id already present"))
			return
		}
		c.registerPending(cmdID, t.ID, nil)
		c.col.upsert(t)
		c.publishAndNotify()
		go c.runCreate(cmdID, t)
	case CommandUpdate:
		prior, ok := c.col.get(cmd.Task.ID)
		if !ok {
			c.failCommand(cmdID, errors.New("unknown task"))
			return
		}
		t := cmd.Task
		if t.GroupID == "" {
			t.GroupID = prior.GroupID
		}
		c.registerPending(cmdID, t.ID, &prior)
		c.col.upsert(t)
		c.publishAndNotify()
		go c.runUpdate(cmdID, t)
	case CommandToggle:
		prior, ok := c.col.get(cmd.TaskID)
		if !ok {
			c.failCommand(cmdID, errors.New("unknown task"))
			return
		}
		next := prior
		next.IsCompleted = !prior.IsCompleted
		c.registerPending(cmdID, next.ID, &prior)
		c.col.upsert(next)
		c.publishAndNotify()
		go c.runToggle(cmdID, next.ID, next.IsCompleted)
	}
}

func (c *Core) registerPending(cmdID, taskID string, prior *domain.Task) {
	c.pending[cmdID] = &pendingCommand{id: cmdID, taskID: taskID, epoch: c.epoch, prior: prior}
	c.byTask[taskID] = cmdID
}

func (c *Core) publishAndNotify() {
	c.publish()
	c.broker.notify(Change{Kind: ChangeTasks, GroupID: c.groupID})
}

func (c *Core) runCreate(cmdID string, t domain.Task) {
	ctx, cancel := c.callCtx()
	created, err := c.cfg.Gateway.CreateTask(ctx, t)
	cancel()
	c.finishCommand(cmdID, created, err)
}

func (c *Core) runUpdate(cmdID string, t domain.Task) {
	ctx, cancel := c.callCtx()
	updated, err := c.cfg.Gateway.UpdateTask(ctx, t)
	cancel()
	c.finishCommand(cmdID, updated, err)
}

func (c *Core) runToggle(cmdID, taskID string, completed bool) {
	ctx, cancel := c.callCtx()
	updated, err := c.cfg.Gateway.ToggleTask(ctx, taskID, completed)
	cancel()
	c.finishCommand(cmdID, updated, err)
}

// finishCommand posts the gateway outcome back onto the event loop.
func (c *Core) finishCommand(cmdID string, result domain.Task, err error) {
	c.post(func() {
		p, ok := c.pending[cmdID]
		if !ok || p.epoch != c.epoch {
			// Already acknowledged by a channel event, or the group was
			// switched and the optimistic state discarded with it. A late
			// failure must not roll back state that no longer exists.
			return
		}
		delete(c.pending, cmdID)
		delete(c.byTask, p.taskID)
		if err != nil {
			c.rollback(p)
			c.publishAndNotify()
			c.broker.notify(Change{
				Kind:      ChangeCommandFailed,
				GroupID:   c.groupID,
				CommandID: cmdID,
				Err:       &domain.CommandError{CommandID: cmdID, Err: err},
			})
			return
		}
		// The server's view wins on conflicting fields.
		if result.ID != "" {
			if result.ID != p.taskID {
				c.col.remove(p.taskID)
			}
			c.col.upsert(result)
		}
		c.publishAndNotify()
		c.broker.notify(Change{Kind: ChangeCommandDone, GroupID: c.groupID, CommandID: cmdID})
	})
}

func (c *Core) rollback(p *pendingCommand) {
	if p.prior == nil {
		c.col.remove(p.taskID)
		return
	}
	c.col.upsert(*p.prior)
}

func (c *Core) failCommand(cmdID string, err error) {
	c.broker.notify(Change{
		Kind:      ChangeCommandFailed,
		GroupID:   c.groupID,
		CommandID: cmdID,
		Err:       &domain.CommandError{CommandID: cmdID, Err: err},
	})
}

// Shuffle requests a server-owned bulk reassignment of the group's tasks.
// There is no optimistic guess: on success the whole collection is replaced
// with the returned set. While one shuffle is outstanding further calls are
// dropped with ErrShuffleInFlight.
func (c *Core) Shuffle(groupID string) error {
	if groupID == "" {
		return &domain.ValidationError{Field: "groupId", Reason: "must not be empty"}
	}
	if !c.shuffler.acquire() {
		return ErrShuffleInFlight
	}
	posted := c.post(func() {
		epoch := c.epoch
		go func() {
			defer c.shuffler.release()
			ctx, cancel := c.callCtx()
			tasks, err := c.cfg.Gateway.Shuffle(ctx, groupID)
			cancel()
			c.post(func() {
				if c.epoch != epoch || c.groupID != groupID {
					return
				}
				if err != nil {
					c.logger.WithFields(log.Fields{"group": groupID, "err": err}).Error("shuffle failed")
					c.broker.notify(Change{
						Kind:    ChangeCommandFailed,
						GroupID: groupID,
						Err:     &domain.CommandError{CommandID: "shuffle", Err: err},
					})
					return
				}
				c.col.replaceAll(tasks)
				c.publishAndNotify()
			})
		}()
	})
	if !posted {
		c.shuffler.release()
		return ErrClosed
	}
	return nil
}
