package sync

import "github.com/AngusTso/FamLite-Split/domain"

// collection is the authoritative per-group task set: a map keyed by task id
// plus insertion order, so presentation gets a stable ordered sequence.
// It is only ever touched by the core's event loop.
type collection struct {
	order []string
	items map[string]domain.Task
}

func newCollection() *collection {
	return &collection{items: make(map[string]domain.Task)}
}

func (c *collection) len() int { return len(c.order) }

func (c *collection) get(id string) (domain.Task, bool) {
	t, ok := c.items[id]
	return t, ok
}

// upsert replaces the record wholesale, keeping its position when it already
// exists and appending otherwise. Returns true when the id was new.
func (c *collection) upsert(t domain.Task) bool {
	_, exists := c.items[t.ID]
	c.items[t.ID] = t
	if exists {
		return false
	}
	c.order = append(c.order, t.ID)
	return true
}

func (c *collection) remove(id string) bool {
	if _, ok := c.items[id]; !ok {
		return false
	}
	delete(c.items, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

func (c *collection) replaceAll(tasks []domain.Task) {
	c.order = c.order[:0]
	c.items = make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		c.upsert(t)
	}
}

func (c *collection) clear() {
	c.order = nil
	c.items = make(map[string]domain.Task)
}

func (c *collection) snapshot() []domain.Task {
	out := make([]domain.Task, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.items[id])
	}
	return out
}
