package domain

import (
	"encoding/json"
	"fmt"
)

const (
	EventTaskCreated = "taskCreated"
	EventTaskUpdated = "taskUpdated"
	EventTaskDeleted = "taskDeleted"
)

// Event is a change notification delivered over the event channel. Exactly
// one of Task or TaskID is populated depending on the variant: created and
// updated events carry the full record, deleted events carry only the id.
type Event struct {
	Type    string `json:"type"`
	GroupID string `json:"groupId"`
	Task    *Task  `json:"task,omitempty"`
	TaskID  string `json:"taskId,omitempty"`
}

// DecodeEvent parses and validates a raw event frame. Malformed payloads are
// rejected here so undefined fields never propagate into the collection.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	switch ev.Type {
	case EventTaskCreated, EventTaskUpdated:
		if ev.Task == nil {
			return Event{}, fmt.Errorf("%s event without task payload", ev.Type)
		}
		if ev.Task.ID == "" {
			return Event{}, fmt.Errorf("%s event without task id", ev.Type)
		}
		if ev.GroupID == "" {
			ev.GroupID = ev.Task.GroupID
		}
	case EventTaskDeleted:
		if ev.TaskID == "" {
			return Event{}, fmt.Errorf("taskDeleted event without task id")
		}
	default:
		return Event{}, fmt.Errorf("unknown event type %q", ev.Type)
	}
	if ev.GroupID == "" {
		return Event{}, fmt.Errorf("%s event without group id", ev.Type)
	}
	return ev, nil
}

// EntityID returns the task id the event refers to, independent of variant.
func (ev Event) EntityID() string {
	if ev.Task != nil {
		return ev.Task.ID
	}
	return ev.TaskID
}
