package domain

import (
	"strings"
	"time"
)

// Task is a single shared to-do item within a group. The zero ID marks a
// task that has not been accepted by the backend yet.
type Task struct {
	ID          string     `json:"id"`
	GroupID     string     `json:"groupId"`
	Name        string     `json:"taskName"`
	Description string     `json:"description,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	AssignedTo  string     `json:"assignedTo,omitempty"`
	CreatedBy   string     `json:"createdBy,omitempty"`
	IsCompleted bool       `json:"isCompleted"`
	CreatedAt   time.Time  `json:"createdAt,omitempty"`
}

// Validate checks the fields a client must fill before a task may be sent
// anywhere. The backend owns everything else (ID, CreatedAt).
func (t Task) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return &ValidationError{Field: "taskName", Reason: "must not be empty"}
	}
	if t.DueDate != nil && t.DueDate.IsZero() {
		return &ValidationError{Field: "dueDate", Reason: "must be a valid timestamp"}
	}
	return nil
}

// Member is a group participant as returned by the members endpoint.
// Members are immutable for the lifetime of a group-view session.
type Member struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Group is a shared household board. The invite code is how new members join.
type Group struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	InviteCode string `json:"inviteCode"`
	LeaderID   string `json:"leaderId,omitempty"`
}

// User is an authenticated account.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}
