// Package storage persists FamLite users, groups and tasks in redis.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/AngusTso/FamLite-Split/domain"
)

const (
	userKeyPrefix   = "famlite:user:"
	emailKeyPrefix  = "famlite:email:"
	groupKeyPrefix  = "famlite:group:"
	inviteKeyPrefix = "famlite:invite:"
	taskKeyPrefix   = "famlite:task:"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrEmailTaken is returned when registering an already known email.
	ErrEmailTaken = errors.New("email already registered")
	// ErrInvalidInvite is returned for an unknown invite code.
	ErrInvalidInvite = errors.New("invalid invite code")
	// ErrTaskExists is returned when creating a task with an id already in use.
	ErrTaskExists = errors.New("task id already in use")
)

// UserRecord is a stored account, password hash included. It never leaves
// the server process.
type UserRecord struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	PasswordHash string `json:"passwordHash"`
}

// User strips the secret fields for wire use.
func (u UserRecord) User() domain.User {
	return domain.User{ID: u.ID, Name: u.Name, Email: u.Email}
}

// Store is the redis-backed persistence layer.
type Store struct {
	rdb *redis.Client
}

// New wraps an existing redis client.
func New(rdb *redis.Client) *Store {
	if rdb == nil {
		panic("storage: redis client is required")
	}
	return &Store{rdb: rdb}
}

func membersKey(groupID string) string { return groupKeyPrefix + groupID + ":members" }
func userGroupsKey(userID string) string {
	return userKeyPrefix + userID + ":groups"
}
func groupTasksKey(groupID string) string { return groupKeyPrefix + groupID + ":tasks" }

// CreateUser registers an account. The email index is claimed first so two
// concurrent registrations cannot share an address.
func (s *Store) CreateUser(ctx context.Context, name, email, passwordHash string) (UserRecord, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u := UserRecord{ID: uuid.NewString(), Name: name, Email: email, PasswordHash: passwordHash}
	ok, err := s.rdb.SetNX(ctx, emailKeyPrefix+email, u.ID, 0).Result()
	if err != nil {
		return UserRecord{}, fmt.Errorf("claim email: %w", err)
	}
	if !ok {
		return UserRecord{}, ErrEmailTaken
	}
	if err := s.setJSON(ctx, userKeyPrefix+u.ID, u); err != nil {
		return UserRecord{}, err
	}
	return u, nil
}

// UserByEmail resolves an account through the email index.
func (s *Store) UserByEmail(ctx context.Context, email string) (UserRecord, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	id, err := s.rdb.Get(ctx, emailKeyPrefix+email).Result()
	if errors.Is(err, redis.Nil) {
		return UserRecord{}, ErrNotFound
	}
	if err != nil {
		return UserRecord{}, err
	}
	return s.UserByID(ctx, id)
}

// UserByID fetches an account record.
func (s *Store) UserByID(ctx context.Context, id string) (UserRecord, error) {
	var u UserRecord
	if err := s.getJSON(ctx, userKeyPrefix+id, &u); err != nil {
		return UserRecord{}, err
	}
	return u, nil
}

// CreateGroup creates a group with a fresh invite code and its leader as the
// first member.
func (s *Store) CreateGroup(ctx context.Context, name, leaderID string) (domain.Group, error) {
	g := domain.Group{
		ID:         uuid.NewString(),
		Name:       name,
		InviteCode: strings.ToUpper(uuid.NewString()[:8]),
		LeaderID:   leaderID,
	}
	if err := s.setJSON(ctx, groupKeyPrefix+g.ID, g); err != nil {
		return domain.Group{}, err
	}
	if err := s.rdb.Set(ctx, inviteKeyPrefix+g.InviteCode, g.ID, 0).Err(); err != nil {
		return domain.Group{}, err
	}
	if err := s.AddMember(ctx, g.ID, leaderID); err != nil {
		return domain.Group{}, err
	}
	return g, nil
}

// GroupByID fetches a group.
func (s *Store) GroupByID(ctx context.Context, id string) (domain.Group, error) {
	var g domain.Group
	if err := s.getJSON(ctx, groupKeyPrefix+id, &g); err != nil {
		return domain.Group{}, err
	}
	return g, nil
}

// GroupByInvite resolves a group through its invite code.
func (s *Store) GroupByInvite(ctx context.Context, code string) (domain.Group, error) {
	id, err := s.rdb.Get(ctx, inviteKeyPrefix+strings.ToUpper(strings.TrimSpace(code))).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Group{}, ErrInvalidInvite
	}
	if err != nil {
		return domain.Group{}, err
	}
	return s.GroupByID(ctx, id)
}

// AddMember joins userID to the group and indexes the membership both ways.
func (s *Store) AddMember(ctx context.Context, groupID, userID string) error {
	if err := s.rdb.SAdd(ctx, membersKey(groupID), userID).Err(); err != nil {
		return err
	}
	return s.rdb.SAdd(ctx, userGroupsKey(userID), groupID).Err()
}

// Members lists a group's members.
func (s *Store) Members(ctx context.Context, groupID string) ([]domain.Member, error) {
	ids, err := s.rdb.SMembers(ctx, membersKey(groupID)).Result()
	if err != nil {
		return nil, err
	}
	members := make([]domain.Member, 0, len(ids))
	for _, id := range ids {
		u, err := s.UserByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		members = append(members, domain.Member{ID: u.ID, Name: u.Name})
	}
	return members, nil
}

// UserGroups lists the groups a user belongs to.
func (s *Store) UserGroups(ctx context.Context, userID string) ([]domain.Group, error) {
	ids, err := s.rdb.SMembers(ctx, userGroupsKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	groups := make([]domain.Group, 0, len(ids))
	for _, id := range ids {
		g, err := s.GroupByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// CreateTask persists a task and indexes it under its group, ordered by
// creation time. A client-supplied id is honored so optimistic inserts can
// be correlated; otherwise one is assigned. The task key is claimed, never
// overwritten: a reused id must not move an existing task into another group.
func (s *Store) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.GroupID == "" {
		return domain.Task{}, errors.New("task requires a group id")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(t)
	if err != nil {
		return domain.Task{}, err
	}
	ok, err := s.rdb.SetNX(ctx, taskKeyPrefix+t.ID, data, 0).Result()
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return domain.Task{}, ErrTaskExists
	}
	err = s.rdb.ZAdd(ctx, groupTasksKey(t.GroupID), redis.Z{
		Score:  float64(t.CreatedAt.UnixNano()),
		Member: t.ID,
	}).Err()
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// GetTask fetches a single task.
func (s *Store) GetTask(ctx context.Context, id string) (domain.Task, error) {
	var t domain.Task
	if err := s.getJSON(ctx, taskKeyPrefix+id, &t); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// UpdateTask replaces a task wholesale. GroupID and CreatedAt are pinned to
// the stored record; a task never silently changes group.
func (s *Store) UpdateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	cur, err := s.GetTask(ctx, t.ID)
	if err != nil {
		return domain.Task{}, err
	}
	t.GroupID = cur.GroupID
	t.CreatedAt = cur.CreatedAt
	if t.CreatedBy == "" {
		t.CreatedBy = cur.CreatedBy
	}
	if err := s.setJSON(ctx, taskKeyPrefix+t.ID, t); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// DeleteTask removes a task and its group index entry.
func (s *Store) DeleteTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if err := s.rdb.Del(ctx, taskKeyPrefix+id).Err(); err != nil {
		return domain.Task{}, err
	}
	if err := s.rdb.ZRem(ctx, groupTasksKey(t.GroupID), id).Err(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// Tasks returns a group's tasks in creation order.
func (s *Store) Tasks(ctx context.Context, groupID string) ([]domain.Task, error) {
	ids, err := s.rdb.ZRange(ctx, groupTasksKey(groupID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTask(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Shuffle randomly reassigns the group's open tasks across its members and
// returns the full task list. Completed tasks keep their assignee.
func (s *Store) Shuffle(ctx context.Context, groupID string) ([]domain.Task, []domain.Task, error) {
	tasks, err := s.Tasks(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	memberIDs, err := s.rdb.SMembers(ctx, membersKey(groupID)).Result()
	if err != nil {
		return nil, nil, err
	}
	if len(memberIDs) == 0 {
		return tasks, nil, nil
	}
	rand.Shuffle(len(memberIDs), func(i, j int) {
		memberIDs[i], memberIDs[j] = memberIDs[j], memberIDs[i]
	})
	var reassigned []domain.Task
	next := 0
	for i := range tasks {
		if tasks[i].IsCompleted {
			continue
		}
		assignee := memberIDs[next%len(memberIDs)]
		next++
		if tasks[i].AssignedTo == assignee {
			continue
		}
		tasks[i].AssignedTo = assignee
		if err := s.setJSON(ctx, taskKeyPrefix+tasks[i].ID, tasks[i]); err != nil {
			return nil, nil, err
		}
		reassigned = append(reassigned, tasks[i])
	}
	return tasks, reassigned, nil
}

func (s *Store) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, data, 0).Err()
}

func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
