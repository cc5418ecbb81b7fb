// Package api exposes the FamLite REST surface and the websocket event
// channel endpoint.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/AngusTso/FamLite-Split/domain"
	"github.com/AngusTso/FamLite-Split/server/auth"
	"github.com/AngusTso/FamLite-Split/server/storage"
)

const requestBodyMaxSize = 1 << 20

// Storage abstracts persistence for handlers.
type Storage interface {
	CreateUser(ctx context.Context, name, email, passwordHash string) (storage.UserRecord, error)
	UserByEmail(ctx context.Context, email string) (storage.UserRecord, error)
	UserByID(ctx context.Context, id string) (storage.UserRecord, error)
	CreateGroup(ctx context.Context, name, leaderID string) (domain.Group, error)
	GroupByInvite(ctx context.Context, code string) (domain.Group, error)
	AddMember(ctx context.Context, groupID, userID string) error
	Members(ctx context.Context, groupID string) ([]domain.Member, error)
	UserGroups(ctx context.Context, userID string) ([]domain.Group, error)
	Tasks(ctx context.Context, groupID string) ([]domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	CreateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	UpdateTask(ctx context.Context, t domain.Task) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) (domain.Task, error)
	Shuffle(ctx context.Context, groupID string) ([]domain.Task, []domain.Task, error)
}

// Authenticator issues and validates bearer tokens.
type Authenticator interface {
	IssueToken(userID string) (string, error)
	UserIDFromAuthHeader(h string) (string, error)
}

// Publisher delivers task events to group rooms.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event)
}

type handlers struct {
	store  Storage
	auth   Authenticator
	hub    Publisher
	logger *log.Logger
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ChannelServer owns upgraded websocket connections.
type ChannelServer interface {
	Serve(conn *websocket.Conn)
}

// Register wires all routes on the provided Echo instance.
func Register(e *echo.Echo, store Storage, a Authenticator, hub Publisher, ch ChannelServer, logger *log.Logger) {
	h := &handlers{store: store, auth: a, hub: hub, logger: logger}

	e.POST("/register", h.register)
	e.POST("/login", h.login)

	e.POST("/groups", h.createGroup)
	e.POST("/groups/join", h.joinGroup)
	e.GET("/groups/:id/members", h.groupMembers)
	e.GET("/users/:id/groups", h.userGroups)

	e.GET("/tasks", h.listTasks)
	e.POST("/tasks", h.createTask)
	e.POST("/tasks/shuffle", h.shuffleTasks)
	e.PUT("/tasks/:id", h.updateTask)
	e.POST("/tasks/:id", h.toggleTask)
	e.DELETE("/tasks/:id", h.deleteTask)

	e.GET("/ws", h.channelUpgrade(ch))
	e.GET("/healthz", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
}

type errorResponse struct {
	Error string `json:"error"`
}

func fail(c echo.Context, status int, msg string) error {
	return c.JSON(status, errorResponse{Error: msg})
}

// decodeBody reads a size-limited JSON body, rejecting unknown fields.
func decodeBody(c echo.Context, v any) error {
	lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (h *handlers) userID(c echo.Context) (string, error) {
	return h.auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

func (h *handlers) register(c echo.Context) error {
	var req registerRequest
	if err := decodeBody(c, &req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid body")
	}
	if strings.TrimSpace(req.Username) == "" || strings.TrimSpace(req.Email) == "" {
		return fail(c, http.StatusBadRequest, "username and email are required")
	}
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return fail(c, http.StatusBadRequest, err.Error())
	}
	u, err := h.store.CreateUser(c.Request().Context(), req.Username, req.Email, hash)
	if errors.Is(err, storage.ErrEmailTaken) {
		return fail(c, http.StatusConflict, "email already registered")
	}
	if err != nil {
		c.Logger().Error(err)
		return fail(c, http.StatusInternalServerError, "registration failed")
	}
	return h.session(c, u)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *handlers) login(c echo.Context) error {
	var req loginRequest
	if err := decodeBody(c, &req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid body")
	}
	u, err := h.store.UserByEmail(c.Request().Context(), req.Email)
	if errors.Is(err, storage.ErrNotFound) {
		return fail(c, http.StatusUnauthorized, "invalid email or password")
	}
	if err != nil {
		c.Logger().Error(err)
		return fail(c, http.StatusInternalServerError, "login failed")
	}
	if !auth.CheckPassword(u.PasswordHash, req.Password) {
		return fail(c, http.StatusUnauthorized, "invalid email or password")
	}
	return h.session(c, u)
}

func (h *handlers) session(c echo.Context, u storage.UserRecord) error {
	token, err := h.auth.IssueToken(u.ID)
	if err != nil {
		c.Logger().Error(err)
		return fail(c, http.StatusInternalServerError, "token issue failed")
	}
	return c.JSON(http.StatusOK, sessionResponse{Token: token, User: u.User()})
}

type createGroupRequest struct {
	Name     string `json:"name"`
	LeaderID string `json:"leaderId"`
}

func (h *handlers) createGroup(c echo.Context) error {
	userID, err := h.userID(c)
	if err != nil {
		return fail(c, http.StatusUnauthorized, err.Error())
	}
	var req createGroupRequest
	if err := decodeBody(c, &req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid body")
	}
	if strings.TrimSpace(req.Name) == "" {
		return fail(c, http.StatusBadRequest, "group name is required")
	}
	// The authenticated user leads the group regardless of the body.
	g, err := h.store.CreateGroup(c.Request().Context(), strings.TrimSpace(req.Name), userID)
	if err != nil {
		c.Logger().Error(err)
		return fail(c, http.StatusInternalServerError, "group creation failed")
	}
	return c.JSON(http.StatusOK, g)
}

type joinGroupRequest struct {
	InviteCode string `json:"inviteCode"`
	UserID     string `json:"userId"`
}

func (h *handlers) joinGroup(c echo.Context) error {
	userID, err := h.userID(c)
	if err != nil {
		return fail(c, http.StatusUnauthorized, err.Error())
	}
	var req joinGroupRequest
	if err := decodeBody(c, &req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid body")
	}
	ctx := c.Request().Context()
	g, err := h.store.GroupByInvite(ctx, req.InviteCode)
	if errors.Is(err, storage.ErrInvalidInvite) {
		return fail(c, http.StatusNotFound, "invalid invite code")
	}
	if err != nil {
		c.Logger().Error(err)
		return fail(c, http.StatusInternalServerError, "join failed")
	}
	if err := h.store.AddMember(ctx, g.ID, userID); err != nil {
		c.Logger().Error(err)
		return fail(c, http.StatusInternalServerError, "join failed")
	}
	return c.JSON(http.StatusOK, g)
}

func (h *handlers) groupMembers(c echo.Context) error {
	if _, err := h.userID(c); err != nil {
		return fail(c, http.StatusUnauthorized, err.Error())
	}
	members, err := h.store.Members(c.Request().Context(), c.Param("id"))
	if err != nil {
		c.Logger().Error(err)
		return fail(c, http.StatusInternalServerError, "member fetch failed")
	}
	return c.JSON(http.StatusOK, members)
}

func (h *handlers) userGroups(c echo.Context) error {
	userID, err := h.userID(c)
	if err != nil {
		return fail(c, http.StatusUnauthorized, err.Error())
	}
	if c.Param("id") != userID {
		return fail(c, http.StatusForbidden, "cannot list another user's groups")
	}
	groups, err := h.store.UserGroups(c.Request().Context(), userID)
	if err != nil {
		c.Logger().Error(err)
		return fail(c, http.StatusInternalServerError, "group fetch failed")
	}
	return c.JSON(http.StatusOK, groups)
}

func (h *handlers) listTasks(c echo.Context) error {
	metrics, spanCtx := newTaskRequestMetrics(c.Request().Context(), h.logger)
	c.SetRequest(c.Request().WithContext(spanCtx))
	var opErr error
	defer func() {
		metrics.Log(c.Response().Status, opErr)
	}()

	authStart := time.Now()
	_, err := h.userID(c)
	metrics.ObserveAuth(time.Since(authStart))
	if err != nil {
		metrics.SetErrorStage("auth")
		return fail(c, http.StatusUnauthorized, err.Error())
	}
	groupID := c.QueryParam("groupId")
	if groupID == "" {
		metrics.SetErrorStage("missing_group_id")
		return fail(c, http.StatusBadRequest, "groupId is required")
	}
	fetchStart := time.Now()
	tasks, err := h.store.Tasks(c.Request().Context(), groupID)
	metrics.ObserveFetch(time.Since(fetchStart))
	if err != nil {
		opErr = err
		metrics.SetErrorStage("storage")
		c.Logger().Error(err)
		return fail(c, http.StatusInternalServerError, "task fetch failed")
	}
	metrics.SetTasksReturned(len(tasks))
	return c.JSON(http.StatusOK, tasks)
}

func (h *handlers) createTask(c echo.Context) error {
	userID, err := h.userID(c)
	if err != nil {
		return fail(c, http.StatusUnauthorized, err.Error())
	}
	var t domain.Task
	if err := decodeBody(c, &t); err != nil {
		return fail(c, http.StatusBadRequest, "invalid body")
	}
	if err := t.Validate(); err != nil {
		return fail(c, http.StatusBadRequest, err.Error())
	}
	if t.GroupID == "" {
		return fail(c, http.StatusBadRequest, "groupId is required")
	}
	if t.CreatedBy == "" {
		t.CreatedBy = userID
	}
	ctx := c.Request().Context()
	created, err := h.store.CreateTask(ctx, t)
	if errors.Is(err, storage.ErrTaskExists) {
		return fail(c, http.StatusConflict, "task id already in use")
	}
	if err != nil {
		c.Logger().Error(err)
		return fail(c, http.StatusInternalServerError, "task creation failed")
	}
	h.hub.Publish(ctx, domain.Event{Type: domain.EventTaskCreated, GroupID: created.GroupID, Task: &created})
	return c.JSON(http.StatusOK, created)
}

func (h *handlers) updateTask(c echo.Context) error {
	if _, err := h.userID(c); err != nil {
		return fail(c, http.StatusUnauthorized, err.Error())
	}
	var t domain.Task
	if err := decodeBody(c, &t); err != nil {
		return fail(c, http.StatusBadRequest, "invalid body")
	}
	t.ID = c.Param("id")
	if err := t.Validate(); err != nil {
		return fail(c, http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	updated, err := h.store.UpdateTask(ctx, t)
	if errors.Is(err, storage.ErrNotFound) {
		return fail(c, http.StatusNotFound, "unknown task")
	}
	if err != nil {
		c.Logger().Error(err)
		return fail(c, http.StatusInternalServerError, "task update failed")
	}
	h.hub.Publish(ctx, domain.Event{Type: domain.EventTaskUpdated, GroupID: updated.GroupID, Task: &updated})
	return c.JSON(http.StatusOK, updated)
}

type toggleRequest struct {
	IsCompleted bool `json:"isCompleted"`
}

func (h *handlers) toggleTask(c echo.Context) error {
	if _, err := h.userID(c); err != nil {
		return fail(c, http.StatusUnauthorized, err.Error())
	}
	var req toggleRequest
	if err := decodeBody(c, &req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid body")
	}
	ctx := c.Request().Context()
	t, err := h.store.GetTask(ctx, c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		return fail(c, http.StatusNotFound, "unknown task")
	}
	if err != nil {
		c.Logger().Error(err)
		return fail(c, http.StatusInternalServerError, "task fetch failed")
	}
	t.IsCompleted = req.IsCompleted
	updated, err := h.store.UpdateTask(ctx, t)
	if err != nil {
		c.Logger().Error(err)
		return fail(c, http.StatusInternalServerError, "task update failed")
	}
	h.hub.Publish(ctx, domain.Event{Type: domain.EventTaskUpdated, GroupID: updated.GroupID, Task: &updated})
	return c.JSON(http.StatusOK, updated)
}

func (h *handlers) deleteTask(c echo.Context) error {
	if _, err := h.userID(c); err != nil {
		return fail(c, http.StatusUnauthorized, err.Error())
	}
	ctx := c.Request().Context()
	t, err := h.store.DeleteTask(ctx, c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		return fail(c, http.StatusNotFound, "unknown task")
	}
	if err != nil {
		c.Logger().Error(err)
		return fail(c, http.StatusInternalServerError, "task delete failed")
	}
	h.hub.Publish(ctx, domain.Event{Type: domain.EventTaskDeleted, GroupID: t.GroupID, TaskID: t.ID})
	return c.NoContent(http.StatusNoContent)
}

type shuffleRequest struct {
	GroupID string `json:"groupId"`
}

func (h *handlers) shuffleTasks(c echo.Context) error {
	if _, err := h.userID(c); err != nil {
		return fail(c, http.StatusUnauthorized, err.Error())
	}
	var req shuffleRequest
	if err := decodeBody(c, &req); err != nil {
		return fail(c, http.StatusBadRequest, "invalid body")
	}
	if req.GroupID == "" {
		return fail(c, http.StatusBadRequest, "groupId is required")
	}
	ctx := c.Request().Context()
	tasks, reassigned, err := h.store.Shuffle(ctx, req.GroupID)
	if err != nil {
		c.Logger().Error(err)
		return fail(c, http.StatusInternalServerError, "shuffle failed")
	}
	for i := range reassigned {
		t := reassigned[i]
		h.hub.Publish(ctx, domain.Event{Type: domain.EventTaskUpdated, GroupID: t.GroupID, Task: &t})
	}
	return c.JSON(http.StatusOK, tasks)
}

// channelUpgrade authenticates and upgrades the websocket event channel.
// Browser websocket clients cannot set headers, so a token query parameter
// is accepted as well.
func (h *handlers) channelUpgrade(ch ChannelServer) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if authHeader == "" {
			if token := c.QueryParam("token"); token != "" {
				authHeader = "Bearer " + token
			}
		}
		if _, err := h.auth.UserIDFromAuthHeader(authHeader); err != nil {
			return fail(c, http.StatusUnauthorized, err.Error())
		}
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}
		go ch.Serve(conn)
		return nil
	}
}
