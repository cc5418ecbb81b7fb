// Package session stores the bearer credential and user identity between
// runs. It is the client's only persistent state; everything else is
// refetched.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/AngusTso/FamLite-Split/domain"
)

// Session is a persisted credential with the account it belongs to.
type Session struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

// Store loads and persists sessions.
type Store interface {
	Load() (Session, bool, error)
	Save(Session) error
	Clear() error
}

// FileStore keeps the session as a JSON file. It also implements the
// credential provider surface consumed by the gateway and the channel.
type FileStore struct {
	path string

	mu  sync.Mutex
	cur Session
	ok  bool
}

// NewFileStore opens (or prepares) a session file at path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("session: path is required")
	}
	s := &FileStore{path: path}
	if _, _, err := s.Load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads the session from disk. The second result is false when no
// session is stored.
func (s *FileStore) Load() (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.cur, s.ok = Session{}, false
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("session: read %s: %w", s.path, err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, false, fmt.Errorf("session: parse %s: %w", s.path, err)
	}
	s.cur, s.ok = sess, sess.Token != ""
	return s.cur, s.ok, nil
}

// Save persists the session, creating parent directories as needed.
func (s *FileStore) Save(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("session: mkdir: %w", err)
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("session: write %s: %w", s.path, err)
	}
	s.cur, s.ok = sess, sess.Token != ""
	return nil
}

// Clear forgets the stored session.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur, s.ok = Session{}, false
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("session: remove %s: %w", s.path, err)
	}
	return nil
}

// Token returns the stored bearer credential, or "" when logged out.
func (s *FileStore) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.Token
}

// User returns the stored identity. The zero User means logged out.
func (s *FileStore) User() domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.User
}
