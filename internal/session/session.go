// Package session persists chat sessions: one directory per session holding
// session.json and the uploaded dataset.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/KaramelBytes/datachat/internal/envelope"
	"github.com/KaramelBytes/datachat/internal/observability"
	"github.com/KaramelBytes/datachat/internal/utils"
)

const fileName = "session.json"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrInvalidID = errors.New("invalid session id")
)

// Message is one entry of the conversation. Content is a JSON string for
// raw text or a JSON object holding a serialized SupervisorResponse.
type Message struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Timestamp string          `json:"timestamp"`
}

// Text returns the content as plain text when it is a JSON string, or the
// raw JSON otherwise.
func (m Message) Text() string {
	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}
	return string(m.Content)
}

// Response decodes the content as a SupervisorResponse.
func (m Message) Response() (*envelope.SupervisorResponse, error) {
	return envelope.Decode(m.Content)
}

// Session is the persisted document.
type Session struct {
	ID           string    `json:"session_id"`
	CreatedAt    string    `json:"created_at"`
	Messages     []Message `json:"messages"`
	FilePath     string    `json:"file_path"`
	LastActivity string    `json:"last_activity"`
}

// Manager stores sessions under BaseDir.
type Manager struct {
	BaseDir string
	now     func() time.Time
	log     *zap.Logger
}

// NewManager returns a manager rooted at baseDir. A nil logger logs nothing.
func NewManager(baseDir string, logger *zap.Logger) *Manager {
	return &Manager{BaseDir: baseDir, now: time.Now, log: observability.OrNop(logger)}
}

// Dir returns the directory of a session.
func (m *Manager) Dir(id string) string { return filepath.Join(m.BaseDir, id) }

func (m *Manager) stamp() string { return envelope.Timestamp(m.now()) }

// Create makes and persists a new empty session.
func (m *Manager) Create() (*Session, error) {
	now := m.stamp()
	s := &Session{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		Messages:     []Message{},
		LastActivity: now,
	}
	if err := m.Save(s); err != nil {
		return nil, err
	}
	m.log.Info("session created", zap.String("session", s.ID))
	return s, nil
}

// Save writes session.json atomically.
func (m *Manager) Save(s *Session) error {
	if err := checkID(s.ID); err != nil {
		return err
	}
	if s.Messages == nil {
		s.Messages = []Message{}
	}
	data, err := utils.PrettyJSON(s)
	if err != nil {
		return err
	}
	if err := utils.SafeWriteFile(filepath.Join(m.Dir(s.ID), fileName), data); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Load reads a session by id.
func (m *Manager) Load(id string) (*Session, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(filepath.Join(m.Dir(id), fileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", id, err)
	}
	if s.LastActivity == "" {
		s.LastActivity = s.CreatedAt
	}
	return &s, nil
}

// Delete removes a session and every file it owns.
func (m *Manager) Delete(id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	if _, err := os.Stat(m.Dir(id)); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := os.RemoveAll(m.Dir(id)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	m.log.Info("session deleted", zap.String("session", id))
	return nil
}

// List returns every readable session, most recently active first.
// Unreadable documents are skipped.
func (m *Manager) List() ([]*Session, error) {
	entries, err := os.ReadDir(m.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var out []*Session
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		s, err := m.Load(e.Name())
		if err != nil {
			m.log.Debug("skipping session", zap.String("dir", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastActivity > out[j].LastActivity })
	return out, nil
}

// AttachFile copies a dataset into the session directory and records it.
func (m *Manager) AttachFile(s *Session, src string) (string, error) {
	dst := filepath.Join(m.Dir(s.ID), filepath.Base(src))
	if err := utils.CopyFile(src, dst); err != nil {
		return "", fmt.Errorf("attach file: %w", err)
	}
	return dst, m.attached(s, dst)
}

// AttachReader stores an uploaded dataset under name in the session directory.
func (m *Manager) AttachReader(s *Session, name string, r io.Reader) (string, error) {
	base := filepath.Base(filepath.Clean(name))
	if base == "." || base == string(filepath.Separator) || base == fileName {
		return "", fmt.Errorf("attach file: invalid name %q", name)
	}
	dst := filepath.Join(m.Dir(s.ID), base)
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if err := utils.SafeWriteFile(dst, b); err != nil {
		return "", fmt.Errorf("attach file: %w", err)
	}
	return dst, m.attached(s, dst)
}

func (m *Manager) attached(s *Session, path string) error {
	s.FilePath = path
	s.LastActivity = m.stamp()
	m.log.Info("dataset attached", zap.String("session", s.ID), zap.String("path", path))
	return m.Save(s)
}

// RemoveFiles deletes everything in the session directory except session.json.
func (m *Manager) RemoveFiles(id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	entries, err := os.ReadDir(m.Dir(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("remove session files: %w", err)
	}
	for _, e := range entries {
		if e.Name() == fileName {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.Dir(id), e.Name())); err != nil {
			return fmt.Errorf("remove session files: %w", err)
		}
	}
	return nil
}

// AppendUser records a user message and saves.
func (m *Manager) AppendUser(s *Session, text string) error {
	raw, err := json.Marshal(text)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return m.appendMessage(s, RoleUser, raw)
}

// AppendAssistant records a coordinator response and saves.
func (m *Manager) AppendAssistant(s *Session, resp envelope.SupervisorResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return m.appendMessage(s, RoleAssistant, raw)
}

func (m *Manager) appendMessage(s *Session, role string, content json.RawMessage) error {
	now := m.stamp()
	s.Messages = append(s.Messages, Message{Role: role, Content: content, Timestamp: now})
	s.LastActivity = now
	return m.Save(s)
}

// ClearMessages empties the conversation and saves.
func (m *Manager) ClearMessages(s *Session) error {
	s.Messages = []Message{}
	s.LastActivity = m.stamp()
	return m.Save(s)
}

func checkID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
