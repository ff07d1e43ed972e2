// Package server exposes chat sessions over an HTTP JSON API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/KaramelBytes/datachat/internal/dataset"
	"github.com/KaramelBytes/datachat/internal/envelope"
	"github.com/KaramelBytes/datachat/internal/observability"
	"github.com/KaramelBytes/datachat/internal/session"
)

const defaultMaxUploadBytes = 32 << 20

// Chat is a loaded dataset with its coordinator.
type Chat interface {
	DatasetKey() string
	Run(ctx context.Context, question string) envelope.SupervisorResponse
	ClearMemory()
	Close() error
}

// OpenFunc loads the dataset at path into a new Chat.
type OpenFunc func(path string) (Chat, error)

type Dependencies struct {
	Sessions       *session.Manager
	Open           OpenFunc
	PlotsDir       string
	PlotURLPrefix  string
	MaxUploadBytes int64
	Logger         *zap.Logger
}

// Server routes requests and keeps one open Chat per active session.
type Server struct {
	deps    Dependencies
	log     *zap.Logger
	handler http.Handler

	mu    sync.Mutex
	chats map[string]*entry
}

// entry serializes turns and history writes of one session.
type entry struct {
	mu   sync.Mutex
	chat Chat
}

func New(deps Dependencies) *Server {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = defaultMaxUploadBytes
	}
	s := &Server{deps: deps, log: observability.OrNop(deps.Logger), chats: map[string]*entry{}}

	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, observability.MetricsMiddleware(pattern, h))
	}
	route("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	route("POST /api/sessions", s.createSession)
	route("GET /api/sessions", s.listSessions)
	route("GET /api/sessions/{id}", s.getSession)
	route("POST /api/sessions/{id}/query", s.query)
	route("DELETE /api/sessions/{id}/messages", s.clearMessages)
	route("DELETE /api/sessions/{id}", s.deleteSession)
	mux.Handle("GET /metrics", promhttp.Handler())
	if deps.PlotsDir != "" {
		prefix := strings.TrimRight(deps.PlotURLPrefix, "/") + "/"
		mux.Handle("GET "+prefix, http.StripPrefix(prefix, http.FileServer(http.Dir(deps.PlotsDir))))
	}

	s.handler = observability.RequestIDMiddleware(observability.LoggingMiddleware(s.log)(mux))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

// Close releases every open Chat.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for id, e := range s.chats {
		if err := e.chat.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
		delete(s.chats, id)
	}
	return errors.Join(errs...)
}

type sessionSummary struct {
	SessionID    string `json:"session_id"`
	CreatedAt    string `json:"created_at"`
	LastActivity string `json:"last_activity"`
	FilePath     string `json:"file_path"`
	Messages     int    `json:"messages"`
}

func summarize(sess *session.Session) sessionSummary {
	return sessionSummary{
		SessionID:    sess.ID,
		CreatedAt:    sess.CreatedAt,
		LastActivity: sess.LastActivity,
		FilePath:     sess.FilePath,
		Messages:     len(sess.Messages),
	}
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.deps.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.deps.MaxUploadBytes); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_UPLOAD", err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_UPLOAD", "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	sess, err := s.deps.Sessions.Create()
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SESSION_ERROR", err.Error())
		return
	}
	path, err := s.deps.Sessions.AttachReader(sess, header.Filename, file)
	if err == nil {
		err = s.open(sess.ID, path)
	}
	if err != nil {
		_ = s.deps.Sessions.Delete(sess.ID)
		writeError(r.Context(), w, statusFor(err), codeFor(err), err.Error())
		return
	}
	s.log.Info("session opened", zap.String("session", sess.ID), zap.String("file", header.Filename))
	writeJSON(w, http.StatusCreated, summarize(sess))
}

func (s *Server) open(id, path string) error {
	chat, err := s.deps.Open(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.chats[id]; ok {
		_ = old.chat.Close()
	}
	s.chats[id] = &entry{chat: chat}
	return nil
}

// chat returns the open Chat of a session, reopening its dataset after a restart.
func (s *Server) chat(sess *session.Session) (*entry, error) {
	s.mu.Lock()
	e, ok := s.chats[sess.ID]
	s.mu.Unlock()
	if ok {
		return e, nil
	}
	if sess.FilePath == "" {
		return nil, errNoDataset
	}
	if err := s.open(sess.ID, sess.FilePath); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chats[sess.ID], nil
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Sessions.List()
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SESSION_ERROR", err.Error())
		return
	}
	out := make([]sessionSummary, 0, len(list))
	for _, sess := range list {
		out = append(out, summarize(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Load(r.PathValue("id"))
	if err != nil {
		writeError(r.Context(), w, statusFor(err), codeFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type queryRequest struct {
	Query string `json:"query"`
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "body must be a JSON object with a query field")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "query is required")
		return
	}
	sess, err := s.deps.Sessions.Load(r.PathValue("id"))
	if err != nil {
		writeError(r.Context(), w, statusFor(err), codeFor(err), err.Error())
		return
	}
	e, err := s.chat(sess)
	if err != nil {
		writeError(r.Context(), w, statusFor(err), codeFor(err), err.Error())
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// reload under the session lock so concurrent turns do not drop messages
	if sess, err = s.deps.Sessions.Load(sess.ID); err != nil {
		writeError(r.Context(), w, statusFor(err), codeFor(err), err.Error())
		return
	}
	if err := s.deps.Sessions.AppendUser(sess, req.Query); err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SESSION_ERROR", err.Error())
		return
	}
	resp := e.chat.Run(r.Context(), req.Query)
	if err := s.deps.Sessions.AppendAssistant(sess, resp); err != nil {
		s.log.Error("persist response", zap.String("session", sess.ID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) clearMessages(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Load(r.PathValue("id"))
	if err != nil {
		writeError(r.Context(), w, statusFor(err), codeFor(err), err.Error())
		return
	}
	s.mu.Lock()
	e, ok := s.chats[sess.ID]
	s.mu.Unlock()
	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.chat.ClearMemory()
	}
	if err := s.deps.Sessions.ClearMessages(sess); err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SESSION_ERROR", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	if e, ok := s.chats[id]; ok {
		_ = e.chat.Close()
		delete(s.chats, id)
	}
	s.mu.Unlock()
	if err := s.deps.Sessions.Delete(id); err != nil {
		writeError(r.Context(), w, statusFor(err), codeFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var errNoDataset = errors.New("session has no dataset attached")

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrInvalidID):
		return http.StatusNotFound
	case errors.Is(err, errNoDataset):
		return http.StatusConflict
	case errors.Is(err, dataset.ErrUnsupportedFormat), errors.Is(err, dataset.ErrDecode),
		errors.Is(err, dataset.ErrFileNotFound), errors.Is(err, dataset.ErrNoPaths):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func codeFor(err error) string {
	switch statusFor(err) {
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusConflict:
		return "NO_DATASET"
	case http.StatusBadRequest:
		return "INVALID_DATASET"
	}
	return "INTERNAL"
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"request_id": observability.RequestIDFromContext(ctx),
	})
}
