// Package aitest provides a scripted ai.Runtime for tests.
package aitest

import (
	"context"
	"errors"
	"sync"

	"github.com/KaramelBytes/datachat/internal/ai"
)

// ErrExhausted is returned once every scripted reply has been consumed.
var ErrExhausted = errors.New("aitest: no scripted replies left")

// Reply is one scripted answer: Text, or Err when non-nil.
type Reply struct {
	Text string
	Err  error
}

// Scripted replays replies in order and records every request it receives.
// Respond, when set, is consulted first and may compute a reply from the request.
type Scripted struct {
	mu       sync.Mutex
	replies  []Reply
	Respond  func(req ai.GenerateRequest) (Reply, bool)
	Requests []ai.GenerateRequest
}

// NewScripted returns a runtime that answers with texts in order.
func NewScripted(texts ...string) *Scripted {
	s := &Scripted{}
	for _, t := range texts {
		s.replies = append(s.replies, Reply{Text: t})
	}
	return s
}

// Push appends replies.
func (s *Scripted) Push(r ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, r...)
}

// Calls returns the number of requests received so far.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Requests)
}

func (s *Scripted) Generate(ctx context.Context, req ai.GenerateRequest) (*ai.GenerateResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.Requests = append(s.Requests, req)
	respond := s.Respond
	s.mu.Unlock()

	var r Reply
	handled := false
	if respond != nil {
		r, handled = respond(req)
	}
	if !handled {
		s.mu.Lock()
		if len(s.replies) == 0 {
			s.mu.Unlock()
			return nil, ErrExhausted
		}
		r = s.replies[0]
		s.replies = s.replies[1:]
		s.mu.Unlock()
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return &ai.GenerateResponse{
		ID:      "scripted",
		Model:   req.Model,
		Choices: []ai.Choice{{Message: ai.Message{Role: "assistant", Content: r.Text}}},
	}, nil
}
