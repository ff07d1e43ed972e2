package supervisor

import (
	"strings"
	"sync"

	"github.com/KaramelBytes/datachat/internal/utils"
)

// Memory keeps the raw text of prior turns for the reasoning prompt.
// It never influences how a response is assembled.
type Memory struct {
	mu        sync.Mutex
	lines     []string
	maxTokens int
}

// NewMemory keeps at most maxTokens of history; a non-positive limit keeps all of it.
func NewMemory(maxTokens int) *Memory {
	return &Memory{maxTokens: maxTokens}
}

// Add records one completed exchange.
func (m *Memory) Add(human, ai string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, "Human: "+human, "AI: "+ai)
}

// Clear forgets everything.
func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = nil
}

// Len returns the number of recorded messages (two per exchange).
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lines)
}

// String renders the newest history that fits the token budget.
func (m *Memory) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := utils.KeepNewest(m.lines, m.maxTokens)
	// never open the window on an AI line
	if len(kept) > 0 && strings.HasPrefix(kept[0], "AI: ") {
		kept = kept[1:]
	}
	return strings.Join(kept, "\n")
}
