package duo

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Manager tracks live conversations: each Start mints a fresh conversation
// id and exactly one orchestrator goroutine owns it. Two concurrent starts
// therefore always produce two independent conversations, never a merge.
type Manager struct {
	orch *Orchestrator

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewManager creates a manager around orch.
func NewManager(orch *Orchestrator) *Manager {
	return &Manager{orch: orch, cancels: make(map[string]context.CancelFunc)}
}

// Start launches a conversation in the background and returns its fresh id.
// The conversation record is written before Start returns, so the id can be
// looked up immediately. The optional onDone callback receives the final
// result.
func (m *Manager) Start(ctx context.Context, p Params, onDone func(Result)) string {
	id := uuid.New().String()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	m.orch.Begin(context.WithoutCancel(ctx), id, p)

	m.mu.Lock()
	m.cancels[id] = cancel
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.cancels, id)
			m.mu.Unlock()
			cancel()
		}()

		res, _ := m.orch.Run(runCtx, id, p)
		if onDone != nil {
			onDone(res)
		}
	}()

	return id
}

// Cancel requests cooperative cancellation of a live conversation. It
// returns an error when the conversation is unknown or already terminal.
func (m *Manager) Cancel(conversationID string) error {
	m.mu.Lock()
	cancel, ok := m.cancels[conversationID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("conversation %s is not running", conversationID)
	}
	cancel()
	return nil
}

// Running reports whether the conversation is still live.
func (m *Manager) Running(conversationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.cancels[conversationID]
	return ok
}
