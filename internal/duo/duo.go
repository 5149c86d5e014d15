// Package duo runs one conversation between two agents: the turn engine
// produces a single streamed reply, the orchestrator loops turns under a
// TTL with cancellation, and the manager tracks live conversations.
package duo

import (
	"context"
	"time"

	"benchduo/internal/agent"
	"benchduo/internal/engine"
)

// Sender roles within a conversation. The seed prompt is the user's; agents
// strictly alternate starting with agent1.
const (
	RoleUser   = "user"
	RoleAgent1 = "agent1"
	RoleAgent2 = "agent2"
)

// Status of a conversation. running is the only non-terminal state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Message is one transcript entry. Immutable once appended; Seq is the
// total order.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Sender         string `json:"sender"`
	Content        string `json:"content"`
	Seq            int    `json:"seq"`
}

// Event is one streaming update for a conversation's subscribers. Fragment
// events carry Text with Done=false; Done=true marks the end of a turn;
// Final=true is the terminal signal carrying the conversation's outcome.
type Event struct {
	ConversationID string `json:"conversation_id"`
	Sender         string `json:"sender,omitempty"`
	Text           string `json:"text,omitempty"`
	Done           bool   `json:"done"`
	Final          bool   `json:"final,omitempty"`
	Status         Status `json:"status,omitempty"`
}

// Participant pairs an agent configuration with its conversation role and
// the backend model name to generate with.
type Participant struct {
	Role      string
	Config    agent.Config
	ModelName string
}

// Store is the persistence collaborator. Calls are best-effort: failures
// are reported to the caller but never roll back in-memory orchestration.
type Store interface {
	CreateConversation(ctx context.Context, id string, agent1ID, agent2ID, prompt string, maxTurns int, seed *int64) error
	AppendMessage(ctx context.Context, msg Message) error
	UpdateConversationStatus(ctx context.Context, id string, status Status, finishedAt time.Time) error
}

// Publisher is the event subscription collaborator; fan-out to observers is
// its concern.
type Publisher interface {
	Publish(topic string, ev Event)
}

// ConnectorSource resolves a model id to the backend connector to generate
// through. The readiness registry satisfies this, so turns reuse the same
// breaker-wrapped client that probes do.
type ConnectorSource interface {
	Connector(modelID string) (engine.Connector, error)
}
