package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Model is a registered inference endpoint plus the model it serves.
type Model struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"` // "ollama", "mlx", "tensorrt-llm"
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	ModelName string    `json:"model_name"` // backend-side model identifier
	CreatedAt time.Time `json:"created_at"`
}

// Agent pairs a model with a persona and generation parameters.
type Agent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	ModelID      string    `json:"model_id"`
	SystemPrompt string    `json:"system_prompt"`
	MaxTokens    int       `json:"max_tokens"`
	Temperature  float64   `json:"temperature"`
	Disabled     bool      `json:"disabled"`
	CreatedAt    time.Time `json:"created_at"`
}

// Conversation is one duo run's header row; its transcript lives in
// messages.
type Conversation struct {
	ID         string     `json:"id"`
	Agent1ID   string     `json:"agent1_id"`
	Agent2ID   string     `json:"agent2_id"`
	Prompt     string     `json:"prompt"`
	MaxTurns   int        `json:"max_turns"`
	Seed       *int64     `json:"seed,omitempty"`
	Status     string     `json:"status"` // "running", "completed", "cancelled", "error"
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// StoredMessage is one transcript row. Seq is the conversation-local order.
type StoredMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Content        string    `json:"content"`
	Seq            int       `json:"seq"`
	CreatedAt      time.Time `json:"created_at"`
}

// BatchJob is a submitted batch of duo runs.
type BatchJob struct {
	ID          string    `json:"id"`
	Agent1ID    string    `json:"agent1_id"`
	Agent2ID    string    `json:"agent2_id"`
	Prompt      string    `json:"prompt"`
	MaxTurns    int       `json:"max_turns"`
	Seed        int64     `json:"seed"`
	NumRuns     int       `json:"num_runs"`
	Concurrency int       `json:"concurrency"`
	Status      string    `json:"status"` // "queued", "running", "completed", "cancelled", "error"
	SummaryJSON string    `json:"summary_json,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// BatchRun records one finished constituent run of a batch job.
type BatchRun struct {
	JobID          string    `json:"job_id"`
	RunIndex       int       `json:"run_index"`
	ConversationID string    `json:"conversation_id"`
	Status         string    `json:"status"`
	Turns          int       `json:"turns"`
	ElapsedMs      int64     `json:"elapsed_ms"`
	Tokens         int       `json:"tokens"`
	CreatedAt      time.Time `json:"created_at"`
}

// Evaluation is one judge-panel scoring job over a conversation.
type Evaluation struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	MainModelID    string    `json:"main_model_id"`
	JudgeModelIDs  string    `json:"judge_model_ids"` // JSON array stored as text
	Status         string    `json:"status"`          // "running", "completed", "failed"
	ResultsJSON    string    `json:"results_json,omitempty"`
	ReportJSON     string    `json:"report_json,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
