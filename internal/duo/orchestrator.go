package duo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Result summarizes one finished conversation.
type Result struct {
	ConversationID string
	Status         Status
	Turns          int
	Messages       []Message
	Elapsed        time.Duration
	Tokens         int
}

// Params configures one conversation run.
type Params struct {
	Agent1   Participant
	Agent2   Participant
	Prompt   string
	MaxTurns int
	// MaxDuration optionally bounds wall-clock time alongside MaxTurns;
	// whichever trips first ends the conversation.
	MaxDuration time.Duration
	Seed        *int64
}

// Orchestrator owns one live conversation at a time per Run call: it loops
// the turn engine, appends to the transcript, streams events, and decides
// the terminal status.
type Orchestrator struct {
	turns       *TurnEngine
	store       Store
	pub         Publisher
	turnTimeout time.Duration
	logger      *slog.Logger
}

// NewOrchestrator wires an orchestrator. turnTimeout bounds one generation
// call; <=0 defaults to 5 minutes (cold local models are slow).
func NewOrchestrator(turns *TurnEngine, store Store, pub Publisher, turnTimeout time.Duration, logger *slog.Logger) *Orchestrator {
	if turnTimeout <= 0 {
		turnTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{turns: turns, store: store, pub: pub, turnTimeout: turnTimeout, logger: logger}
}

// Begin persists the conversation header row. Callers invoke it before
// handing out the conversation id so a lookup racing the first turn never
// misses the record. Persistence stays best-effort: failures are logged and
// the run proceeds.
func (o *Orchestrator) Begin(ctx context.Context, conversationID string, p Params) {
	maxTurns := p.MaxTurns
	if maxTurns < 1 {
		maxTurns = 1
	}
	if err := o.store.CreateConversation(ctx, conversationID, p.Agent1.Config.ID, p.Agent2.Config.ID, p.Prompt, maxTurns, p.Seed); err != nil {
		o.logger.Warn("persisting conversation failed", "conversation_id", conversationID, "error", err)
	}
}

// Run executes the conversation to a terminal state; Begin must already
// have recorded the conversation. Cancelling ctx stops the in-flight
// generation within the streaming loop, not just at turn boundaries. The
// returned Result is authoritative even when persistence calls failed
// along the way.
func (o *Orchestrator) Run(ctx context.Context, conversationID string, p Params) (Result, error) {
	if p.MaxTurns < 1 {
		p.MaxTurns = 1
	}
	started := time.Now()

	// A negative budget is already spent, so any nonzero value arms the
	// deadline.
	var deadline time.Time
	if p.MaxDuration != 0 {
		deadline = started.Add(p.MaxDuration)
	}

	// Persistence must outlive cancellation: a cancelled conversation still
	// gets its messages and terminal status written.
	persistCtx := context.WithoutCancel(ctx)

	transcript := make([]Message, 0, p.MaxTurns+1)
	o.appendMessage(persistCtx, &transcript, conversationID, RoleUser, p.Prompt)

	status := StatusCompleted
	turns := 0

loop:
	for turn := 0; turn < p.MaxTurns; turn++ {
		if ctx.Err() != nil {
			status = StatusCancelled
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			break // wall-clock TTL exhausted; a bounded run is a completed run
		}

		participant := p.Agent1
		if turn%2 == 1 {
			participant = p.Agent2
		}

		text, turnStatus := o.runTurn(ctx, conversationID, participant, transcript, p.Seed)
		switch turnStatus {
		case StatusCancelled:
			status = StatusCancelled
			break loop
		case StatusError:
			o.appendMessage(persistCtx, &transcript, conversationID, participant.Role, text)
			o.pub.Publish(conversationID, Event{ConversationID: conversationID, Sender: participant.Role, Text: text, Done: true})
			status = StatusError
			break loop
		}

		o.appendMessage(persistCtx, &transcript, conversationID, participant.Role, text)
		turns++
		o.pub.Publish(conversationID, Event{ConversationID: conversationID, Sender: participant.Role, Done: true})
	}

	finished := time.Now()
	if err := o.store.UpdateConversationStatus(persistCtx, conversationID, status, finished); err != nil {
		o.logger.Warn("persisting conversation status failed", "conversation_id", conversationID, "error", err)
	}

	// The terminal signal always fires so subscribers never need to poll.
	o.pub.Publish(conversationID, Event{ConversationID: conversationID, Done: true, Final: true, Status: status})

	o.logger.Info("conversation finished",
		"conversation_id", conversationID,
		"status", status,
		"turns", turns,
		"elapsed", finished.Sub(started),
	)

	return Result{
		ConversationID: conversationID,
		Status:         status,
		Turns:          turns,
		Messages:       transcript,
		Elapsed:        finished.Sub(started),
		Tokens:         TranscriptTokens(transcript),
	}, nil
}

// runTurn streams one reply, publishing each fragment. It returns the
// accumulated text and a status: StatusRunning for a clean turn,
// StatusCancelled when ctx fired mid-stream, StatusError with an error
// marker text when generation failed.
func (o *Orchestrator) runTurn(ctx context.Context, conversationID string, p Participant, transcript []Message, seed *int64) (string, Status) {
	turnCtx, cancel := context.WithTimeout(ctx, o.turnTimeout)
	defer cancel()

	frags, err := o.turns.GenerateTurn(turnCtx, p, transcript, seed)
	if err != nil {
		return fmt.Sprintf("[generation error] %v", err), StatusError
	}

	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			cancel() // abort the backend call; partial consumption is a valid stop
			return sb.String(), StatusCancelled
		case f, ok := <-frags:
			if !ok {
				// The connector reacts to the same cancellation by closing
				// its channel, so the closed stream can win the select race
				// against ctx.Done. A partial turn must not pass as complete.
				if ctx.Err() != nil {
					return sb.String(), StatusCancelled
				}
				return sb.String(), StatusRunning
			}
			if f.Err != nil {
				if errors.Is(turnCtx.Err(), context.DeadlineExceeded) {
					return fmt.Sprintf("[generation error] turn timed out after %s", o.turnTimeout), StatusError
				}
				return fmt.Sprintf("[generation error] %v", f.Err), StatusError
			}
			if f.Text != "" {
				sb.WriteString(f.Text)
				o.pub.Publish(conversationID, Event{ConversationID: conversationID, Sender: p.Role, Text: f.Text})
			}
			if f.Done {
				return sb.String(), StatusRunning
			}
		}
	}
}

func (o *Orchestrator) appendMessage(ctx context.Context, transcript *[]Message, conversationID, sender, content string) Message {
	msg := Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Sender:         sender,
		Content:        content,
		Seq:            len(*transcript),
	}
	*transcript = append(*transcript, msg)
	if err := o.store.AppendMessage(ctx, msg); err != nil {
		o.logger.Warn("persisting message failed", "conversation_id", conversationID, "seq", msg.Seq, "error", err)
	}
	return msg
}
