package duo

import (
	"context"
	"fmt"

	"benchduo/internal/engine"
)

// TurnEngine produces one agent's streamed reply given the running
// transcript.
type TurnEngine struct {
	conns ConnectorSource
}

// NewTurnEngine creates a turn engine drawing connectors from conns.
func NewTurnEngine(conns ConnectorSource) *TurnEngine {
	return &TurnEngine{conns: conns}
}

// GenerateTurn streams p's reply to the transcript. The returned channel is
// finite and not restartable; a caller that stops consuming and cancels ctx
// leaves the backend call aborted, which is a valid stop point. seed is
// forwarded to backends that support seeded sampling and silently ignored
// by those that don't.
func (e *TurnEngine) GenerateTurn(ctx context.Context, p Participant, transcript []Message, seed *int64) (<-chan engine.Fragment, error) {
	conn, err := e.conns.Connector(p.Config.ModelID)
	if err != nil {
		return nil, fmt.Errorf("resolving connector for %s: %w", p.Config.ModelID, err)
	}

	req := engine.GenerateRequest{
		Model:       p.ModelName,
		Messages:    buildContext(p, transcript),
		MaxTokens:   p.Config.MaxTokens,
		Temperature: p.Config.Temperature,
		Seed:        seed,
	}

	frags, err := conn.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrGeneration, err)
	}
	return frags, nil
}

// buildContext maps the transcript into the participant's point of view:
// its own prior messages become assistant turns, everything else user
// turns, prefixed by its system prompt. The history is bounded by the
// agent's token budget, oldest messages dropped first.
func buildContext(p Participant, transcript []Message) []engine.Message {
	bounded := TruncateTranscript(transcript, p.Config.MaxTokens)

	msgs := make([]engine.Message, 0, len(bounded)+1)
	if p.Config.SystemPrompt != "" {
		msgs = append(msgs, engine.Message{Role: "system", Content: p.Config.SystemPrompt})
	}
	for _, m := range bounded {
		role := "user"
		if m.Sender == p.Role {
			role = "assistant"
		}
		msgs = append(msgs, engine.Message{Role: role, Content: m.Content})
	}
	return msgs
}
