package duo

import (
	"context"
	"sync"
	"time"

	"benchduo/internal/agent"
	"benchduo/internal/engine"
)

// memStore records persistence calls in memory.
type memStore struct {
	mu       sync.Mutex
	created  []string
	messages []Message
	statuses map[string]Status
	failAll  bool
}

func newMemStore() *memStore {
	return &memStore{statuses: make(map[string]Status)}
}

func (s *memStore) CreateConversation(ctx context.Context, id, agent1ID, agent2ID, prompt string, maxTurns int, seed *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return context.DeadlineExceeded
	}
	s.created = append(s.created, id)
	return nil
}

func (s *memStore) AppendMessage(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return context.DeadlineExceeded
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *memStore) UpdateConversationStatus(ctx context.Context, id string, status Status, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return context.DeadlineExceeded
	}
	s.statuses[id] = status
	return nil
}

func (s *memStore) hasConversation(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.created {
		if c == id {
			return true
		}
	}
	return false
}

func (s *memStore) statusOf(id string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[id]
	return st, ok
}

func (s *memStore) storedMessages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// memPub collects published events.
type memPub struct {
	mu     sync.Mutex
	events []Event
}

func (p *memPub) Publish(topic string, ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *memPub) all() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// scriptConnector replays canned fragment streams, one per Generate call.
type scriptConnector struct {
	mu      sync.Mutex
	scripts [][]engine.Fragment
	calls   []engine.GenerateRequest
	// block, when set, makes Generate emit the first fragment then wait for
	// ctx cancellation before finishing.
	block bool
	// started is signalled once per blocking Generate after the first
	// fragment is out.
	started chan struct{}
}

func (c *scriptConnector) Kind() engine.Kind                            { return engine.KindOllama }
func (c *scriptConnector) Probe(ctx context.Context) error              { return nil }
func (c *scriptConnector) ListModels(ctx context.Context) ([]string, error) { return nil, nil }
func (c *scriptConnector) LoadModel(ctx context.Context, name string) error { return nil }

func (c *scriptConnector) Generate(ctx context.Context, req engine.GenerateRequest) (<-chan engine.Fragment, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	var script []engine.Fragment
	if len(c.scripts) > 0 {
		script = c.scripts[0]
		c.scripts = c.scripts[1:]
	} else {
		script = []engine.Fragment{{Text: "ok"}, {Done: true}}
	}
	block := c.block
	c.mu.Unlock()

	out := make(chan engine.Fragment)
	go func() {
		defer close(out)
		if block {
			select {
			case out <- script[0]:
			case <-ctx.Done():
				return
			}
			if c.started != nil {
				c.started <- struct{}{}
			}
			<-ctx.Done()
			return
		}
		for _, f := range script {
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *scriptConnector) requests() []engine.GenerateRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]engine.GenerateRequest, len(c.calls))
	copy(out, c.calls)
	return out
}

type staticSource struct {
	conn engine.Connector
	err  error
}

func (s staticSource) Connector(modelID string) (engine.Connector, error) {
	return s.conn, s.err
}

func testParticipant(role, id string) Participant {
	return Participant{
		Role: role,
		Config: agent.Config{
			ID:          id,
			Name:        id,
			ModelID:     "m-" + id,
			MaxTokens:   512,
			Temperature: 0.7,
		},
		ModelName: "llama3",
	}
}
