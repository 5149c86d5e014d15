package duo

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"benchduo/internal/engine"
)

func newTestOrchestrator(conn engine.Connector, store Store, pub Publisher) *Orchestrator {
	return NewOrchestrator(NewTurnEngine(staticSource{conn: conn}), store, pub, time.Minute, nil)
}

func TestRunAlternatesStartingWithAgent1(t *testing.T) {
	conn := &scriptConnector{scripts: [][]engine.Fragment{
		{{Text: "first"}, {Done: true}},
		{{Text: "second"}, {Done: true}},
		{{Text: "third"}, {Done: true}},
	}}
	store := newMemStore()
	o := newTestOrchestrator(conn, store, &memPub{})

	res, err := o.Run(context.Background(), "c1", Params{
		Agent1:   testParticipant(RoleAgent1, "a1"),
		Agent2:   testParticipant(RoleAgent2, "a2"),
		Prompt:   "debate",
		MaxTurns: 3,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if res.Turns != 3 {
		t.Fatalf("turns = %d, want 3", res.Turns)
	}

	wantSenders := []string{RoleUser, RoleAgent1, RoleAgent2, RoleAgent1}
	if len(res.Messages) != len(wantSenders) {
		t.Fatalf("expected %d messages, got %d", len(wantSenders), len(res.Messages))
	}
	for i, want := range wantSenders {
		if res.Messages[i].Sender != want {
			t.Errorf("message %d: sender = %q, want %q", i, res.Messages[i].Sender, want)
		}
		if res.Messages[i].Seq != i {
			t.Errorf("message %d: seq = %d", i, res.Messages[i].Seq)
		}
	}

	if st, _ := store.statusOf("c1"); st != StatusCompleted {
		t.Errorf("persisted status = %s, want completed", st)
	}
	if len(store.storedMessages()) != len(wantSenders) {
		t.Errorf("persisted %d messages, want %d", len(store.storedMessages()), len(wantSenders))
	}
}

func TestRunCancellationMidStream(t *testing.T) {
	conn := &scriptConnector{
		block:   true,
		started: make(chan struct{}, 1),
		scripts: [][]engine.Fragment{{{Text: "partial"}}},
	}
	store := newMemStore()
	pub := &memPub{}
	o := newTestOrchestrator(conn, store, pub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		res, _ := o.Run(ctx, "c2", Params{
			Agent1:   testParticipant(RoleAgent1, "a1"),
			Agent2:   testParticipant(RoleAgent2, "a2"),
			Prompt:   "debate",
			MaxTurns: 10,
		})
		done <- res
	}()

	<-conn.started
	cancel()

	res := <-done
	if res.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", res.Status)
	}
	// Partial turn text is discarded; only the seed prompt persists.
	if got := len(store.storedMessages()); got != 1 {
		t.Errorf("persisted %d messages, want 1 (seed prompt)", got)
	}
	if st, _ := store.statusOf("c2"); st != StatusCancelled {
		t.Errorf("persisted status = %s, want cancelled even after cancel", st)
	}

	events := pub.all()
	last := events[len(events)-1]
	if !last.Final || last.Status != StatusCancelled {
		t.Errorf("last event = %+v, want terminal cancelled signal", last)
	}
}

// closedStreamConnector ends every stream immediately without a Done
// marker, the shape a connector leaves behind when it reacts to
// cancellation by closing its channel.
type closedStreamConnector struct{}

func (closedStreamConnector) Kind() engine.Kind                                { return engine.KindOllama }
func (closedStreamConnector) Probe(ctx context.Context) error                  { return nil }
func (closedStreamConnector) ListModels(ctx context.Context) ([]string, error) { return nil, nil }
func (closedStreamConnector) LoadModel(ctx context.Context, name string) error { return nil }

func (closedStreamConnector) Generate(ctx context.Context, req engine.GenerateRequest) (<-chan engine.Fragment, error) {
	out := make(chan engine.Fragment)
	close(out)
	return out, nil
}

func TestRunTurnClosedStreamAfterCancelIsCancelled(t *testing.T) {
	o := newTestOrchestrator(closedStreamConnector{}, newMemStore(), &memPub{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// With both select cases ready the closed stream can win over
	// ctx.Done, so repeat enough times to exercise that ordering.
	for i := 0; i < 50; i++ {
		text, st := o.runTurn(ctx, "c-race", testParticipant(RoleAgent1, "a1"), nil, nil)
		if st != StatusCancelled {
			t.Fatalf("status = %s (text %q), want cancelled when ctx ended before the stream", st, text)
		}
	}
}

func TestRunGenerationFailureMarksError(t *testing.T) {
	conn := &scriptConnector{scripts: [][]engine.Fragment{
		{{Text: "fine"}, {Done: true}},
		{{Err: errors.New("backend fell over"), Done: true}},
	}}
	store := newMemStore()
	pub := &memPub{}
	o := newTestOrchestrator(conn, store, pub)

	res, err := o.Run(context.Background(), "c3", Params{
		Agent1:   testParticipant(RoleAgent1, "a1"),
		Agent2:   testParticipant(RoleAgent2, "a2"),
		Prompt:   "debate",
		MaxTurns: 5,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusError {
		t.Fatalf("status = %s, want error", res.Status)
	}
	// seed + clean agent1 turn + the error marker from agent2's turn
	if len(res.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(res.Messages))
	}
	marker := res.Messages[2]
	if marker.Sender != RoleAgent2 || !strings.Contains(marker.Content, "[generation error]") {
		t.Errorf("unexpected error marker message: %+v", marker)
	}

	events := pub.all()
	last := events[len(events)-1]
	if !last.Final || last.Status != StatusError {
		t.Errorf("last event = %+v, want terminal error signal", last)
	}
}

func TestRunStreamsFragmentEvents(t *testing.T) {
	conn := &scriptConnector{scripts: [][]engine.Fragment{
		{{Text: "hel"}, {Text: "lo"}, {Done: true}},
	}}
	pub := &memPub{}
	o := newTestOrchestrator(conn, newMemStore(), pub)

	if _, err := o.Run(context.Background(), "c4", Params{
		Agent1:   testParticipant(RoleAgent1, "a1"),
		Agent2:   testParticipant(RoleAgent2, "a2"),
		Prompt:   "p",
		MaxTurns: 1,
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var texts []string
	for _, ev := range pub.all() {
		if !ev.Done && ev.Text != "" {
			texts = append(texts, ev.Text)
		}
	}
	if strings.Join(texts, "") != "hello" {
		t.Errorf("fragment events = %v, want hel+lo", texts)
	}
}

func TestRunMaxDuration(t *testing.T) {
	conn := &scriptConnector{}
	o := newTestOrchestrator(conn, newMemStore(), &memPub{})

	res, err := o.Run(context.Background(), "c5", Params{
		Agent1:      testParticipant(RoleAgent1, "a1"),
		Agent2:      testParticipant(RoleAgent2, "a2"),
		Prompt:      "p",
		MaxTurns:    100,
		MaxDuration: -time.Second, // already expired
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("status = %s, want completed on TTL expiry", res.Status)
	}
	if res.Turns != 0 {
		t.Errorf("turns = %d, want 0", res.Turns)
	}
}

func TestRunPersistenceFailuresDoNotStopRun(t *testing.T) {
	conn := &scriptConnector{}
	store := newMemStore()
	store.failAll = true
	o := newTestOrchestrator(conn, store, &memPub{})

	res, err := o.Run(context.Background(), "c6", Params{
		Agent1:   testParticipant(RoleAgent1, "a1"),
		Agent2:   testParticipant(RoleAgent2, "a2"),
		Prompt:   "p",
		MaxTurns: 2,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusCompleted || res.Turns != 2 {
		t.Errorf("result = %+v, want completed with 2 turns", res)
	}
}

func TestManagerStartAndCancel(t *testing.T) {
	conn := &scriptConnector{
		block:   true,
		started: make(chan struct{}, 1),
	}
	o := newTestOrchestrator(conn, newMemStore(), &memPub{})
	m := NewManager(o)

	done := make(chan Result, 1)
	id := m.Start(context.Background(), Params{
		Agent1:   testParticipant(RoleAgent1, "a1"),
		Agent2:   testParticipant(RoleAgent2, "a2"),
		Prompt:   "p",
		MaxTurns: 10,
	}, func(r Result) { done <- r })

	if id == "" {
		t.Fatal("Start returned empty id")
	}
	<-conn.started
	if !m.Running(id) {
		t.Fatal("conversation should be running")
	}
	if err := m.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	res := <-done
	if res.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", res.Status)
	}
	if m.Running(id) {
		t.Error("conversation still reported running after finish")
	}
	if err := m.Cancel(id); err == nil {
		t.Error("cancelling a finished conversation must fail")
	}
}

func TestManagerStartPersistsConversationBeforeReturn(t *testing.T) {
	conn := &scriptConnector{
		block:   true,
		started: make(chan struct{}, 1),
	}
	store := newMemStore()
	o := newTestOrchestrator(conn, store, &memPub{})
	m := NewManager(o)

	done := make(chan Result, 1)
	id := m.Start(context.Background(), Params{
		Agent1:   testParticipant(RoleAgent1, "a1"),
		Agent2:   testParticipant(RoleAgent2, "a2"),
		Prompt:   "p",
		MaxTurns: 10,
	}, func(r Result) { done <- r })

	// The record exists as soon as the id is handed out; a lookup racing
	// the first turn must not miss it.
	if !store.hasConversation(id) {
		t.Fatalf("conversation %s not persisted when Start returned", id)
	}

	if err := m.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	<-done
}

func TestManagerConcurrentStartsAreIndependent(t *testing.T) {
	conn := &scriptConnector{scripts: [][]engine.Fragment{
		{{Text: "a"}, {Done: true}},
		{{Text: "b"}, {Done: true}},
	}}
	store := newMemStore()
	o := newTestOrchestrator(conn, store, &memPub{})
	m := NewManager(o)

	done := make(chan Result, 2)
	p := Params{
		Agent1:   testParticipant(RoleAgent1, "a1"),
		Agent2:   testParticipant(RoleAgent2, "a2"),
		Prompt:   "p",
		MaxTurns: 1,
	}
	id1 := m.Start(context.Background(), p, func(r Result) { done <- r })
	id2 := m.Start(context.Background(), p, func(r Result) { done <- r })

	if id1 == id2 {
		t.Fatal("two starts must mint distinct conversation ids")
	}
	r1, r2 := <-done, <-done
	got := map[string]bool{r1.ConversationID: true, r2.ConversationID: true}
	if !got[id1] || !got[id2] {
		t.Errorf("results %v do not cover started ids %s, %s", got, id1, id2)
	}
}
