package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"benchduo/internal/agent"
	"benchduo/internal/batch"
	"benchduo/internal/duo"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}

	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if len(v1) == 0 || len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestModelCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	m := Model{ID: "m1", Name: "local llama", Kind: "ollama", Host: "127.0.0.1", Port: 11434, ModelName: "llama3"}
	if err := s.SaveModel(ctx, m); err != nil {
		t.Fatalf("SaveModel: %v", err)
	}

	got, err := s.GetModel(ctx, "m1")
	if err != nil {
		t.Fatalf("GetModel: %v", err)
	}
	if got.Name != m.Name || got.Kind != m.Kind || got.Port != m.Port || got.ModelName != m.ModelName {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}

	m.Port = 8080
	m.Kind = "mlx"
	if err := s.UpdateModel(ctx, m); err != nil {
		t.Fatalf("UpdateModel: %v", err)
	}
	got, _ = s.GetModel(ctx, "m1")
	if got.Port != 8080 || got.Kind != "mlx" {
		t.Errorf("update not applied: %+v", got)
	}

	all, err := s.ListModels(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("ListModels = %v, %v", all, err)
	}

	if err := s.DeleteModel(ctx, "m1"); err != nil {
		t.Fatalf("DeleteModel: %v", err)
	}
	if _, err := s.GetModel(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.DeleteModel(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete must report ErrNotFound, got %v", err)
	}
}

func TestAgentCRUD(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := Agent{ID: "a1", Name: "skeptic", ModelID: "m1", SystemPrompt: "doubt everything", MaxTokens: 256, Temperature: 0.9}
	if err := s.SaveAgent(ctx, a); err != nil {
		t.Fatalf("SaveAgent: %v", err)
	}

	got, err := s.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if got.SystemPrompt != a.SystemPrompt || got.MaxTokens != 256 || got.Temperature != 0.9 || got.Disabled {
		t.Errorf("round trip mismatch: %+v", got)
	}

	a.Disabled = true
	if err := s.UpdateAgent(ctx, a); err != nil {
		t.Fatalf("UpdateAgent: %v", err)
	}
	got, _ = s.GetAgent(ctx, "a1")
	if !got.Disabled {
		t.Error("disabled flag lost")
	}

	if err := s.UpdateAgent(ctx, Agent{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("updating missing agent must report ErrNotFound, got %v", err)
	}
}

func TestConversationTranscript(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seed := int64(7)
	if err := s.CreateConversation(ctx, "c1", "a1", "a2", "debate entropy", 6, &seed); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	for i, m := range []duo.Message{
		{ID: "msg0", ConversationID: "c1", Sender: duo.RoleUser, Content: "debate entropy", Seq: 0},
		{ID: "msg1", ConversationID: "c1", Sender: duo.RoleAgent1, Content: "it always grows", Seq: 1},
		{ID: "msg2", ConversationID: "c1", Sender: duo.RoleAgent2, Content: "locally it shrinks", Seq: 2},
	} {
		if err := s.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}

	c, err := s.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if c.Status != "running" {
		t.Errorf("status = %q, want running", c.Status)
	}
	if c.Seed == nil || *c.Seed != 7 {
		t.Errorf("seed = %v, want 7", c.Seed)
	}
	if c.FinishedAt != nil {
		t.Error("finished_at set before finish")
	}

	msgs, err := s.GetMessages(ctx, "c1")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != i {
			t.Errorf("message %d has seq %d", i, m.Seq)
		}
	}

	finished := time.Now()
	if err := s.UpdateConversationStatus(ctx, "c1", duo.StatusCompleted, finished); err != nil {
		t.Fatalf("UpdateConversationStatus: %v", err)
	}
	c, _ = s.GetConversation(ctx, "c1")
	if c.Status != "completed" || c.FinishedAt == nil {
		t.Errorf("terminal state not recorded: %+v", c)
	}
}

func TestConversationNilSeed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateConversation(ctx, "c1", "a1", "a2", "p", 2, nil); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	c, err := s.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if c.Seed != nil {
		t.Errorf("seed = %v, want nil", c.Seed)
	}
}

func batchParams() batch.Params {
	return batch.Params{
		Agent1:  duo.Participant{Role: duo.RoleAgent1, Config: agent.Config{ID: "a1"}},
		Agent2:  duo.Participant{Role: duo.RoleAgent2, Config: agent.Config{ID: "a2"}},
		Prompt:  "topic",
		MaxTurns: 4,
		Seed:    100,
		NumRuns: 3,
	}
}

func TestBatchJobLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateBatchJob(ctx, "b1", batchParams()); err != nil {
		t.Fatalf("CreateBatchJob: %v", err)
	}

	j, err := s.GetBatchJob(ctx, "b1")
	if err != nil {
		t.Fatalf("GetBatchJob: %v", err)
	}
	if j.Status != "queued" || j.NumRuns != 3 || j.Seed != 100 {
		t.Errorf("job = %+v", j)
	}

	run := batch.RunResult{RunIndex: 0, ConversationID: "c1", Status: duo.StatusCompleted, Turns: 4, Elapsed: 1500 * time.Millisecond, Tokens: 42}
	if err := s.RecordBatchRun(ctx, "b1", run); err != nil {
		t.Fatalf("RecordBatchRun: %v", err)
	}

	sum := batch.Summary{Completed: 1, Total: 3, AvgTime: 1500 * time.Millisecond, TokensPerSec: 28, ProgressPct: 33.3}
	if err := s.UpdateBatchJob(ctx, "b1", batch.StatusRunning, sum); err != nil {
		t.Fatalf("UpdateBatchJob: %v", err)
	}

	j, _ = s.GetBatchJob(ctx, "b1")
	if j.Status != "running" {
		t.Errorf("status = %q", j.Status)
	}
	var stored batch.Summary
	if err := json.Unmarshal([]byte(j.SummaryJSON), &stored); err != nil {
		t.Fatalf("summary not valid JSON: %v", err)
	}
	if stored.Completed != 1 || stored.Total != 3 {
		t.Errorf("summary = %+v", stored)
	}

	runs, err := s.GetBatchRuns(ctx, "b1")
	if err != nil || len(runs) != 1 {
		t.Fatalf("GetBatchRuns = %v, %v", runs, err)
	}
	if runs[0].ElapsedMs != 1500 || runs[0].Tokens != 42 {
		t.Errorf("run = %+v", runs[0])
	}
}

func TestEvaluationLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := Evaluation{ID: "e1", ConversationID: "c1", MainModelID: "m1", JudgeModelIDs: `["m2","m3"]`}
	if err := s.CreateEvaluation(ctx, e); err != nil {
		t.Fatalf("CreateEvaluation: %v", err)
	}

	got, err := s.GetEvaluation(ctx, "e1")
	if err != nil {
		t.Fatalf("GetEvaluation: %v", err)
	}
	if got.Status != "running" {
		t.Errorf("status = %q, want running", got.Status)
	}

	if err := s.CompleteEvaluation(ctx, "e1", `{"judges":[]}`, `{"summary":"ok"}`); err != nil {
		t.Fatalf("CompleteEvaluation: %v", err)
	}
	got, _ = s.GetEvaluation(ctx, "e1")
	if got.Status != "completed" || got.ReportJSON != `{"summary":"ok"}` {
		t.Errorf("evaluation = %+v", got)
	}
}

func TestEvaluationFailure(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateEvaluation(ctx, Evaluation{ID: "e1", ConversationID: "c1", MainModelID: "m1", JudgeModelIDs: `[]`}); err != nil {
		t.Fatalf("CreateEvaluation: %v", err)
	}
	if err := s.FailEvaluation(ctx, "e1", "judge backend down"); err != nil {
		t.Fatalf("FailEvaluation: %v", err)
	}
	got, _ := s.GetEvaluation(ctx, "e1")
	if got.Status != "failed" {
		t.Errorf("status = %q", got.Status)
	}
	var res map[string]string
	if err := json.Unmarshal([]byte(got.ResultsJSON), &res); err != nil || res["error"] == "" {
		t.Errorf("error not recorded: %q", got.ResultsJSON)
	}
}
