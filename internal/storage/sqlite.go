// Package storage persists benchmark entities to SQLite: registered
// models, agents, conversation transcripts, batch jobs, and evaluations.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"benchduo/internal/batch"
	"benchduo/internal/duo"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for models, agents,
// conversations, batch jobs, and evaluations.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "benchduo.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Models ---

func (s *Store) SaveModel(ctx context.Context, m Model) error {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO models (id, name, kind, host, port, model_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.Kind, m.Host, m.Port, m.ModelName, createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetModel(ctx context.Context, id string) (Model, error) {
	var m Model
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, kind, host, port, model_name, created_at
		FROM models WHERE id = ?`, id,
	).Scan(&m.ID, &m.Name, &m.Kind, &m.Host, &m.Port, &m.ModelName, &createdAt)
	if err == sql.ErrNoRows {
		return Model{}, ErrNotFound
	}
	if err != nil {
		return Model{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Model{}, fmt.Errorf("parsing created_at: %w", err)
	}
	m.CreatedAt = t
	return m, nil
}

func (s *Store) ListModels(ctx context.Context) ([]Model, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, kind, host, port, model_name, created_at
		FROM models ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Model
	for rows.Next() {
		var m Model
		var createdAt string
		if err := rows.Scan(&m.ID, &m.Name, &m.Kind, &m.Host, &m.Port, &m.ModelName, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		m.CreatedAt = t
		results = append(results, m)
	}
	return results, rows.Err()
}

func (s *Store) UpdateModel(ctx context.Context, m Model) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE models SET name = ?, kind = ?, host = ?, port = ?, model_name = ? WHERE id = ?`,
		m.Name, m.Kind, m.Host, m.Port, m.ModelName, m.ID,
	)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *Store) DeleteModel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// --- Agents ---

func (s *Store) SaveAgent(ctx context.Context, a Agent) error {
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, model_id, system_prompt, max_tokens, temperature, disabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.ModelID, a.SystemPrompt, a.MaxTokens, a.Temperature, boolToInt(a.Disabled),
		createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetAgent(ctx context.Context, id string) (Agent, error) {
	var a Agent
	var createdAt string
	var disabled int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, model_id, system_prompt, max_tokens, temperature, disabled, created_at
		FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &a.ModelID, &a.SystemPrompt, &a.MaxTokens, &a.Temperature, &disabled, &createdAt)
	if err == sql.ErrNoRows {
		return Agent{}, ErrNotFound
	}
	if err != nil {
		return Agent{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Agent{}, fmt.Errorf("parsing created_at: %w", err)
	}
	a.CreatedAt = t
	a.Disabled = disabled != 0
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, model_id, system_prompt, max_tokens, temperature, disabled, created_at
		FROM agents ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Agent
	for rows.Next() {
		var a Agent
		var createdAt string
		var disabled int
		if err := rows.Scan(&a.ID, &a.Name, &a.ModelID, &a.SystemPrompt, &a.MaxTokens, &a.Temperature, &disabled, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		a.CreatedAt = t
		a.Disabled = disabled != 0
		results = append(results, a)
	}
	return results, rows.Err()
}

func (s *Store) UpdateAgent(ctx context.Context, a Agent) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET name = ?, model_id = ?, system_prompt = ?, max_tokens = ?, temperature = ?, disabled = ?
		WHERE id = ?`,
		a.Name, a.ModelID, a.SystemPrompt, a.MaxTokens, a.Temperature, boolToInt(a.Disabled), a.ID,
	)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// --- Conversations ---

// CreateConversation inserts a conversation header in the running state.
func (s *Store) CreateConversation(ctx context.Context, id, agent1ID, agent2ID, prompt string, maxTurns int, seed *int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, agent1_id, agent2_id, prompt, max_turns, seed, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'running', ?)`,
		id, agent1ID, agent2ID, prompt, maxTurns, seed, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// AppendMessage inserts one transcript row.
func (s *Store) AppendMessage(ctx context.Context, msg duo.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender, content, seq, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Sender, msg.Content, msg.Seq,
		time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// UpdateConversationStatus records a conversation's terminal state.
func (s *Store) UpdateConversationStatus(ctx context.Context, id string, status duo.Status, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET status = ?, finished_at = ? WHERE id = ?`,
		string(status), finishedAt.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	var c Conversation
	var createdAt string
	var finishedAt sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent1_id, agent2_id, prompt, max_turns, seed, status, created_at, finished_at
		FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.Agent1ID, &c.Agent2ID, &c.Prompt, &c.MaxTurns, &c.Seed, &c.Status, &createdAt, &finishedAt)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Conversation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	c.CreatedAt = t
	if finishedAt.Valid {
		ft, err := time.Parse(time.RFC3339, finishedAt.String)
		if err != nil {
			return Conversation{}, fmt.Errorf("parsing finished_at: %w", err)
		}
		c.FinishedAt = &ft
	}
	return c, nil
}

func (s *Store) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent1_id, agent2_id, prompt, max_turns, seed, status, created_at, finished_at
		FROM conversations ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Conversation
	for rows.Next() {
		var c Conversation
		var createdAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&c.ID, &c.Agent1ID, &c.Agent2ID, &c.Prompt, &c.MaxTurns, &c.Seed, &c.Status, &createdAt, &finishedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		c.CreatedAt = t
		if finishedAt.Valid {
			ft, err := time.Parse(time.RFC3339, finishedAt.String)
			if err != nil {
				return nil, fmt.Errorf("parsing finished_at: %w", err)
			}
			c.FinishedAt = &ft
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// GetMessages returns a conversation's transcript in seq order.
func (s *Store) GetMessages(ctx context.Context, conversationID string) ([]StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sender, content, seq, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Content, &m.Seq, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		m.CreatedAt = t
		results = append(results, m)
	}
	return results, rows.Err()
}

// --- Batch jobs ---

// CreateBatchJob inserts a batch job header in the queued state.
func (s *Store) CreateBatchJob(ctx context.Context, id string, p batch.Params) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batch_jobs (id, agent1_id, agent2_id, prompt, max_turns, seed, num_runs, concurrency, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'queued', ?, ?)`,
		id, p.Agent1.Config.ID, p.Agent2.Config.ID, p.Prompt, p.MaxTurns, p.Seed, p.NumRuns, p.Concurrency, now, now,
	)
	return err
}

// RecordBatchRun inserts one finished run's result.
func (s *Store) RecordBatchRun(ctx context.Context, jobID string, run batch.RunResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batch_runs (job_id, run_index, conversation_id, status, turns, elapsed_ms, tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		jobID, run.RunIndex, run.ConversationID, string(run.Status), run.Turns,
		run.Elapsed.Milliseconds(), run.Tokens, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// UpdateBatchJob records a job's status and aggregate summary.
func (s *Store) UpdateBatchJob(ctx context.Context, jobID string, status batch.Status, sum batch.Summary) error {
	summaryJSON, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE batch_jobs SET status = ?, summary_json = ?, updated_at = ? WHERE id = ?`,
		string(status), string(summaryJSON), time.Now().UTC().Format(time.RFC3339), jobID,
	)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *Store) GetBatchJob(ctx context.Context, id string) (BatchJob, error) {
	var j BatchJob
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent1_id, agent2_id, prompt, max_turns, seed, num_runs, concurrency, status, summary_json, created_at, updated_at
		FROM batch_jobs WHERE id = ?`, id,
	).Scan(&j.ID, &j.Agent1ID, &j.Agent2ID, &j.Prompt, &j.MaxTurns, &j.Seed, &j.NumRuns, &j.Concurrency, &j.Status, &j.SummaryJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return BatchJob{}, ErrNotFound
	}
	if err != nil {
		return BatchJob{}, err
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return BatchJob{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return BatchJob{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return j, nil
}

func (s *Store) ListBatchJobs(ctx context.Context, limit int) ([]BatchJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent1_id, agent2_id, prompt, max_turns, seed, num_runs, concurrency, status, summary_json, created_at, updated_at
		FROM batch_jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []BatchJob
	for rows.Next() {
		var j BatchJob
		var createdAt, updatedAt string
		if err := rows.Scan(&j.ID, &j.Agent1ID, &j.Agent2ID, &j.Prompt, &j.MaxTurns, &j.Seed, &j.NumRuns, &j.Concurrency, &j.Status, &j.SummaryJSON, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		results = append(results, j)
	}
	return results, rows.Err()
}

// GetBatchRuns returns a job's recorded runs in run-index order.
func (s *Store) GetBatchRuns(ctx context.Context, jobID string) ([]BatchRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, run_index, conversation_id, status, turns, elapsed_ms, tokens, created_at
		FROM batch_runs WHERE job_id = ? ORDER BY run_index ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []BatchRun
	for rows.Next() {
		var r BatchRun
		var createdAt string
		if err := rows.Scan(&r.JobID, &r.RunIndex, &r.ConversationID, &r.Status, &r.Turns, &r.ElapsedMs, &r.Tokens, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		r.CreatedAt = t
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Evaluations ---

// CreateEvaluation inserts an evaluation job in the running state.
func (s *Store) CreateEvaluation(ctx context.Context, e Evaluation) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evaluations (id, conversation_id, main_model_id, judge_model_ids, status, created_at)
		VALUES (?, ?, ?, ?, 'running', ?)`,
		e.ID, e.ConversationID, e.MainModelID, e.JudgeModelIDs, createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

// CompleteEvaluation records a finished evaluation's results and report.
func (s *Store) CompleteEvaluation(ctx context.Context, id, resultsJSON, reportJSON string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE evaluations SET status = 'completed', results_json = ?, report_json = ? WHERE id = ?`,
		resultsJSON, reportJSON, id,
	)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// FailEvaluation marks an evaluation failed, keeping the error in results.
func (s *Store) FailEvaluation(ctx context.Context, id, errMsg string) error {
	resultsJSON, err := json.Marshal(map[string]string{"error": errMsg})
	if err != nil {
		return fmt.Errorf("marshaling error: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE evaluations SET status = 'failed', results_json = ? WHERE id = ?`,
		string(resultsJSON), id,
	)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *Store) GetEvaluation(ctx context.Context, id string) (Evaluation, error) {
	var e Evaluation
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, main_model_id, judge_model_ids, status, results_json, report_json, created_at
		FROM evaluations WHERE id = ?`, id,
	).Scan(&e.ID, &e.ConversationID, &e.MainModelID, &e.JudgeModelIDs, &e.Status, &e.ResultsJSON, &e.ReportJSON, &createdAt)
	if err == sql.ErrNoRows {
		return Evaluation{}, ErrNotFound
	}
	if err != nil {
		return Evaluation{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Evaluation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	e.CreatedAt = t
	return e, nil
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
