// Package api exposes the benchmark over HTTP: model and agent
// registration, readiness checks, duo conversations with live websocket
// streams, batch jobs, and judge evaluations.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"benchduo/internal/agent"
	"benchduo/internal/batch"
	"benchduo/internal/duo"
	"benchduo/internal/engine"
	"benchduo/internal/judge"
	"benchduo/internal/readiness"
	"benchduo/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps holds the collaborators the HTTP layer routes between.
type Deps struct {
	Store    *storage.Store
	Registry *readiness.Registry
	Broker   Broker
	Duos     *duo.Manager
	Batches  *batch.Engine
	Evals    *judge.Evaluator

	Token           string // empty disables auth
	DefaultMaxTurns int
	StrictCompat    bool
	Logger          *slog.Logger
}

// Broker is the event-feed collaborator for websocket streaming.
type Broker interface {
	Publish(topic string, ev duo.Event)
	Subscribe(topic string) (<-chan duo.Event, func())
	CloseTopic(topic string)
}

// NewHandler builds the chi router for the whole API.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.DefaultMaxTurns < 1 {
		deps.DefaultMaxTurns = 10
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/models", handleCreateModel(deps))
		r.Get("/models", handleListModels(deps))
		r.Get("/models/{id}", handleGetModel(deps))
		r.Put("/models/{id}", handleUpdateModel(deps))
		r.Delete("/models/{id}", handleDeleteModel(deps))
		r.Get("/models/{id}/status", handleModelStatus(deps))
		r.Post("/models/{id}/load", handleModelLoad(deps))
		r.Post("/models/probe", handleProbe(deps))
		r.Post("/models/detect", handleDetect(deps))

		r.Post("/agents", handleCreateAgent(deps))
		r.Get("/agents", handleListAgents(deps))
		r.Get("/agents/{id}", handleGetAgent(deps))
		r.Put("/agents/{id}", handleUpdateAgent(deps))
		r.Delete("/agents/{id}", handleDeleteAgent(deps))
		r.Get("/agents/status", handleAgentStatuses(deps))
		r.Get("/agents/{id}/status", handleAgentStatus(deps))

		r.Post("/chat", handleStartChat(deps))
		r.Get("/chat/{id}", handleGetChat(deps))
		r.Post("/chat/{id}/cancel", handleCancelChat(deps))
		r.Get("/chat/{id}/ws", handleChatStream(deps))

		r.Post("/batch_jobs", handleCreateBatchJob(deps))
		r.Get("/batch_jobs", handleListBatchJobs(deps))
		r.Get("/batch_jobs/{id}", handleGetBatchJob(deps))
		r.Post("/batch_jobs/{id}/cancel", handleCancelBatchJob(deps))

		r.Post("/evaluate", handleCreateEvaluation(deps))
		r.Get("/evaluate/{id}", handleGetEvaluation(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// --- Models ---

type modelRequest struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	ModelName string `json:"model_name"`
}

func (req modelRequest) endpoint() (readiness.Endpoint, error) {
	kind, err := engine.ParseKind(req.Kind)
	if err != nil {
		return readiness.Endpoint{}, err
	}
	if req.Host == "" || req.Port < 1 || req.Port > 65535 {
		return readiness.Endpoint{}, fmt.Errorf("invalid endpoint %s:%d", req.Host, req.Port)
	}
	if req.ModelName == "" {
		return readiness.Endpoint{}, errors.New("model_name is required")
	}
	return readiness.Endpoint{Host: req.Host, Port: req.Port, Kind: kind, ModelName: req.ModelName}, nil
}

func handleCreateModel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req modelRequest
		if !decodeBody(w, r, &req) {
			return
		}
		ep, err := req.endpoint()
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		m := storage.Model{
			ID:        uuid.New().String(),
			Name:      req.Name,
			Kind:      string(ep.Kind),
			Host:      ep.Host,
			Port:      ep.Port,
			ModelName: ep.ModelName,
		}
		if err := deps.Store.SaveModel(r.Context(), m); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving model: %v", err)
			return
		}
		if err := deps.Registry.Register(m.ID, ep); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "registering model: %v", err)
			return
		}

		writeJSON(w, http.StatusCreated, m)
	}
}

func handleListModels(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := deps.Store.ListModels(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing models: %v", err)
			return
		}
		if models == nil {
			models = []storage.Model{}
		}
		writeJSON(w, http.StatusOK, models)
	}
}

func handleGetModel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := deps.Store.GetModel(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "model not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "getting model: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func handleUpdateModel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req modelRequest
		if !decodeBody(w, r, &req) {
			return
		}
		ep, err := req.endpoint()
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		m := storage.Model{ID: id, Name: req.Name, Kind: string(ep.Kind), Host: ep.Host, Port: ep.Port, ModelName: ep.ModelName}
		err = deps.Store.UpdateModel(r.Context(), m)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "model not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "updating model: %v", err)
			return
		}
		// An edited registration starts over: fresh record, not_present.
		if err := deps.Registry.Register(id, ep); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "re-registering model: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func handleDeleteModel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := deps.Store.DeleteModel(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "model not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting model: %v", err)
			return
		}
		deps.Registry.Forget(id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleModelStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		force := r.URL.Query().Get("force") == "1"

		rec, err := deps.Registry.CheckEngine(r.Context(), id, force)
		if errors.Is(err, readiness.ErrUnknownModel) {
			httpError(w, http.StatusNotFound, "not_found", "model not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "checking engine: %v", err)
			return
		}

		// A successful probe that listed the model promotes it to cold.
		if rec.Engine.Reachable {
			_ = deps.Registry.MarkCold(id)
			if snap, err := deps.Registry.Snapshot(id); err == nil {
				rec = snap
			}
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleModelLoad(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		rec, err := deps.Registry.RequestLoad(r.Context(), id)
		switch {
		case errors.Is(err, readiness.ErrUnknownModel):
			httpError(w, http.StatusNotFound, "not_found", "model not found")
			return
		case errors.Is(err, readiness.ErrLoadInFlight):
			httpError(w, http.StatusConflict, "conflict", "load already in flight")
			return
		case errors.Is(err, readiness.ErrModelNotPresent):
			httpError(w, http.StatusConflict, "conflict", "%v", err)
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "requesting load: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, rec)
	}
}

type probeRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Kind string `json:"kind"`
}

func handleProbe(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req probeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		kind, err := engine.ParseKind(req.Kind)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, engine.ProbeEndpoint(r.Context(), req.Host, req.Port, kind))
	}
}

func handleDetect(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req probeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		res, found := engine.Detect(r.Context(), req.Host, req.Port)
		writeJSON(w, http.StatusOK, map[string]any{"found": found, "result": res})
	}
}

// --- Agents ---

type agentRequest struct {
	Name         string  `json:"name"`
	ModelID      string  `json:"model_id"`
	SystemPrompt string  `json:"system_prompt"`
	MaxTokens    int     `json:"max_tokens"`
	Temperature  float64 `json:"temperature"`
	Disabled     bool    `json:"disabled"`
}

func (req agentRequest) config(id string) agent.Config {
	return agent.Config{
		ID:           id,
		Name:         req.Name,
		ModelID:      req.ModelID,
		SystemPrompt: req.SystemPrompt,
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
		Disabled:     req.Disabled,
	}
}

func handleCreateAgent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req agentRequest
		if !decodeBody(w, r, &req) {
			return
		}
		id := uuid.New().String()
		if err := agent.Validate(req.config(id)); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if _, err := deps.Store.GetModel(r.Context(), req.ModelID); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "model %s not found", req.ModelID)
			return
		}

		a := storage.Agent{
			ID:           id,
			Name:         req.Name,
			ModelID:      req.ModelID,
			SystemPrompt: req.SystemPrompt,
			MaxTokens:    req.MaxTokens,
			Temperature:  req.Temperature,
			Disabled:     req.Disabled,
		}
		if err := deps.Store.SaveAgent(r.Context(), a); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "saving agent: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, a)
	}
}

func handleListAgents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agents, err := deps.Store.ListAgents(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing agents: %v", err)
			return
		}
		if agents == nil {
			agents = []storage.Agent{}
		}
		writeJSON(w, http.StatusOK, agents)
	}
}

func handleGetAgent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := deps.Store.GetAgent(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "agent not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "getting agent: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func handleUpdateAgent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req agentRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if err := agent.Validate(req.config(id)); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		a := storage.Agent{
			ID:           id,
			Name:         req.Name,
			ModelID:      req.ModelID,
			SystemPrompt: req.SystemPrompt,
			MaxTokens:    req.MaxTokens,
			Temperature:  req.Temperature,
			Disabled:     req.Disabled,
		}
		err := deps.Store.UpdateAgent(r.Context(), a)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "agent not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "updating agent: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func handleDeleteAgent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Store.DeleteAgent(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "agent not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleting agent: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// agentStatus is one row of the readiness overview.
type agentStatus struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	ModelID    string       `json:"model_id"`
	Status     agent.Status `json:"status"`
	Selectable bool         `json:"selectable"`
	Logs       []string     `json:"logs,omitempty"`
}

func handleAgentStatuses(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agents, err := deps.Store.ListAgents(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing agents: %v", err)
			return
		}

		active, haveActive := deps.Registry.ActiveKind()
		statuses := make([]agentStatus, 0, len(agents))
		for _, a := range agents {
			cfg, rec, hasModel := deps.agentConfig(r.Context(), a)
			st := agent.Derive(cfg, rec, hasModel)
			statuses = append(statuses, agentStatus{
				ID:         a.ID,
				Name:       a.Name,
				ModelID:    a.ModelID,
				Status:     st,
				Selectable: agent.Selectable(cfg, rec, hasModel, active, haveActive, deps.StrictCompat),
				Logs:       rec.RecentLogs(5),
			})
		}
		writeJSON(w, http.StatusOK, statuses)
	}
}

func handleAgentStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := deps.Store.GetAgent(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "agent not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "getting agent: %v", err)
			return
		}

		active, haveActive := deps.Registry.ActiveKind()
		cfg, rec, hasModel := deps.agentConfig(r.Context(), a)
		writeJSON(w, http.StatusOK, agentStatus{
			ID:         a.ID,
			Name:       a.Name,
			ModelID:    a.ModelID,
			Status:     agent.Derive(cfg, rec, hasModel),
			Selectable: agent.Selectable(cfg, rec, hasModel, active, haveActive, deps.StrictCompat),
			Logs:       rec.RecentLogs(10),
		})
	}
}

// agentConfig assembles the derivation inputs for one stored agent.
func (deps Deps) agentConfig(ctx context.Context, a storage.Agent) (agent.Config, readiness.Record, bool) {
	cfg := agent.Config{
		ID:           a.ID,
		Name:         a.Name,
		ModelID:      a.ModelID,
		SystemPrompt: a.SystemPrompt,
		MaxTokens:    a.MaxTokens,
		Temperature:  a.Temperature,
		Disabled:     a.Disabled,
	}

	m, err := deps.Store.GetModel(ctx, a.ModelID)
	if err != nil {
		return cfg, readiness.Record{}, false
	}
	if kind, err := engine.ParseKind(m.Kind); err == nil {
		cfg.EngineKind = kind
	}

	rec, err := deps.Registry.Snapshot(a.ModelID)
	if err != nil {
		return cfg, readiness.Record{}, false
	}
	return cfg, rec, true
}

// participantFor resolves one side of a duo from the stores.
func (deps Deps) participantFor(ctx context.Context, role, agentID string) (duo.Participant, error) {
	a, err := deps.Store.GetAgent(ctx, agentID)
	if err != nil {
		return duo.Participant{}, fmt.Errorf("agent %s: %w", agentID, err)
	}
	m, err := deps.Store.GetModel(ctx, a.ModelID)
	if err != nil {
		return duo.Participant{}, fmt.Errorf("model %s: %w", a.ModelID, err)
	}

	cfg, _, _ := deps.agentConfig(ctx, a)
	return duo.Participant{Role: role, Config: cfg, ModelName: m.ModelName}, nil
}

// --- Chat ---

type chatRequest struct {
	Agent1ID    string `json:"agent1_id"`
	Agent2ID    string `json:"agent2_id"`
	Prompt      string `json:"prompt"`
	MaxTurns    int    `json:"max_turns"`
	MaxDuration string `json:"max_duration,omitempty"` // e.g. "5m"
	Seed        *int64 `json:"seed,omitempty"`
}

func handleStartChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Prompt == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "prompt is required")
			return
		}
		if req.MaxTurns < 1 {
			req.MaxTurns = deps.DefaultMaxTurns
		}

		var maxDuration time.Duration
		if req.MaxDuration != "" {
			d, err := time.ParseDuration(req.MaxDuration)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid max_duration: %v", err)
				return
			}
			maxDuration = d
		}

		p1, err := deps.participantFor(r.Context(), duo.RoleAgent1, req.Agent1ID)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		p2, err := deps.participantFor(r.Context(), duo.RoleAgent2, req.Agent2ID)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		active, haveActive := deps.Registry.ActiveKind()
		if !agent.Compatible(p1.Config, p2.Config, active, haveActive, deps.StrictCompat) {
			httpError(w, http.StatusConflict, "conflict",
				"agents are not compatible: %s vs %s", p1.Config.EngineKind, p2.Config.EngineKind)
			return
		}
		for _, p := range []duo.Participant{p1, p2} {
			rec, err := deps.Registry.Snapshot(p.Config.ModelID)
			if !agent.Selectable(p.Config, rec, err == nil, active, haveActive, deps.StrictCompat) {
				httpError(w, http.StatusConflict, "conflict", "agent %s is not ready to generate", p.Config.ID)
				return
			}
		}

		id := deps.Duos.Start(r.Context(), duo.Params{
			Agent1:      p1,
			Agent2:      p2,
			Prompt:      req.Prompt,
			MaxTurns:    req.MaxTurns,
			MaxDuration: maxDuration,
			Seed:        req.Seed,
		}, func(res duo.Result) {
			deps.Broker.CloseTopic(res.ConversationID)
		})

		writeJSON(w, http.StatusCreated, map[string]string{"conversation_id": id})
	}
}

func handleGetChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		c, err := deps.Store.GetConversation(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "getting conversation: %v", err)
			return
		}
		msgs, err := deps.Store.GetMessages(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "getting messages: %v", err)
			return
		}
		if msgs == nil {
			msgs = []storage.StoredMessage{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversation": c, "messages": msgs})
	}
}

func handleCancelChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Duos.Cancel(id); err != nil {
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
	}
}

// --- Batch jobs ---

type batchRequest struct {
	Agent1ID    string `json:"agent1_id"`
	Agent2ID    string `json:"agent2_id"`
	Prompt      string `json:"prompt"`
	MaxTurns    int    `json:"max_turns"`
	MaxDuration string `json:"max_duration,omitempty"`
	Seed        int64  `json:"seed"`
	NumRuns     int    `json:"num_runs"`
	Concurrency int    `json:"concurrency,omitempty"`
}

func handleCreateBatchJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req batchRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Prompt == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "prompt is required")
			return
		}
		if req.MaxTurns < 1 {
			req.MaxTurns = deps.DefaultMaxTurns
		}
		var maxDuration time.Duration
		if req.MaxDuration != "" {
			d, err := time.ParseDuration(req.MaxDuration)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid max_duration: %v", err)
				return
			}
			maxDuration = d
		}

		p1, err := deps.participantFor(r.Context(), duo.RoleAgent1, req.Agent1ID)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		p2, err := deps.participantFor(r.Context(), duo.RoleAgent2, req.Agent2ID)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		id, err := deps.Batches.Start(r.Context(), batch.Params{
			Agent1:      p1,
			Agent2:      p2,
			Prompt:      req.Prompt,
			MaxTurns:    req.MaxTurns,
			MaxDuration: maxDuration,
			Seed:        req.Seed,
			NumRuns:     req.NumRuns,
			Concurrency: req.Concurrency,
		})
		if errors.Is(err, batch.ErrPrecondition) {
			httpError(w, http.StatusConflict, "conflict", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "starting batch: %v", err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"job_id": id})
	}
}

func handleListBatchJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		jobs, err := deps.Store.ListBatchJobs(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing batch jobs: %v", err)
			return
		}
		if jobs == nil {
			jobs = []storage.BatchJob{}
		}
		writeJSON(w, http.StatusOK, jobs)
	}
}

func handleGetBatchJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		// A live job answers from the engine; finished jobs from storage.
		if snap, err := deps.Batches.Snapshot(id); err == nil {
			writeJSON(w, http.StatusOK, snap)
			return
		}

		j, err := deps.Store.GetBatchJob(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "batch job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "getting batch job: %v", err)
			return
		}
		runs, err := deps.Store.GetBatchRuns(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "getting batch runs: %v", err)
			return
		}
		if runs == nil {
			runs = []storage.BatchRun{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"job": j, "runs": runs})
	}
}

func handleCancelBatchJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Batches.Cancel(chi.URLParam(r, "id")); err != nil {
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
	}
}

// --- Evaluations ---

type evaluateRequest struct {
	ConversationID string   `json:"conversation_id"`
	MainModelID    string   `json:"main_model_id"`
	JudgeModelIDs  []string `json:"judge_model_ids"`
}

func handleCreateEvaluation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req evaluateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.ConversationID == "" || req.MainModelID == "" || len(req.JudgeModelIDs) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error",
				"conversation_id, main_model_id, and judge_model_ids are required")
			return
		}

		ctx := r.Context()
		if _, err := deps.Store.GetConversation(ctx, req.ConversationID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found", "conversation not found")
			} else {
				httpError(w, http.StatusInternalServerError, "api_error", "getting conversation: %v", err)
			}
			return
		}
		main, err := modelRef(ctx, deps.Store, req.MainModelID)
		if err != nil {
			httpError(w, http.StatusNotFound, "not_found", "main model: %v", err)
			return
		}
		judges := make([]judge.ModelRef, 0, len(req.JudgeModelIDs))
		for _, jid := range req.JudgeModelIDs {
			ref, err := modelRef(ctx, deps.Store, jid)
			if err != nil {
				httpError(w, http.StatusNotFound, "not_found", "judge model: %v", err)
				return
			}
			judges = append(judges, ref)
		}

		stored, err := deps.Store.GetMessages(ctx, req.ConversationID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "getting messages: %v", err)
			return
		}
		transcript := make([]duo.Message, len(stored))
		for i, m := range stored {
			transcript[i] = duo.Message{ID: m.ID, ConversationID: m.ConversationID, Sender: m.Sender, Content: m.Content, Seq: m.Seq}
		}

		judgeIDs, _ := json.Marshal(req.JudgeModelIDs)
		evalID := uuid.New().String()
		if err := deps.Store.CreateEvaluation(ctx, storage.Evaluation{
			ID:             evalID,
			ConversationID: req.ConversationID,
			MainModelID:    req.MainModelID,
			JudgeModelIDs:  string(judgeIDs),
		}); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "creating evaluation: %v", err)
			return
		}

		go deps.runEvaluation(evalID, transcript, main, judges)

		writeJSON(w, http.StatusCreated, map[string]string{"eval_job_id": evalID})
	}
}

func (deps Deps) runEvaluation(evalID string, transcript []duo.Message, main judge.ModelRef, judges []judge.ModelRef) {
	ctx := context.Background()
	out, err := deps.Evals.Evaluate(ctx, transcript, main, judges)
	if err != nil {
		deps.Logger.Warn("evaluation failed", "eval_id", evalID, "error", err)
		if serr := deps.Store.FailEvaluation(ctx, evalID, err.Error()); serr != nil {
			deps.Logger.Warn("persisting evaluation failure failed", "eval_id", evalID, "error", serr)
		}
		return
	}

	resultsJSON, _ := json.Marshal(map[string]any{"judges": out.Judges})
	reportJSON, _ := json.Marshal(out.Report)
	if err := deps.Store.CompleteEvaluation(ctx, evalID, string(resultsJSON), string(reportJSON)); err != nil {
		deps.Logger.Warn("persisting evaluation failed", "eval_id", evalID, "error", err)
	}
}

func handleGetEvaluation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := deps.Store.GetEvaluation(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "evaluation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "getting evaluation: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":              e.ID,
			"conversation_id": e.ConversationID,
			"main_model_id":   e.MainModelID,
			"judge_model_ids": json.RawMessage(orEmptyArray(e.JudgeModelIDs)),
			"status":          e.Status,
			"judge_results":   json.RawMessage(orNull(e.ResultsJSON)),
			"report":          json.RawMessage(orNull(e.ReportJSON)),
		})
	}
}

func modelRef(ctx context.Context, store *storage.Store, id string) (judge.ModelRef, error) {
	m, err := store.GetModel(ctx, id)
	if err != nil {
		return judge.ModelRef{}, err
	}
	return judge.ModelRef{ID: m.ID, Name: m.ModelName}, nil
}

// --- Helpers ---

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func orNull(s string) string {
	if s == "" {
		return "null"
	}
	return s
}

func orEmptyArray(s string) string {
	if s == "" {
		return "[]"
	}
	return s
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
