// Package readiness tracks, per registered model, whether its inference
// backend is reachable and whether the model itself is loaded. The registry
// is the single writer of readiness records; everything else (agent status
// derivation, the API, the orchestrator's preconditions) reads snapshots.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"benchduo/internal/engine"
)

// LoadState is the model-load half of a readiness record, orthogonal to
// engine reachability.
type LoadState string

const (
	LoadNotPresent LoadState = "not_present"
	LoadCold       LoadState = "cold"
	LoadLoading    LoadState = "loading"
	LoadWarm       LoadState = "warm"
	LoadError      LoadState = "error"
)

var (
	// ErrUnknownModel is returned for model ids never registered.
	ErrUnknownModel = errors.New("model not registered")

	// ErrLoadInFlight rejects a duplicate load while one is running.
	ErrLoadInFlight = errors.New("load already in flight")

	// ErrModelNotPresent rejects a load for a model the engine never listed.
	ErrModelNotPresent = errors.New("model not present on backend")

	// ErrLoadTimeout marks a load that exceeded its deadline.
	ErrLoadTimeout = errors.New("load timed out")

	// ErrLoadFailed marks a load the backend rejected.
	ErrLoadFailed = errors.New("load failed")
)

// Endpoint identifies the backend a model registration points at.
type Endpoint struct {
	Host      string
	Port      int
	Kind      engine.Kind
	ModelName string
}

// EngineState is the reachability half of a readiness record.
type EngineState struct {
	Reachable   bool      `json:"reachable"`
	Message     string    `json:"message"`
	LastChecked time.Time `json:"last_checked"`
}

// ModelState is the load half of a readiness record.
type ModelState struct {
	LoadState       LoadState `json:"load_state"`
	LastLoadAttempt time.Time `json:"last_load_attempt"`
	LastLoadMessage string    `json:"last_load_message"`
}

// Record is a point-in-time snapshot of one model's readiness.
type Record struct {
	Endpoint Endpoint    `json:"-"`
	Engine   EngineState `json:"engine"`
	Model    ModelState  `json:"model"`
	Logs     []string    `json:"logs"`
}

// RecentLogs returns the last n diagnostic lines.
func (r Record) RecentLogs(n int) []string {
	if len(r.Logs) <= n {
		return r.Logs
	}
	return r.Logs[len(r.Logs)-n:]
}

const logRingCap = 50

// record is the registry's mutable state for one model id.
type record struct {
	endpoint   Endpoint
	conn       engine.Connector
	eng        EngineState
	model      ModelState
	logs       []string
	listed     []string // model names from the last successful probe
	limiter    *rate.Limiter
	loading    bool
	lastWarmed time.Time
}

// Options tunes a Registry. Zero values get defaults.
type Options struct {
	// ProbeInterval is the minimum spacing between real engine probes per
	// model; checks inside the window return the cached snapshot.
	ProbeInterval time.Duration
	// LoadTimeout bounds one backend load/warm call.
	LoadTimeout time.Duration
	// Connect builds the connector for an endpoint; defaults to engine.New
	// wrapped in a circuit breaker.
	Connect func(Endpoint) (engine.Connector, error)
	Logger  *slog.Logger
}

// Registry owns readiness records keyed by model id.
type Registry struct {
	mu          sync.Mutex
	recs        map[string]*record
	probeEvery  time.Duration
	loadTimeout time.Duration
	connect     func(Endpoint) (engine.Connector, error)
	logger      *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 5 * time.Second
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 60 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	connect := opts.Connect
	if connect == nil {
		logger := opts.Logger
		connect = func(ep Endpoint) (engine.Connector, error) {
			conn, err := engine.New(ep.Host, ep.Port, ep.Kind)
			if err != nil {
				return nil, err
			}
			name := fmt.Sprintf("%s:%d", ep.Host, ep.Port)
			return engine.WithBreaker(name, conn, logger), nil
		}
	}
	return &Registry{
		recs:        make(map[string]*record),
		probeEvery:  opts.ProbeInterval,
		loadTimeout: opts.LoadTimeout,
		connect:     connect,
		logger:      opts.Logger,
	}
}

// Register creates (or re-creates) the readiness record for a model
// registration. The fresh record starts not_present: nothing is known until
// a probe succeeds.
func (g *Registry) Register(modelID string, ep Endpoint) error {
	conn, err := g.connect(ep)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.recs[modelID] = &record{
		endpoint: ep,
		conn:     conn,
		model:    ModelState{LoadState: LoadNotPresent},
		limiter:  rate.NewLimiter(rate.Every(g.probeEvery), 1),
	}
	return nil
}

// Forget drops a model's record, e.g. when its registration is deleted.
func (g *Registry) Forget(modelID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.recs, modelID)
}

// Snapshot returns a copy of the model's current record.
func (g *Registry) Snapshot(modelID string) (Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.recs[modelID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	return rec.snapshot(), nil
}

// IDs returns all registered model ids.
func (g *Registry) IDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.recs))
	for id := range g.recs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ActiveKind returns the engine kind of the most recently warm model. The
// second return is false when no model has ever been warm.
func (g *Registry) ActiveKind() (engine.Kind, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var best *record
	for _, rec := range g.recs {
		if rec.lastWarmed.IsZero() {
			continue
		}
		if best == nil || rec.lastWarmed.After(best.lastWarmed) {
			best = rec
		}
	}
	if best == nil {
		return "", false
	}
	return best.endpoint.Kind, true
}

// CheckEngine probes the model's backend and folds the result into the
// record. When force is false the per-model rate limit applies and a check
// inside the window returns the cached snapshot without touching the
// network. A model that was warm on a backend that stopped answering
// degrades to error: readiness cannot claim warmth on an unreachable engine.
func (g *Registry) CheckEngine(ctx context.Context, modelID string, force bool) (Record, error) {
	g.mu.Lock()
	rec, ok := g.recs[modelID]
	if !ok {
		g.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	if !force && !rec.limiter.Allow() {
		snap := rec.snapshot()
		g.mu.Unlock()
		return snap, nil
	}
	conn := rec.conn
	ep := rec.endpoint
	g.mu.Unlock()

	// Network I/O happens outside the lock.
	res := engine.ProbeConnector(ctx, conn)
	now := time.Now().UTC()

	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok = g.recs[modelID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}

	rec.eng = EngineState{Reachable: res.Reachable, Message: res.Message, LastChecked: now}
	host := fmt.Sprintf("%s:%d", ep.Host, ep.Port)
	if res.Reachable {
		rec.listed = res.Models
		rec.appendLog(now, fmt.Sprintf("engine check ok at %s", host))
	} else {
		rec.appendLog(now, fmt.Sprintf("engine check failed at %s: %s", host, res.Message))
		if rec.model.LoadState == LoadWarm {
			rec.model.LoadState = LoadError
			rec.model.LastLoadMessage = "engine became unreachable while warm"
			rec.appendLog(now, "degraded warm -> error: engine unreachable")
			g.logger.Warn("model degraded to error", "model_id", modelID, "reason", "engine unreachable")
		}
	}
	return rec.snapshot(), nil
}

// RequestLoad asks the backend to load the model. Valid from cold, error,
// or not_present when the last probe listed the model name. The load runs
// asynchronously under its own timeout; the returned snapshot shows the
// loading state. A second call while loading is rejected with
// ErrLoadInFlight, so a slow backend never sees duplicate load storms.
func (g *Registry) RequestLoad(ctx context.Context, modelID string) (Record, error) {
	g.mu.Lock()
	rec, ok := g.recs[modelID]
	if !ok {
		g.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}

	if rec.loading || rec.model.LoadState == LoadLoading {
		snap := rec.snapshot()
		g.mu.Unlock()
		return snap, ErrLoadInFlight
	}
	if rec.model.LoadState == LoadWarm {
		snap := rec.snapshot()
		g.mu.Unlock()
		return snap, nil
	}
	if rec.model.LoadState == LoadNotPresent && !slices.Contains(rec.listed, rec.endpoint.ModelName) {
		snap := rec.snapshot()
		g.mu.Unlock()
		return snap, fmt.Errorf("%w: %s", ErrModelNotPresent, rec.endpoint.ModelName)
	}

	now := time.Now().UTC()
	rec.loading = true
	rec.model.LoadState = LoadLoading
	rec.model.LastLoadAttempt = now
	rec.model.LastLoadMessage = "load requested"
	rec.appendLog(now, fmt.Sprintf("load requested for %s", rec.endpoint.ModelName))
	conn := rec.conn
	name := rec.endpoint.ModelName
	snap := rec.snapshot()
	g.mu.Unlock()

	go g.runLoad(modelID, conn, name)

	_ = ctx // the caller's context does not bound the async load
	return snap, nil
}

func (g *Registry) runLoad(modelID string, conn engine.Connector, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.loadTimeout)
	defer cancel()

	err := conn.LoadModel(ctx, name)
	now := time.Now().UTC()

	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.recs[modelID]
	if !ok {
		return
	}
	rec.loading = false
	rec.model.LastLoadAttempt = now

	switch {
	case err == nil:
		rec.model.LoadState = LoadWarm
		rec.model.LastLoadMessage = "load ok"
		rec.lastWarmed = now
		rec.appendLog(now, fmt.Sprintf("model load ok: %s", name))
		g.logger.Info("model warm", "model_id", modelID, "model", name)
	case errors.Is(err, context.DeadlineExceeded):
		rec.model.LoadState = LoadError
		rec.model.LastLoadMessage = fmt.Sprintf("%v: %v", ErrLoadTimeout, err)
		rec.appendLog(now, fmt.Sprintf("model load timed out: %s", name))
		g.logger.Warn("model load timed out", "model_id", modelID, "model", name)
	default:
		rec.model.LoadState = LoadError
		rec.model.LastLoadMessage = fmt.Sprintf("%v: %v", ErrLoadFailed, err)
		rec.appendLog(now, fmt.Sprintf("model load failed: %s: %v", name, err))
		g.logger.Warn("model load failed", "model_id", modelID, "model", name, "error", err)
	}
}

// MarkNotPresent forces the model into not_present, used when a
// registration is created or edited before any probe has succeeded.
func (g *Registry) MarkNotPresent(modelID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.recs[modelID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	if rec.loading {
		return ErrLoadInFlight
	}
	rec.model = ModelState{LoadState: LoadNotPresent}
	rec.appendLog(time.Now().UTC(), "marked not_present")
	return nil
}

// MarkCold moves a not_present model to cold once a probe has listed it.
// Idempotent for models already cold or warmer.
func (g *Registry) MarkCold(modelID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.recs[modelID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	if rec.model.LoadState == LoadNotPresent && slices.Contains(rec.listed, rec.endpoint.ModelName) {
		rec.model.LoadState = LoadCold
		rec.appendLog(time.Now().UTC(), fmt.Sprintf("model present on backend: %s", rec.endpoint.ModelName))
	}
	return nil
}

// Connector exposes the model's connector so the turn engine and judges
// reuse the same breaker-wrapped client the tracker probes through.
func (g *Registry) Connector(modelID string) (engine.Connector, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.recs[modelID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	return rec.conn, nil
}

func (r *record) snapshot() Record {
	return Record{
		Endpoint: r.endpoint,
		Engine:   r.eng,
		Model:    r.model,
		Logs:     slices.Clone(r.logs),
	}
}

func (r *record) appendLog(at time.Time, msg string) {
	line := fmt.Sprintf("%s %s", at.Format(time.RFC3339), msg)
	r.logs = append(r.logs, line)
	if len(r.logs) > logRingCap {
		r.logs = r.logs[len(r.logs)-logRingCap:]
	}
}
