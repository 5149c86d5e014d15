package engine

import (
	"context"
	"fmt"
	"time"
)

// Connector abstracts one inference backend endpoint. Consumers (readiness
// tracking, the turn engine, judges) depend on this interface instead of a
// concrete wire client; New returns the adapter for the endpoint's kind.
type Connector interface {
	// Kind reports the engine kind this connector speaks.
	Kind() Kind

	// Probe checks reachability. A nil return means the backend answered.
	Probe(ctx context.Context) error

	// ListModels returns the names of models the backend can serve.
	ListModels(ctx context.Context) ([]string, error)

	// LoadModel asks the backend to load the named model into memory.
	LoadModel(ctx context.Context, name string) error

	// Generate runs a chat completion, streaming text fragments. The
	// returned channel is finite and closed after the Done fragment.
	// Cancelling ctx aborts the backend call; already-emitted fragments
	// remain valid.
	Generate(ctx context.Context, req GenerateRequest) (<-chan Fragment, error)
}

// New returns a Connector for the endpoint. MLX and TensorRT-LLM servers
// speak the OpenAI-compatible protocol; Ollama uses its native API.
func New(host string, port int, kind Kind) (Connector, error) {
	if host == "" || port < 1 || port > 65535 {
		return nil, fmt.Errorf("%w: endpoint %s:%d", ErrConfigInvalid, host, port)
	}
	base := fmt.Sprintf("http://%s:%d", host, port)
	switch kind {
	case KindOllama:
		return NewOllama(base), nil
	case KindMLX, KindTensorRT:
		return NewOpenAICompat(base, kind), nil
	}
	return nil, fmt.Errorf("%w: unknown engine kind %q", ErrConfigInvalid, kind)
}

// probeTimeout bounds a single reachability check.
const probeTimeout = 3 * time.Second

// ProbeResult is the outcome of a bounded endpoint probe. It never carries
// an error: failures are folded into Reachable=false plus a message.
type ProbeResult struct {
	Reachable bool     `json:"reachable"`
	Message   string   `json:"message"`
	Models    []string `json:"models,omitempty"`
	Kind      Kind     `json:"kind"`
}

// ProbeEndpoint checks that the endpoint answers and enumerates its models.
// Timeouts and connection errors are converted into Reachable=false with a
// human-readable message; the call has no side effects beyond the network.
func ProbeEndpoint(ctx context.Context, host string, port int, kind Kind) ProbeResult {
	conn, err := New(host, port, kind)
	if err != nil {
		return ProbeResult{Reachable: false, Message: err.Error(), Kind: kind}
	}
	return ProbeConnector(ctx, conn)
}

// ProbeConnector probes an existing connector, preserving any wrapper state
// (circuit breaker) the connector carries between checks.
func ProbeConnector(ctx context.Context, conn Connector) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := conn.Probe(ctx); err != nil {
		return ProbeResult{Reachable: false, Message: err.Error(), Kind: conn.Kind()}
	}

	models, err := conn.ListModels(ctx)
	if err != nil {
		// Reachable but not enumerable: surface the partial result.
		return ProbeResult{Reachable: true, Message: fmt.Sprintf("listing models: %v", err), Kind: conn.Kind()}
	}
	return ProbeResult{Reachable: true, Message: "ok", Models: models, Kind: conn.Kind()}
}
