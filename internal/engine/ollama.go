package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Ollama speaks the native Ollama HTTP API.
type Ollama struct {
	baseURL    string
	httpClient *http.Client
}

// NewOllama creates a connector for an Ollama server at baseURL.
func NewOllama(baseURL string) *Ollama {
	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No client-level timeout: generation streams can run for minutes.
		// Probe and load set their own deadlines via context.
		httpClient: &http.Client{Timeout: 0},
	}
}

func (o *Ollama) Kind() Kind { return KindOllama }

// tagsResponse mirrors the JSON returned by GET /api/tags.
type tagsResponse struct {
	Models []modelEntry `json:"models"`
}

type modelEntry struct {
	Name string `json:"name"`
}

// Probe returns nil if the server responds to GET /api/tags with 200.
func (o *Ollama) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrUnreachable, resp.StatusCode)
	}
	return nil
}

// ListModels returns the names of all models available locally.
func (o *Ollama) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting model list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// loadRequest is the JSON body for POST /api/generate used as a warm call:
// an empty prompt with keep_alive loads the model without generating.
type loadRequest struct {
	Model     string `json:"model"`
	KeepAlive string `json:"keep_alive"`
}

// LoadModel loads the named model into the server's memory.
func (o *Ollama) LoadModel(ctx context.Context, name string) error {
	body, err := json.Marshal(loadRequest{Model: name, KeepAlive: "5m"})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating load request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("loading model %s: %w", name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("load %s: unexpected status %d", name, resp.StatusCode)
	}
	return nil
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

// chatChunk is one NDJSON line of the streamed chat response.
type chatChunk struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
}

// Generate streams a chat completion from POST /api/chat.
func (o *Ollama) Generate(ctx context.Context, gr GenerateRequest) (<-chan Fragment, error) {
	opts := map[string]any{}
	if gr.Temperature > 0 {
		opts["temperature"] = gr.Temperature
	}
	if gr.MaxTokens > 0 {
		opts["num_predict"] = gr.MaxTokens
	}
	if gr.Seed != nil {
		opts["seed"] = *gr.Seed
	}

	body, err := json.Marshal(chatRequest{
		Model:    gr.Model,
		Messages: gr.Messages,
		Stream:   true,
		Options:  opts,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: unexpected status %d", ErrGeneration, resp.StatusCode)
	}

	out := make(chan Fragment)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		emit := func(f Fragment) bool {
			select {
			case out <- f:
				return true
			case <-ctx.Done():
				// Consumer stopped early; the aborted call is a valid stop point.
				return false
			}
		}

		dec := json.NewDecoder(resp.Body)
		for {
			var chunk chatChunk
			if err := dec.Decode(&chunk); err == io.EOF {
				emit(Fragment{Done: true})
				return
			} else if err != nil {
				if ctx.Err() != nil {
					return
				}
				emit(Fragment{Done: true, Err: fmt.Errorf("%w: reading stream: %v", ErrGeneration, err)})
				return
			}

			if chunk.Done {
				if chunk.Message.Content != "" && !emit(Fragment{Text: chunk.Message.Content}) {
					return
				}
				emit(Fragment{Done: true})
				return
			}

			if !emit(Fragment{Text: chunk.Message.Content}) {
				return
			}
		}
	}()

	return out, nil
}
