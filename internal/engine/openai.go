package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAICompat speaks the OpenAI-compatible chat protocol used by MLX
// servers (mlx-lm, oMLX) and TensorRT-LLM's serving frontend. The two kinds
// differ only in how models are enumerated: MLX exposes GET /v1/models,
// TensorRT-LLM exposes GET /models with a plain string list.
type OpenAICompat struct {
	baseURL    string
	kind       Kind
	httpClient *http.Client
}

// NewOpenAICompat creates a connector for an OpenAI-compatible server.
func NewOpenAICompat(baseURL string, kind Kind) *OpenAICompat {
	return &OpenAICompat{
		baseURL:    strings.TrimRight(baseURL, "/"),
		kind:       kind,
		httpClient: &http.Client{Timeout: 0},
	}
}

func (c *OpenAICompat) Kind() Kind { return c.kind }

func (c *OpenAICompat) modelsURL() string {
	if c.kind == KindTensorRT {
		return c.baseURL + "/models"
	}
	return c.baseURL + "/v1/models"
}

// Probe returns nil if the model listing endpoint answers with 200.
func (c *OpenAICompat) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.modelsURL(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", ErrUnreachable, resp.StatusCode)
	}
	return nil
}

// openaiModelList mirrors GET /v1/models.
type openaiModelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// trtModelList mirrors TensorRT-LLM's GET /models.
type trtModelList struct {
	Models []string `json:"models"`
}

// ListModels enumerates the models the server can serve.
func (c *OpenAICompat) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.modelsURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting model list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if c.kind == KindTensorRT {
		var list trtModelList
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, fmt.Errorf("decoding response: %w", err)
		}
		return list.Models, nil
	}

	var list openaiModelList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	names := make([]string, len(list.Data))
	for i, m := range list.Data {
		names[i] = m.ID
	}
	return names, nil
}

// completionRequest is the JSON body for POST /v1/chat/completions.
type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Seed        *int64    `json:"seed,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// LoadModel warms the named model with a one-token completion.
func (c *OpenAICompat) LoadModel(ctx context.Context, name string) error {
	body, err := json.Marshal(completionRequest{
		Model:     name,
		Messages:  []Message{{Role: "user", Content: "."}},
		MaxTokens: 1,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating load request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
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

// streamChunk is one SSE data payload of a streamed completion.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Generate streams a chat completion over SSE.
func (c *OpenAICompat) Generate(ctx context.Context, gr GenerateRequest) (<-chan Fragment, error) {
	body, err := json.Marshal(completionRequest{
		Model:       gr.Model,
		Messages:    gr.Messages,
		MaxTokens:   gr.MaxTokens,
		Temperature: gr.Temperature,
		Seed:        gr.Seed,
		Stream:      true,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
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
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				emit(Fragment{Done: true})
				return
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue // skip malformed keep-alive lines
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" && !emit(Fragment{Text: choice.Delta.Content}) {
				return
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				emit(Fragment{Done: true})
				return
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			emit(Fragment{Done: true, Err: fmt.Errorf("%w: reading stream: %v", ErrGeneration, err)})
			return
		}
		if ctx.Err() == nil {
			emit(Fragment{Done: true})
		}
	}()

	return out, nil
}
