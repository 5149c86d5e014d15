package engine

import (
	"fmt"
	"strings"
)

// Kind identifies the inference runtime an endpoint speaks.
type Kind string

const (
	KindOllama   Kind = "ollama"
	KindMLX      Kind = "mlx"
	KindTensorRT Kind = "tensorrt-llm"
)

// ParseKind normalizes an engine kind string, accepting the aliases the
// setup UI historically produced ("tensorrt", "tensorrt_llm").
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ollama":
		return KindOllama, nil
	case "mlx":
		return KindMLX, nil
	case "tensorrt-llm", "tensorrt", "tensorrt_llm":
		return KindTensorRT, nil
	}
	return "", fmt.Errorf("%w: unknown engine kind %q", ErrConfigInvalid, s)
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest carries one chat-completion call to a backend.
type GenerateRequest struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	// Seed is forwarded to the backend's sampler when the backend supports
	// it; backends that don't simply ignore it. Nil means unseeded.
	Seed *int64
}

// Fragment is one streamed chunk of generated text. The final fragment of a
// stream has Done=true; if generation failed mid-stream, Err is set on that
// final fragment and Text is empty.
type Fragment struct {
	Text string
	Done bool
	Err  error
}
