package engine

import "errors"

var (
	// ErrUnreachable wraps network-level failures talking to a backend.
	ErrUnreachable = errors.New("engine unreachable")

	// ErrGeneration wraps failures of a chat-completion call.
	ErrGeneration = errors.New("generation failed")

	// ErrConfigInvalid reports a malformed endpoint or engine kind.
	ErrConfigInvalid = errors.New("invalid engine config")
)
