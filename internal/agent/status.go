// Package agent derives an agent's effective status from its configuration
// and the referenced model's readiness record. Status is never stored:
// identical inputs always yield identical output, so stale-status bugs
// cannot exist.
package agent

import (
	"errors"
	"fmt"

	"benchduo/internal/engine"
	"benchduo/internal/readiness"
)

// ErrConfigInvalid reports agent configuration that can never generate.
var ErrConfigInvalid = errors.New("invalid agent config")

// Config is the generation-relevant slice of an agent registration.
type Config struct {
	ID           string
	Name         string
	ModelID      string
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
	Disabled     bool
	// EngineKind is cached from the referenced model registration.
	EngineKind engine.Kind
}

// Status is the derived readiness of an agent.
type Status string

const (
	StatusReady          Status = "ready"
	StatusPartiallyReady Status = "partially_ready"
	StatusNotReady       Status = "not_ready"
	StatusDisabled       Status = "disabled"
)

// Validate reports whether the configuration itself is usable, independent
// of any backend state.
func Validate(cfg Config) error {
	if cfg.ModelID == "" {
		return fmt.Errorf("%w: no model assigned", ErrConfigInvalid)
	}
	if cfg.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive", ErrConfigInvalid)
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return fmt.Errorf("%w: temperature %v out of range [0, 2]", ErrConfigInvalid, cfg.Temperature)
	}
	return nil
}

// Derive computes the agent's status. hasModel is false when the referenced
// model registration no longer exists; rec is ignored in that case.
//
//	disabled         explicit config flag
//	not_ready        missing model, invalid config, or model not_present
//	ready            engine reachable and model warm
//	partially_ready  correctly configured but currently unusable
func Derive(cfg Config, rec readiness.Record, hasModel bool) Status {
	if cfg.Disabled {
		return StatusDisabled
	}
	if !hasModel || Validate(cfg) != nil {
		return StatusNotReady
	}
	if rec.Model.LoadState == readiness.LoadNotPresent {
		return StatusNotReady
	}
	if rec.Engine.Reachable && rec.Model.LoadState == readiness.LoadWarm {
		return StatusReady
	}
	return StatusPartiallyReady
}

// Compatible reports whether two agents may converse. In strict mode both
// agents' engine kinds must equal the active kind (the kind of the most
// recently warm model) so one run never mixes inference runtimes; when no
// model has been warm yet, strict mode only requires the pair to match. In
// lax mode the pair just has to match each other.
func Compatible(a, b Config, active engine.Kind, haveActive bool, strict bool) bool {
	if a.EngineKind != b.EngineKind {
		return false
	}
	if strict && haveActive && a.EngineKind != active {
		return false
	}
	return true
}

// Selectable reports whether an agent may appear in the duo picker: it must
// be ready and, in strict mode, on the active engine.
func Selectable(cfg Config, rec readiness.Record, hasModel bool, active engine.Kind, haveActive bool, strict bool) bool {
	if Derive(cfg, rec, hasModel) != StatusReady {
		return false
	}
	if strict && haveActive && cfg.EngineKind != active {
		return false
	}
	return true
}
