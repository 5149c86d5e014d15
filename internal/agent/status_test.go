package agent

import (
	"testing"

	"benchduo/internal/engine"
	"benchduo/internal/readiness"
)

func validConfig() Config {
	return Config{
		ID:          "a1",
		Name:        "alice",
		ModelID:     "m1",
		MaxTokens:   256,
		Temperature: 0.7,
		EngineKind:  engine.KindOllama,
	}
}

func record(reachable bool, state readiness.LoadState) readiness.Record {
	return readiness.Record{
		Engine: readiness.EngineState{Reachable: reachable},
		Model:  readiness.ModelState{LoadState: state},
	}
}

func TestDerive(t *testing.T) {
	cases := []struct {
		name     string
		mutate   func(*Config)
		rec      readiness.Record
		hasModel bool
		want     Status
	}{
		{"warm and reachable", nil, record(true, readiness.LoadWarm), true, StatusReady},
		{"warm but unreachable", nil, record(false, readiness.LoadWarm), true, StatusPartiallyReady},
		{"cold", nil, record(true, readiness.LoadCold), true, StatusPartiallyReady},
		{"loading", nil, record(true, readiness.LoadLoading), true, StatusPartiallyReady},
		{"error state", nil, record(true, readiness.LoadError), true, StatusPartiallyReady},
		{"not present", nil, record(true, readiness.LoadNotPresent), true, StatusNotReady},
		{"missing model", nil, record(true, readiness.LoadWarm), false, StatusNotReady},
		{"disabled wins", func(c *Config) { c.Disabled = true }, record(true, readiness.LoadWarm), true, StatusDisabled},
		{"temperature out of range", func(c *Config) { c.Temperature = 3.5 }, record(true, readiness.LoadWarm), true, StatusNotReady},
		{"zero max tokens", func(c *Config) { c.MaxTokens = 0 }, record(true, readiness.LoadWarm), true, StatusNotReady},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			if tc.mutate != nil {
				tc.mutate(&cfg)
			}
			if got := Derive(cfg, tc.rec, tc.hasModel); got != tc.want {
				t.Errorf("Derive = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestDerive_PureFunction(t *testing.T) {
	cfg := validConfig()
	rec := record(true, readiness.LoadCold)

	first := Derive(cfg, rec, true)
	for i := 0; i < 10; i++ {
		if got := Derive(cfg, rec, true); got != first {
			t.Fatalf("iteration %d: %s != %s", i, got, first)
		}
	}

	// Flipping only load_state cold -> warm flips partially_ready -> ready.
	if first != StatusPartiallyReady {
		t.Fatalf("cold status = %s", first)
	}
	rec.Model.LoadState = readiness.LoadWarm
	if got := Derive(cfg, rec, true); got != StatusReady {
		t.Errorf("warm status = %s, want ready", got)
	}
}

func TestCompatible(t *testing.T) {
	a := validConfig()
	b := validConfig()
	b.ID = "a2"

	if !Compatible(a, b, engine.KindOllama, true, true) {
		t.Error("matching pair on active engine should be compatible")
	}
	if Compatible(a, b, engine.KindMLX, true, true) {
		t.Error("strict mode must reject agents off the active engine")
	}
	if !Compatible(a, b, engine.KindMLX, true, false) {
		t.Error("lax mode only requires the pair to match each other")
	}

	b.EngineKind = engine.KindMLX
	if Compatible(a, b, engine.KindOllama, true, false) {
		t.Error("mismatched pair is never compatible")
	}

	// No warm model yet: strict mode falls back to pair matching.
	b.EngineKind = engine.KindOllama
	if !Compatible(a, b, "", false, true) {
		t.Error("strict mode without an active engine should allow a matching pair")
	}
}

func TestSelectable(t *testing.T) {
	cfg := validConfig()
	rec := record(true, readiness.LoadWarm)

	if !Selectable(cfg, rec, true, engine.KindOllama, true, true) {
		t.Error("ready agent on active engine should be selectable")
	}
	if Selectable(cfg, rec, true, engine.KindMLX, true, true) {
		t.Error("ready agent off the active engine must be excluded in strict mode")
	}
	if Selectable(cfg, record(false, readiness.LoadWarm), true, engine.KindOllama, true, false) {
		t.Error("partially_ready agent is never selectable")
	}
}
