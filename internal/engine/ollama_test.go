package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func tagsJSON(names ...string) []byte {
	type entry struct {
		Name string `json:"name"`
	}
	type resp struct {
		Models []entry `json:"models"`
	}
	r := resp{}
	for _, n := range names {
		r.Models = append(r.Models, entry{Name: n})
	}
	b, _ := json.Marshal(r)
	return b
}

func TestOllama_ProbeAndListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.Write(tagsJSON("llama3", "phi3.5:latest"))
	}))
	defer srv.Close()

	o := NewOllama(srv.URL)
	if err := o.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}

	models, err := o.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0] != "llama3" {
		t.Errorf("got models %v", models)
	}
}

func TestOllama_ProbeUnreachable(t *testing.T) {
	o := NewOllama("http://127.0.0.1:1")
	err := o.Probe(context.Background())
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("got %v, want ErrUnreachable", err)
	}
}

func TestOllama_LoadModel(t *testing.T) {
	var gotBody loadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"done":true}`))
	}))
	defer srv.Close()

	o := NewOllama(srv.URL)
	if err := o.LoadModel(context.Background(), "llama3"); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if gotBody.Model != "llama3" || gotBody.KeepAlive == "" {
		t.Errorf("load request = %+v", gotBody)
	}
}

func TestOllama_GenerateStreams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if !req.Stream {
			t.Error("expected stream=true")
		}
		if req.Options["seed"] == nil {
			t.Error("expected seed in options")
		}
		for _, word := range []string{"hello", " ", "world"} {
			fmt.Fprintf(w, `{"message":{"role":"assistant","content":%q},"done":false}`+"\n", word)
		}
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true}`)
	}))
	defer srv.Close()

	seed := int64(42)
	o := NewOllama(srv.URL)
	frags, err := o.Generate(context.Background(), GenerateRequest{
		Model:    "llama3",
		Messages: []Message{{Role: "user", Content: "hi"}},
		Seed:     &seed,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	var sb strings.Builder
	var done bool
	for f := range frags {
		if f.Err != nil {
			t.Fatalf("fragment error: %v", f.Err)
		}
		sb.WriteString(f.Text)
		done = f.Done
	}
	if sb.String() != "hello world" {
		t.Errorf("got %q, want %q", sb.String(), "hello world")
	}
	if !done {
		t.Error("stream ended without done fragment")
	}
}

func TestOllama_GenerateCancelledMidStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"message":{"content":"first"},"done":false}`)
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	o := NewOllama(srv.URL)
	frags, err := o.Generate(ctx, GenerateRequest{Model: "llama3"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	first := <-frags
	if first.Text != "first" {
		t.Fatalf("got %+v", first)
	}
	cancel()

	// Channel must close without a trailing error fragment blaming the
	// caller's own cancellation.
	for f := range frags {
		if f.Err != nil {
			t.Errorf("unexpected error after cancel: %v", f.Err)
		}
	}
}

func TestProbeEndpoint_FoldsErrors(t *testing.T) {
	res := ProbeEndpoint(context.Background(), "127.0.0.1", 1, KindOllama)
	if res.Reachable {
		t.Fatal("expected unreachable")
	}
	if res.Message == "" {
		t.Error("expected a diagnostic message")
	}
}

func TestProbeEndpoint_ListsModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(tagsJSON("llama3"))
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)
	res := ProbeEndpoint(context.Background(), host, port, KindOllama)
	if !res.Reachable {
		t.Fatalf("unreachable: %s", res.Message)
	}
	if len(res.Models) != 1 || res.Models[0] != "llama3" {
		t.Errorf("got models %v", res.Models)
	}
}
