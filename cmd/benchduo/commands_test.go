package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestClientPostModel(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /models": `{"id":"m-123","name":"local llama"}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/models", map[string]any{
		"name": "local llama", "kind": "ollama", "host": "127.0.0.1", "port": 11434, "model_name": "llama3",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["id"] != "m-123" {
		t.Errorf("id = %q, want m-123", result["id"])
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Method != "POST" || r.Path != "/models" {
		t.Errorf("request = %s %s", r.Method, r.Path)
	}
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["kind"] != "ollama" || body["model_name"] != "llama3" {
		t.Errorf("body = %v", body)
	}
}

func TestClientOmitsAuthWithoutToken(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /models": `[]`,
	})

	client := ts.client()
	client.token = ""
	resp, err := client.get(ctx, "/models")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if ts.requests[0].Auth != "" {
		t.Errorf("auth = %q, want empty", ts.requests[0].Auth)
	}
}

func TestDecodeJSONSurfacesServerError(t *testing.T) {
	ts := newTestServer(t, nil)

	client := ts.client()
	resp, err := client.get(ctx, "/nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var v any
	if err := decodeJSON(resp, &v); err == nil {
		t.Fatal("expected error for 404 response")
	}
}

func TestChatStartCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /chat": `{"conversation_id":"c-42"}`,
	})

	orig := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	defer func() { newAPIClient = orig }()
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"chat", "start",
		"--agent1", "a1", "--agent2", "a2",
		"--prompt", "debate entropy", "--max-turns", "4",
	})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["agent1_id"] != "a1" || body["prompt"] != "debate entropy" {
		t.Errorf("body = %v", body)
	}
	if body["max_turns"] != float64(4) {
		t.Errorf("max_turns = %v, want 4", body["max_turns"])
	}
}

func TestBatchStartCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /batch_jobs": `{"job_id":"b-7"}`,
	})

	orig := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	defer func() { newAPIClient = orig }()
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"batch", "start",
		"--agent1", "a1", "--agent2", "a2",
		"--prompt", "argue", "--runs", "3", "--seed", "1000",
	})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["num_runs"] != float64(3) || body["seed"] != float64(1000) {
		t.Errorf("body = %v", body)
	}
}

func TestEvaluateCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /evaluate": `{"eval_job_id":"e-1"}`,
	})

	orig := newAPIClient
	newAPIClient = func() (*apiClient, error) { return ts.client(), nil }
	defer func() { newAPIClient = orig }()
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"evaluate", "c-42", "--main", "m1", "--judges", "m2, m3"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["conversation_id"] != "c-42" || body["main_model_id"] != "m1" {
		t.Errorf("body = %v", body)
	}
	judges, ok := body["judge_model_ids"].([]any)
	if !ok || len(judges) != 2 || judges[1] != "m3" {
		t.Errorf("judges = %v, whitespace should be trimmed", body["judge_model_ids"])
	}
}
