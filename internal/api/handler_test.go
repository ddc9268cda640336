package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nidhogg/embedserve/internal/config"
	"github.com/nidhogg/embedserve/internal/embedding"
	"github.com/nidhogg/embedserve/internal/metrics"
)

const testDim = 4

// stubProvider returns [i, len(text), 0, 0] for each text so tests can check
// both order and identity.
type stubProvider struct {
	err error

	mu    sync.Mutex
	calls [][]string
}

func (s *stubProvider) Name() string   { return "stub" }
func (s *stubProvider) Model() string  { return "stub-model" }
func (s *stubProvider) Dimension() int { return testDim }

func (s *stubProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	s.calls = append(s.calls, texts)
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return nil, &embedding.InferenceError{Provider: "stub", Err: err}
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(i), float32(len(t)), 0, 0}
	}
	return out, nil
}

func (s *stubProvider) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type testEnv struct {
	ts       *httptest.Server
	provider *stubProvider
	metrics  *metrics.Metrics
	logs     *observer.ObservedLogs
}

// newTestHandler creates a Handler around a stub provider. mutate may adjust
// the default configuration first.
func newTestHandler(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Model.Endpoint = "http://unused"
	cfg.Limits = config.LimitsConfig{MaxTextsPerRequest: 3, MaxCharsPerText: 10, MaxTotalChars: 20}
	if mutate != nil {
		mutate(&cfg)
	}

	core, logs := observer.New(zap.InfoLevel)
	p := &stubProvider{}
	m := metrics.New(metrics.Config{Enabled: cfg.Metrics.Enabled, ServiceName: cfg.Service.Name})
	h := NewHandler(&cfg, p, m, zap.New(core))

	ts := httptest.NewServer(h.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, provider: p, metrics: m, logs: logs}
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	return postRaw(t, ts, path, string(b), nil)
}

func postRaw(t *testing.T, ts *httptest.Server, path, body string, header http.Header) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, ts.URL+path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string, header http.Header) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, ts.URL+path, nil)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

type singleResponse struct {
	Provider  string          `json:"provider"`
	Model     string          `json:"model"`
	Dim       int             `json:"dim"`
	Embedding []float32       `json:"embedding"`
	RequestID string          `json:"request_id"`
	Metadata  json.RawMessage `json:"metadata"`
}

type batchResponse struct {
	Dim       int         `json:"dim"`
	Count     int         `json:"count"`
	Embedding [][]float32 `json:"embedding"`
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	env := newTestHandler(t, nil)

	resp := getJSON(t, env.ts, "/health", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
	if body["model"] != "stub-model" || body["service"] != "embedserve" {
		t.Errorf("unexpected health body: %v", body)
	}
}

func TestEmbedSingle(t *testing.T) {
	env := newTestHandler(t, nil)

	resp := postJSON(t, env.ts, "/embed", map[string]interface{}{
		"text":     "hello",
		"metadata": map[string]string{"source": "unit"},
	})
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body singleResponse
	decodeJSON(t, resp, &body)

	if body.Dim != testDim || len(body.Embedding) != testDim {
		t.Errorf("dim = %d, len = %d, want %d", body.Dim, len(body.Embedding), testDim)
	}
	if body.Embedding[1] != 5 {
		t.Errorf("embedding does not belong to input: %v", body.Embedding)
	}
	if body.Provider != "stub" || body.Model != "stub-model" {
		t.Errorf("provider/model = %q/%q", body.Provider, body.Model)
	}
	if body.RequestID == "" {
		t.Error("expected request_id in body")
	}
	if string(body.Metadata) != `{"source":"unit"}` {
		t.Errorf("metadata = %s", body.Metadata)
	}
}

func TestEmbedBatchPreservesOrder(t *testing.T) {
	env := newTestHandler(t, nil)

	resp := postJSON(t, env.ts, "/embed", map[string]interface{}{
		"texts": []string{"a", "bbb", "cc"},
	})
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body batchResponse
	decodeJSON(t, resp, &body)

	if body.Count != 3 || len(body.Embedding) != 3 {
		t.Fatalf("count = %d, vectors = %d, want 3", body.Count, len(body.Embedding))
	}
	wantLens := []float32{1, 3, 2}
	for i, v := range body.Embedding {
		if len(v) != testDim {
			t.Errorf("vector %d has dim %d", i, len(v))
		}
		if v[0] != float32(i) || v[1] != wantLens[i] {
			t.Errorf("vector %d = %v, out of order", i, v)
		}
	}
}

func TestEmbedSingleItemBatchIsStillBatch(t *testing.T) {
	env := newTestHandler(t, nil)

	resp := postJSON(t, env.ts, "/embed", map[string]interface{}{"texts": []string{"x"}})
	var body batchResponse
	decodeJSON(t, resp, &body)
	if body.Count != 1 || len(body.Embedding) != 1 {
		t.Errorf("got %+v, want one nested vector", body)
	}
}

func TestEmbedValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		reason string
		index  *int
	}{
		{"no input", `{}`, 400, "missing input", nil},
		{"both", `{"text":"a","texts":["b"]}`, 400, "missing input", nil},
		{"empty list", `{"texts":[]}`, 400, "missing input", nil},
		{"too many", `{"texts":["a","b","c","d"]}`, 400, "too many inputs", nil},
		{"too long", `{"texts":["ok","01234567890"]}`, 400, "text too long", intPtr(1)},
		{"batch too large", `{"texts":["aaaaaaaaaa","bbbbbbbbbb","c"]}`, 400, "batch too large", nil},
		{"empty text", `{"text":"   "}`, 400, "empty text", intPtr(0)},
		{"null element", `{"texts":["a",null]}`, 400, "empty text", intPtr(1)},
		{"malformed", `{"text":`, 422, "malformed JSON", nil},
		{"empty body", ``, 422, "malformed JSON", nil},
		{"wrong type", `{"text":42}`, 422, "invalid type", nil},
		{"not an object", `["a"]`, 422, "JSON object", nil},
		{"bad metadata", `{"text":"a","metadata":[1]}`, 422, "metadata", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestHandler(t, nil)
			resp := postRaw(t, env.ts, "/embed", tt.body, nil)
			if resp.StatusCode != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, resp.StatusCode)
			}
			var body errorResponse
			decodeJSON(t, resp, &body)
			if body.Kind != kindValidation {
				t.Errorf("kind = %q", body.Kind)
			}
			if !strings.Contains(body.Message, tt.reason) {
				t.Errorf("message %q does not contain %q", body.Message, tt.reason)
			}
			if (tt.index == nil) != (body.Index == nil) || (tt.index != nil && *tt.index != *body.Index) {
				t.Errorf("index = %v, want %v", body.Index, tt.index)
			}
			if env.provider.callCount() != 0 {
				t.Error("provider must not be called for invalid input")
			}
		})
	}
}

func intPtr(i int) *int { return &i }

func TestEmbedBodyTooLarge(t *testing.T) {
	env := newTestHandler(t, func(c *config.Config) { c.Server.MaxRequestBytes = 16 })

	resp := postRaw(t, env.ts, "/embed", `{"text":"this body is far too long"}`, nil)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
	var body errorResponse
	decodeJSON(t, resp, &body)
	if body.Kind != kindValidation {
		t.Errorf("kind = %q", body.Kind)
	}
}

func TestEmbedInternalErrorIsGeneric(t *testing.T) {
	env := newTestHandler(t, nil)
	env.provider.fail(errors.New("CUDA out of memory while embedding secret-text\nstack"))

	resp := postJSON(t, env.ts, "/embed", map[string]string{"text": "secret-text"})
	if resp.StatusCode != 500 {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if strings.Contains(string(raw), "CUDA") || strings.Contains(string(raw), "secret-text") {
		t.Errorf("internal detail leaked to client: %s", raw)
	}
	var body errorResponse
	json.Unmarshal(raw, &body)
	if body.Kind != kindInternal || body.Message != internalMessage {
		t.Errorf("unexpected envelope: %+v", body)
	}

	entries := env.logs.FilterMessage("embed_internal_error").All()
	if len(entries) != 1 {
		t.Fatalf("expected one embed_internal_error log, got %d", len(entries))
	}
	logged := entries[0].ContextMap()["error"].(string)
	if strings.Contains(logged, "secret-text") || strings.Contains(logged, "\n") {
		t.Errorf("log not sanitized: %q", logged)
	}
}

func TestEmbedLogsLifecycle(t *testing.T) {
	env := newTestHandler(t, nil)

	resp := postJSON(t, env.ts, "/embed", map[string]interface{}{"texts": []string{"a", "b"}})
	resp.Body.Close()

	start := env.logs.FilterMessage("embed_start").All()
	if len(start) != 1 || start[0].ContextMap()["input_count"] != int64(2) {
		t.Errorf("embed_start = %+v", start)
	}
	if n := env.logs.FilterMessage("embed_success").Len(); n != 1 {
		t.Errorf("expected one embed_success, got %d", n)
	}

	resp = postRaw(t, env.ts, "/embed", `{}`, nil)
	resp.Body.Close()
	if n := env.logs.FilterMessage("embed_validation_error").Len(); n != 1 {
		t.Errorf("expected one embed_validation_error, got %d", n)
	}
}

func TestRequestIDEcho(t *testing.T) {
	env := newTestHandler(t, nil)

	resp := postRaw(t, env.ts, "/embed", `{"text":"hi"}`, http.Header{"X-Request-Id": {"abc-123"}})
	if got := resp.Header.Get("X-Request-ID"); got != "abc-123" {
		t.Errorf("echoed id = %q", got)
	}
	var body singleResponse
	decodeJSON(t, resp, &body)
	if body.RequestID != "abc-123" {
		t.Errorf("body request_id = %q", body.RequestID)
	}

	resp = getJSON(t, env.ts, "/health", nil)
	resp.Body.Close()
	if len(resp.Header.Get("X-Request-ID")) != 36 {
		t.Errorf("expected generated uuid, got %q", resp.Header.Get("X-Request-ID"))
	}

	resp = postRaw(t, env.ts, "/embed", `{}`, http.Header{"X-Request-Id": {"err-1"}})
	var errBody errorResponse
	decodeJSON(t, resp, &errBody)
	if errBody.RequestID != "err-1" {
		t.Errorf("error envelope request_id = %q", errBody.RequestID)
	}
}

func TestAPIKey(t *testing.T) {
	env := newTestHandler(t, func(c *config.Config) { c.Server.APIKey = "s3cret" })

	resp := postRaw(t, env.ts, "/embed", `{"text":"hi"}`, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing key: expected 401, got %d", resp.StatusCode)
	}
	var body errorResponse
	decodeJSON(t, resp, &body)
	if body.Kind != kindAuth {
		t.Errorf("kind = %q", body.Kind)
	}

	resp = postRaw(t, env.ts, "/embed", `{"text":"hi"}`, http.Header{"X-Api-Key": {"wrong"}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key: expected 401, got %d", resp.StatusCode)
	}

	resp = postRaw(t, env.ts, "/embed", `{"text":"hi"}`, http.Header{"X-Api-Key": {"s3cret"}})
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("right key: expected 200, got %d", resp.StatusCode)
	}

	resp = getJSON(t, env.ts, "/info", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("/info without key: expected 401, got %d", resp.StatusCode)
	}

	for _, path := range []string{"/health", "/metrics"} {
		resp = getJSON(t, env.ts, path, nil)
		resp.Body.Close()
		if resp.StatusCode != 200 {
			t.Errorf("%s must stay open, got %d", path, resp.StatusCode)
		}
	}

	// missing key, wrong key and /info without key
	resp = getJSON(t, env.ts, "/metrics", nil)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if want := `embed_errors_total{kind="auth",service="embedserve"} 3`; !bytes.Contains(raw, []byte(want)) {
		t.Errorf("metrics missing %q", want)
	}
}

func TestInfo(t *testing.T) {
	env := newTestHandler(t, func(c *config.Config) { c.Model.FallbackName = "mini" })

	resp := getJSON(t, env.ts, "/info", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]interface{}
	decodeJSON(t, resp, &body)

	checks := map[string]interface{}{
		"service":               "embedserve",
		"provider":              "stub",
		"model_name":            "stub-model",
		"fallback_model_name":   "mini",
		"embedding_dimension":   float64(testDim),
		"max_texts_per_request": float64(3),
		"metrics_enabled":       true,
		"cache_enabled":         false,
	}
	for k, want := range checks {
		if body[k] != want {
			t.Errorf("%s = %v, want %v", k, body[k], want)
		}
	}
	if _, ok := body["generated_at"]; !ok {
		t.Error("missing generated_at")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestHandler(t, nil)

	resp := postJSON(t, env.ts, "/embed", map[string]string{"text": "hello"})
	resp.Body.Close()

	resp = getJSON(t, env.ts, "/metrics", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{
		`embed_requests_total{outcome="success",service="embedserve"} 1`,
		`http_requests_total{method="POST",route="/embed",service="embedserve",status="200"} 1`,
		"embed_request_latency_seconds_bucket",
	} {
		if !bytes.Contains(raw, []byte(want)) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestMetricsDisabled(t *testing.T) {
	env := newTestHandler(t, func(c *config.Config) { c.Metrics.Enabled = false })

	resp := getJSON(t, env.ts, "/metrics", nil)
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	var body errorResponse
	decodeJSON(t, resp, &body)
	if body.Kind != kindNotFound {
		t.Errorf("kind = %q", body.Kind)
	}

	// embedding still works without metrics
	resp = postJSON(t, env.ts, "/embed", map[string]string{"text": "hello"})
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestHandler(t, nil)

	resp := getJSON(t, env.ts, "/nope", nil)
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	var body errorResponse
	decodeJSON(t, resp, &body)
	if body.Kind != kindNotFound {
		t.Errorf("kind = %q", body.Kind)
	}
}

func TestCORS(t *testing.T) {
	env := newTestHandler(t, func(c *config.Config) {
		c.Server.CORSAllowOrigins = []string{"https://app.example.com"}
	})

	req, _ := http.NewRequest(http.MethodOptions, env.ts.URL+"/embed", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow-origin = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("allow-credentials = %q", got)
	}
}

func TestSanitizeError(t *testing.T) {
	long := strings.Repeat("x", 500)
	got := sanitizeError(errors.New("failed on my secret\n"+long), []string{"my secret"})
	if strings.Contains(got, "my secret") || strings.Contains(got, "\n") {
		t.Errorf("not sanitized: %q", got)
	}
	if n := len([]rune(got)); n != maxLoggedError+3 {
		t.Errorf("length = %d, want truncated to %d", n, maxLoggedError+3)
	}
}
