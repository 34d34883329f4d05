package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gaspardpetit/plexchat/internal/config"
	"github.com/gaspardpetit/plexchat/internal/openai"
	"github.com/gaspardpetit/plexchat/internal/plexchat"
	"github.com/gaspardpetit/plexchat/internal/scheduler"
	"github.com/gaspardpetit/plexchat/internal/statestore"
)

// fakeProxy answers without any network: "block" waits for cancellation,
// "reject" fails with a 400 and "flaky" fails with a retryable 503.
func fakeProxy(ctx context.Context, input any, emit func(any)) error {
	switch in := input.(type) {
	case *openai.EmbedInput:
		out := &openai.EmbedOutput{Object: "list"}
		for i := range in.Input {
			out.Data = append(out.Data, openai.Embedding{Object: "embedding", Index: i, Embedding: []float64{0.5}})
		}
		emit(out)
		return nil
	case *openai.ChatInput:
		text := in.Messages[len(in.Messages)-1].Content.PlainText()
		switch text {
		case "block":
			<-ctx.Done()
			return ctx.Err()
		case "reject":
			return &scheduler.ProxyError{StatusCode: http.StatusBadRequest, Err: errors.New("bad request")}
		case "flaky":
			return &scheduler.ProxyError{StatusCode: http.StatusServiceUnavailable, Retryable: true, Err: errors.New("unavailable")}
		}
		if in.Stream {
			for _, w := range strings.Fields(text) {
				emit(&openai.ChatChunk{Object: "chat.completion.chunk", Choices: []openai.ChunkChoice{{Delta: openai.Delta{Content: w}}}})
			}
			return nil
		}
		reply := "echo: " + text
		emit(&openai.ChatOutput{Choices: []openai.ChatChoice{{Message: openai.ChatOutputMessage{Role: "assistant", Content: &reply}}}})
		return nil
	}
	return fmt.Errorf("unexpected input %T", input)
}

type testEnv struct {
	ts       *httptest.Server
	client   *plexchat.Client
	draining atomic.Bool
}

func newTestEnv(t *testing.T, cfg config.ServerConfig) *testEnv {
	t.Helper()
	w, err := scheduler.NewWorker(scheduler.WorkerConfig{
		Name:              "fake",
		Models:            append(append([]string{}, plexchat.DefaultChatModels...), plexchat.DefaultEmbedModels...),
		RequestsPerMinute: 6000,
		TokensPerMinute:   1e7,
		Proxy:             fakeProxy,
		PollInterval:      2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("worker: %v", err)
	}
	client, err := plexchat.New(plexchat.Config{Workers: []scheduler.WorkerRef{w}, MaxRetry: -1})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	env := &testEnv{client: client}
	a := &api{svc: client, timeout: cfg.RequestTimeout, draining: env.draining.Load}
	env.ts = httptest.NewServer(routes(chi.NewRouter(), cfg, a, prometheus.NewRegistry()))
	t.Cleanup(func() {
		client.Shutdown()
		env.ts.Close()
	})
	return env
}

func (e *testEnv) post(t *testing.T, path, body string, header ...string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, e.ts.URL+path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func chatBody(text string, stream bool, handle string) string {
	b, _ := json.Marshal(map[string]any{
		"abort_handle": handle,
		"input": map[string]any{
			"messages": []map[string]any{{"role": "user", "content": text}},
			"stream":   stream,
		},
	})
	return string(b)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	resp, err := http.Get(env.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("got %d %v", resp.StatusCode, body)
	}
}

func TestChat(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	resp := env.post(t, "/api/chat", chatBody("hi", false, ""))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var out openai.ChatOutput
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *out.Choices[0].Message.Content != "echo: hi" {
		t.Fatalf("reply %q", *out.Choices[0].Message.Content)
	}
}

func TestChatStream(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	resp := env.post(t, "/api/chat", chatBody("a b", true, ""))
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	b, _ := io.ReadAll(resp.Body)
	body := string(b)
	if strings.Count(body, "chat.completion.chunk") != 2 || !strings.HasSuffix(body, "data: [DONE]\n\n") {
		t.Fatalf("body %q", body)
	}
}

func TestChatErrors(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	cases := []struct {
		name string
		body string
		code int
	}{
		{"invalid json", "{", http.StatusBadRequest},
		{"no messages", `{"input":{"messages":[]}}`, http.StatusBadRequest},
		{"upstream rejected", chatBody("reject", false, ""), http.StatusBadRequest},
		{"upstream unavailable", chatBody("flaky", false, ""), http.StatusBadGateway},
		{"stream rejected", chatBody("reject", true, ""), http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.post(t, "/api/chat", tc.body)
			if resp.StatusCode != tc.code {
				t.Fatalf("status %d, want %d", resp.StatusCode, tc.code)
			}
			var e errorBody
			if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
				t.Fatalf("error body %v %v", e, err)
			}
		})
	}
}

func TestRequestTimeout(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{RequestTimeout: 50 * time.Millisecond})
	resp := env.post(t, "/api/chat", chatBody("block", false, ""))
	if resp.StatusCode != http.StatusGatewayTimeout {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestEmbeddings(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	resp := env.post(t, "/api/embeddings", `{"input":["x","y","z"]}`)
	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || out.Object != "list" || len(out.Data) != 3 {
		t.Fatalf("got %d %+v", resp.StatusCode, out)
	}
	if resp := env.post(t, "/api/embeddings", `{"input":[]}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty input status %d", resp.StatusCode)
	}
}

func TestAbortHandle(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	codes := make(chan int, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/api/chat", strings.NewReader(chatBody("block", false, "job-7")))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			codes <- 0
			return
		}
		_ = resp.Body.Close()
		codes <- resp.StatusCode
	}()
	deadline := time.Now().Add(2 * time.Second)
	for env.client.Status().Manager.RunningTasks == 0 {
		if time.Now().After(deadline) {
			t.Fatal("task never started")
		}
		time.Sleep(time.Millisecond)
	}
	if resp := env.post(t, "/api/abort/other", ""); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("abort status %d", resp.StatusCode)
	}
	if env.client.Status().Manager.RunningTasks != 1 {
		t.Fatal("abort of another handle canceled the task")
	}
	env.post(t, "/api/abort/job-7", "")
	if code := <-codes; code != StatusClientClosedRequest {
		t.Fatalf("aborted chat status %d", code)
	}
}

func TestAbortAll(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	codes := make(chan int, 2)
	for i := 0; i < 2; i++ {
		go func() {
			resp, err := http.Post(env.ts.URL+"/api/chat", "application/json", strings.NewReader(chatBody("block", false, "")))
			if err != nil {
				codes <- 0
				return
			}
			_ = resp.Body.Close()
			codes <- resp.StatusCode
		}()
	}
	for env.client.Status().Manager.RunningTasks < 2 {
		time.Sleep(time.Millisecond)
	}
	env.post(t, "/api/abort", "")
	for i := 0; i < 2; i++ {
		if code := <-codes; code != StatusClientClosedRequest {
			t.Fatalf("status %d", code)
		}
	}
}

func TestAPIKey(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{APIKey: "secret"})
	if resp := env.post(t, "/api/chat", chatBody("hi", false, "")); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing key status %d", resp.StatusCode)
	}
	if resp := env.post(t, "/api/chat", chatBody("hi", false, ""), "Authorization", "Bearer wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key status %d", resp.StatusCode)
	}
	if resp := env.post(t, "/api/chat", chatBody("hi", false, ""), "Authorization", "Bearer secret"); resp.StatusCode != http.StatusOK {
		t.Fatalf("valid key status %d", resp.StatusCode)
	}
}

func TestDrainingRejectsSubmissions(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	env.draining.Store(true)
	if resp := env.post(t, "/api/chat", chatBody("hi", false, "")); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d", resp.StatusCode)
	}
	resp, err := http.Get(env.ts.URL + "/api/status")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("status endpoint while draining: %v", err)
	}
	_ = resp.Body.Close()
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	env.post(t, "/api/chat", chatBody("hi", false, ""))
	resp, err := http.Get(env.ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var snap statestore.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Scheduler.Workers) != 1 || snap.Scheduler.Workers[0].RequestsPerMinuteUsed != 1 {
		t.Fatalf("snapshot %+v", snap)
	}
}

func TestStatusStream(t *testing.T) {
	statusPushInterval = 10 * time.Millisecond
	defer func() { statusPushInterval = 2 * time.Second }()
	env := newTestEnv(t, config.ServerConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.ts.URL+"/api/status/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	sc := bufio.NewScanner(resp.Body)
	events := 0
	for events < 2 && sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var snap statestore.Snapshot
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		events++
	}
	if events != 2 {
		t.Fatalf("got %d events", events)
	}
}

func TestStatusWebSocket(t *testing.T) {
	env := newTestEnv(t, config.ServerConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/status/ws"
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = c.CloseNow() }()
	var snap statestore.Snapshot
	if err := wsjson.Read(ctx, c, &snap); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(snap.Scheduler.Workers) != 1 || snap.Scheduler.Workers[0].Name != "fake" {
		t.Fatalf("snapshot %+v", snap)
	}
	_ = c.Close(websocket.StatusNormalClosure, "")
}

func TestMetricsEndpoint(t *testing.T) {
	for _, tc := range []struct {
		addr string
		code int
	}{{":8080", http.StatusOK}, {":9090", http.StatusNotFound}} {
		env := newTestEnv(t, config.ServerConfig{Port: 8080, MetricsAddr: tc.addr})
		resp, err := http.Get(env.ts.URL + "/metrics")
		if err != nil {
			t.Fatalf("GET /metrics: %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != tc.code {
			t.Fatalf("metrics addr %s: status %d, want %d", tc.addr, resp.StatusCode, tc.code)
		}
	}
}

func TestStatusCode(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{scheduler.ErrCanceled, StatusClientClosedRequest},
		{context.Canceled, StatusClientClosedRequest},
		{scheduler.ErrExpired, http.StatusGatewayTimeout},
		{fmt.Errorf("%w: %w", scheduler.ErrRetriesExhausted, scheduler.ErrTimeout), http.StatusGatewayTimeout},
		{scheduler.ErrShutdown, http.StatusServiceUnavailable},
		{&scheduler.ProxyError{StatusCode: 404, Err: errors.New("missing")}, http.StatusNotFound},
		{&scheduler.ProxyError{StatusCode: 429, Retryable: true, Err: errors.New("slow down")}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		if got := statusCode(tc.err); got != tc.code {
			t.Fatalf("statusCode(%v) = %d, want %d", tc.err, got, tc.code)
		}
	}
}

func TestCounterWaitForZero(t *testing.T) {
	var c Counter
	if !c.WaitForZero(context.Background()) {
		t.Fatal("idle counter should be zero")
	}
	c.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if c.WaitForZero(ctx) {
		t.Fatal("busy counter reported zero")
	}
	go c.Dec()
	if !c.WaitForZero(context.Background()) || c.Load() != 0 {
		t.Fatal("counter did not drain")
	}
}
