package plexchat

import (
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

	"github.com/gaspardpetit/plexchat/internal/config"
	"github.com/gaspardpetit/plexchat/internal/openai"
	"github.com/gaspardpetit/plexchat/internal/scheduler"
)

// fakeAzure serves chat and embedding deployments. Messages starting with
// "block" hang until the request is canceled; "reject" gets a 400.
func fakeAzure(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Query().Get("api-version") == "" || r.Header.Get("api-key") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, "/embeddings"):
			var in openai.EmbedInput
			_ = json.NewDecoder(r.Body).Decode(&in)
			out := openai.EmbedOutput{Object: "list", Model: "ada"}
			for i := range in.Input {
				out.Data = append(out.Data, openai.Embedding{Object: "embedding", Index: i, Embedding: []float64{float64(i)}})
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(out)
		case strings.HasSuffix(r.URL.Path, "/chat/completions"):
			var in openai.ChatInput
			_ = json.NewDecoder(r.Body).Decode(&in)
			text := in.Messages[len(in.Messages)-1].Content.PlainText()
			switch {
			case strings.HasPrefix(text, "block"):
				<-r.Context().Done()
				return
			case strings.HasPrefix(text, "reject"):
				w.WriteHeader(http.StatusBadRequest)
				_, _ = io.WriteString(w, `{"error":{"message":"bad"}}`)
				return
			}
			if in.Stream {
				w.Header().Set("Content-Type", "text/event-stream")
				for _, part := range strings.Fields(text) {
					fmt.Fprintf(w, "data: {\"id\":\"c\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
				}
				fmt.Fprint(w, "data: [DONE]\n\n")
				return
			}
			reply := "echo: " + text
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(openai.ChatOutput{Choices: []openai.ChatChoice{{Message: openai.ChatOutputMessage{Role: "assistant", Content: &reply}}}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	c, err := New(Config{Manifests: []config.EndpointManifest{{
		Name:     "test",
		Endpoint: endpoint,
		APIKey:   "key",
		Models: []config.ModelManifest{
			{ModelName: "gpt-35-turbo", DeploymentName: "gpt35", ContextWindow: 4096, RPM: 600, TPM: 100000},
			{ModelName: "text-embedding-ada-002", DeploymentName: "ada", ContextWindow: 8191, RPM: 600, TPM: 100000},
		},
	}}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(c.Shutdown)
	return c
}

func userMsg(s string) openai.ChatInput {
	return openai.ChatInput{Messages: []openai.ChatMessage{{Role: "user", Content: openai.Text(s)}}}
}

func ctxTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestChat(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, fakeAzure(t, &hits).URL)
	out, err := c.Chat(ctxTimeout(t), userMsg("hello"), Options{})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if got := *out.Choices[0].Message.Content; got != "echo: hello" {
		t.Fatalf("reply = %q", got)
	}
	st := c.Status()
	if len(st.Workers) != 2 || st.Workers[0].RequestsPerMinuteUsed != 1 {
		t.Fatalf("status = %+v", st)
	}
}

func TestChatStream(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, fakeAzure(t, &hits).URL)
	ctx := ctxTimeout(t)
	s := c.ChatStream(ctx, userMsg("one two three"), Options{})
	var parts []string
	for {
		v, err := s.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		parts = append(parts, v.(*openai.ChatChunk).Choices[0].Delta.Content)
	}
	if strings.Join(parts, " ") != "one two three" {
		t.Fatalf("parts = %v", parts)
	}
}

func TestEmbed(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, fakeAzure(t, &hits).URL)
	data, err := c.Embed(ctxTimeout(t), []string{"a", "b"}, Options{})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(data) != 2 || data[1].Embedding[0] != 1 {
		t.Fatalf("data = %+v", data)
	}
}

func TestChatRejected(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, fakeAzure(t, &hits).URL)
	_, err := c.Chat(ctxTimeout(t), userMsg("reject me"), Options{})
	var pe *scheduler.ProxyError
	if !errors.As(err, &pe) || pe.StatusCode != http.StatusBadRequest {
		t.Fatalf("err = %v", err)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("upstream hits = %d; rejected requests are not retried", n)
	}
}

func TestContextCancelAbortsOnlyThatRequest(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, fakeAzure(t, &hits).URL)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Chat(ctx, userMsg("block forever"), Options{})
		done <- err
	}()
	for c.Status().Manager.RunningTasks == 0 {
		time.Sleep(time.Millisecond)
	}

	out, err := c.Chat(ctxTimeout(t), userMsg("still here"), Options{})
	if err != nil || *out.Choices[0].Message.Content != "echo: still here" {
		t.Fatalf("other request = %v, %v", out, err)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled chat err = %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for c.Status().Manager.RunningTasks != 0 {
		if time.Now().After(deadline) {
			t.Fatal("aborted request still running")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestAbortHandle(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, fakeAzure(t, &hits).URL)
	s := c.ChatStream(context.Background(), userMsg("block"), Options{AbortHandle: "job-1"})
	for c.Status().Manager.RunningTasks == 0 {
		time.Sleep(time.Millisecond)
	}
	c.Abort("job-1")
	if _, err := s.Wait(ctxTimeout(t)); !errors.Is(err, scheduler.ErrCanceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestNewValidatesManifests(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without workers")
	}
	_, err := New(Config{Manifests: []config.EndpointManifest{{Endpoint: "https://x"}}})
	if err == nil {
		t.Fatal("expected manifest validation error")
	}
	_, err = New(Config{Packing: "best", Manifests: []config.EndpointManifest{{
		Endpoint: "https://x",
		Models:   []config.ModelManifest{{ModelName: "m", DeploymentName: "d", RPM: 1, TPM: 1}},
	}}})
	if err == nil {
		t.Fatal("expected unknown packing error")
	}
}
