package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/gaspardpetit/plexchat/core/logx"
	"github.com/gaspardpetit/plexchat/internal/openai"
	"github.com/gaspardpetit/plexchat/internal/plexchat"
	"github.com/gaspardpetit/plexchat/internal/scheduler"
	"github.com/gaspardpetit/plexchat/internal/statestore"
)

// StatusClientClosedRequest is reported when the caller aborted the request.
const StatusClientClosedRequest = 499

var statusPushInterval = 2 * time.Second

type api struct {
	svc      Service
	timeout  time.Duration
	origins  []string
	draining func() bool
}

type submitOptions struct {
	Models      []string       `json:"models,omitempty"`
	AbortHandle string         `json:"abort_handle,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (o submitOptions) options() plexchat.Options {
	return plexchat.Options{Models: o.Models, AbortHandle: o.AbortHandle, Metadata: o.Metadata}
}

type chatRequest struct {
	submitOptions
	Input openai.ChatInput `json:"input"`
}

type embedRequest struct {
	submitOptions
	Input []string `json:"input"`
}

type embedResponse struct {
	Object string             `json:"object"`
	Data   []openai.Embedding `json:"data"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if a.timeout > 0 {
		return context.WithTimeout(r.Context(), a.timeout)
	}
	return context.WithCancel(r.Context())
}

func (a *api) chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if len(req.Input.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "input.messages is required")
		return
	}
	ctx, cancel := a.requestContext(r)
	defer cancel()

	if req.Input.Stream {
		a.chatStream(ctx, w, req)
		return
	}
	out, err := a.svc.Chat(ctx, req.Input, req.options())
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// chatStream relays chunks as server-sent events. Failures before the first
// chunk are reported with a status code, later ones as an error event.
func (a *api) chatStream(ctx context.Context, w http.ResponseWriter, req chatRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	s := a.svc.ChatStream(ctx, req.Input, req.options())
	first, err := s.Next(ctx)
	if err != nil && !errors.Is(err, io.EOF) {
		writeTaskError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for v := first; err == nil; v, err = s.Next(ctx) {
		if writeEvent(w, "", v) != nil {
			return
		}
		flusher.Flush()
	}
	if !errors.Is(err, io.EOF) {
		logx.Log.Warn().Err(err).Msg("chat stream failed")
		_ = writeEvent(w, "error", errorBody{Error: err.Error()})
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (a *api) embeddings(w http.ResponseWriter, r *http.Request) {
	var req embedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if len(req.Input) == 0 {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}
	ctx, cancel := a.requestContext(r)
	defer cancel()
	data, err := a.svc.Embed(ctx, req.Input, req.options())
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, embedResponse{Object: "list", Data: data})
}

func (a *api) abort(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")
	logx.Log.Info().Str("abort_handle", handle).Msg("abort requested")
	a.svc.Abort(handle)
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) abortAll(w http.ResponseWriter, r *http.Request) {
	logx.Log.Info().Msg("abort all requested")
	a.svc.AbortAll()
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) snapshot() statestore.Snapshot {
	p := statestore.Publisher{Status: a.svc.Status}
	return p.Snapshot()
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.snapshot())
}

// statusStream pushes a snapshot as a server-sent event on every tick.
func (a *api) statusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	ticker := time.NewTicker(statusPushInterval)
	defer ticker.Stop()
	for {
		if err := writeEvent(w, "", a.snapshot()); err != nil {
			return
		}
		flusher.Flush()
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *api) statusWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: a.origins})
	if err != nil {
		return
	}
	defer func() { _ = c.CloseNow() }()
	ctx := c.CloseRead(r.Context())
	ticker := time.NewTicker(statusPushInterval)
	defer ticker.Stop()
	for {
		if err := wsjson.Write(ctx, c, a.snapshot()); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			_ = c.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
	}
}

// statusCode maps a task failure to an HTTP status.
func statusCode(err error) int {
	var pe *scheduler.ProxyError
	switch {
	case errors.Is(err, scheduler.ErrCanceled), errors.Is(err, context.Canceled):
		return StatusClientClosedRequest
	case errors.Is(err, scheduler.ErrExpired), errors.Is(err, scheduler.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, scheduler.ErrShutdown):
		return http.StatusServiceUnavailable
	case errors.As(err, &pe) && !pe.Retryable && pe.StatusCode >= http.StatusBadRequest:
		return pe.StatusCode
	}
	return http.StatusBadGateway
}

func writeTaskError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		logx.Log.Error().Err(err).Int("status", code).Msg("request failed")
	}
	writeError(w, code, err.Error())
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Log.Error().Err(err).Msg("encode response")
	}
}

func writeEvent(w io.Writer, event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := io.WriteString(w, "event: "+event+"\n"); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "data: "); err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	_, err = io.WriteString(w, "\n\n")
	return err
}
