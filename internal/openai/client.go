package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gaspardpetit/plexchat/core/logx"
	"github.com/gaspardpetit/plexchat/core/secret"
	"github.com/gaspardpetit/plexchat/internal/scheduler"
)

const maxErrorBody = 4 << 10

// Client posts requests to one deployment URL.
type Client struct {
	URL    string
	APIKey string
	HTTP   *http.Client
	// Now is used to resolve HTTP-date Retry-After values.
	Now func() time.Time
}

func NewClient(url, apiKey string) *Client {
	return &Client{URL: url, APIKey: apiKey, HTTP: &http.Client{}, Now: time.Now}
}

func (c *Client) String() string {
	return fmt.Sprintf("%s (key %s)", c.URL, secret.Mask(c.APIKey))
}

// Do sends input and emits the decoded response: one *ChatOutput or
// *EmbedOutput for JSON replies, one *ChatChunk per event for streamed
// replies. It satisfies scheduler.ProxyFunc.
func (c *Client) Do(ctx context.Context, input any, emit func(any)) error {
	body, err := json.Marshal(input)
	if err != nil {
		return &scheduler.ProxyError{Err: fmt.Errorf("encode request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return &scheduler.ProxyError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("api-key", c.APIKey)
	}
	if streaming(input) {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", c.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return c.statusError(resp)
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return readEvents(ctx, resp.Body, emit)
	}

	out := newOutput(input)
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	emit(out)
	return nil
}

func streaming(input any) bool {
	switch in := input.(type) {
	case ChatInput:
		return in.Stream
	case *ChatInput:
		return in.Stream
	}
	return false
}

func newOutput(input any) any {
	switch input.(type) {
	case ChatInput, *ChatInput:
		return &ChatOutput{}
	case EmbedInput, *EmbedInput:
		return &EmbedOutput{}
	}
	return &json.RawMessage{}
}

// readEvents emits one chunk per SSE data line until [DONE] or EOF.
func readEvents(ctx context.Context, r io.Reader, emit func(any)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}
		if data == "" {
			continue
		}
		var chunk ChatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		emit(&chunk)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read events: %w", err)
	}
	return nil
}

// statusError classifies a failed response. Rate limits, timeouts,
// conflicts and server errors are retryable, other client errors are not.
func (c *Client) statusError(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	pe := &scheduler.ProxyError{
		StatusCode: resp.StatusCode,
		Err:        errors.New(strings.TrimSpace(string(msg))),
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		pe.Retryable = true
		now := time.Now
		if c.Now != nil {
			now = c.Now
		}
		pe.RetryAfter = ParseRetryAfter(resp.Header, now())
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusConflict,
		resp.StatusCode >= http.StatusInternalServerError:
		pe.Retryable = true
	}
	lvl := logx.Log.Warn()
	if !pe.Retryable {
		lvl = logx.Log.Error()
	}
	lvl.Int("status", resp.StatusCode).Str("url", c.URL).Dur("retry_after", pe.RetryAfter).Msg("upstream error")
	return pe
}

// ParseRetryAfter reads retry-after-ms, then Retry-After in seconds or as
// an HTTP date. It returns zero when neither is usable.
func ParseRetryAfter(h http.Header, now time.Time) time.Duration {
	if v := h.Get("retry-after-ms"); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms > 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if s, err := strconv.ParseFloat(v, 64); err == nil {
		if s <= 0 {
			return 0
		}
		return time.Duration(s * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
