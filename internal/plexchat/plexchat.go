// Package plexchat submits chat and embedding requests to a pool of
// rate-limited upstream deployments.
package plexchat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/plexchat/internal/config"
	"github.com/gaspardpetit/plexchat/internal/openai"
	"github.com/gaspardpetit/plexchat/internal/packing"
	"github.com/gaspardpetit/plexchat/internal/scheduler"
	"github.com/gaspardpetit/plexchat/internal/tokens"
)

var (
	DefaultChatModels  = []string{"gpt-35-turbo", "gpt-35-turbo-16k"}
	DefaultEmbedModels = []string{"text-embedding-ada-002"}
)

// ErrUnexpectedResult is returned when a worker delivers a payload of the
// wrong type for the request.
var ErrUnexpectedResult = errors.New("unexpected result type")

type Config struct {
	Manifests []config.EndpointManifest
	// Workers replaces the workers built from Manifests.
	Workers       []scheduler.WorkerRef
	Packing       string
	HTTPClient    *http.Client
	MaxRetry      int
	TaskTimeout   time.Duration
	SweepInterval time.Duration
	SortRules     []scheduler.SortRule
}

// Options tags one submission.
type Options struct {
	Models      []string
	AbortHandle string
	Metadata    map[string]any
}

type Client struct {
	manager *scheduler.Manager
}

func New(cfg Config) (*Client, error) {
	workers := cfg.Workers
	if workers == nil {
		pack, err := packingFor(cfg.Packing)
		if err != nil {
			return nil, err
		}
		built, err := BuildWorkers(cfg.Manifests, pack, cfg.HTTPClient)
		if err != nil {
			return nil, err
		}
		for _, w := range built {
			workers = append(workers, w)
		}
	}
	if len(workers) == 0 {
		return nil, errors.New("no workers configured")
	}
	m := scheduler.NewManager(scheduler.ManagerConfig{
		Workers:       workers,
		MaxRetry:      cfg.MaxRetry,
		TaskTimeout:   cfg.TaskTimeout,
		SweepInterval: cfg.SweepInterval,
		OnInitSortRules: func(defaults []scheduler.SortRule) []scheduler.SortRule {
			return append(defaults, cfg.SortRules...)
		},
	})
	return &Client{manager: m}, nil
}

func packingFor(name string) (packing.Func, error) {
	if name == "" {
		return nil, nil
	}
	return packing.ByName(name)
}

// Chat runs a single-shot chat completion. Unset sampling parameters get
// their defaults. Canceling ctx aborts only this request.
func (c *Client) Chat(ctx context.Context, input openai.ChatInput, opts Options) (*openai.ChatOutput, error) {
	input.Stream = false
	s := c.submitChat(ctx, input, opts)
	v, err := s.Wait(ctx)
	if err != nil {
		return nil, err
	}
	out, ok := v.(*openai.ChatOutput)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedResult, v)
	}
	return out, nil
}

// ChatStream runs a streamed chat completion. The stream yields one
// *openai.ChatChunk per upstream event.
func (c *Client) ChatStream(ctx context.Context, input openai.ChatInput, opts Options) *scheduler.Stream {
	input.Stream = true
	return c.submitChat(ctx, input, opts)
}

func (c *Client) submitChat(ctx context.Context, input openai.ChatInput, opts Options) *scheduler.Stream {
	in := input.WithDefaults()
	models := opts.Models
	if len(models) == 0 {
		models = DefaultChatModels
	}
	return c.submit(ctx, scheduler.Task{
		TokenDemand: tokens.Chat(&in),
		Models:      models,
		Input:       &in,
		AbortHandle: opts.AbortHandle,
		Metadata:    opts.Metadata,
	})
}

// Embed returns one embedding per input string.
func (c *Client) Embed(ctx context.Context, inputs []string, opts Options) ([]openai.Embedding, error) {
	models := opts.Models
	if len(models) == 0 {
		models = DefaultEmbedModels
	}
	s := c.submit(ctx, scheduler.Task{
		TokenDemand: tokens.Embed(inputs),
		Models:      models,
		Input:       &openai.EmbedInput{Input: inputs},
		AbortHandle: opts.AbortHandle,
		Metadata:    opts.Metadata,
	})
	v, err := s.Wait(ctx)
	if err != nil {
		return nil, err
	}
	out, ok := v.(*openai.EmbedOutput)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedResult, v)
	}
	return out.Data, nil
}

// submit queues task and aborts it when ctx ends first.
func (c *Client) submit(ctx context.Context, task scheduler.Task) *scheduler.Stream {
	task.ID = uuid.NewString()
	s := c.manager.Submit(task)
	go func() {
		select {
		case <-ctx.Done():
			id := task.ID
			c.manager.Abort(func(t *scheduler.Task) bool { return t.ID == id })
		case <-s.Done():
		}
	}()
	return s
}

// Abort cancels every request submitted with handle.
func (c *Client) Abort(handle string) { c.manager.AbortHandle(handle) }

// AbortAll cancels every request.
func (c *Client) AbortAll() { c.manager.AbortAll() }

func (c *Client) Status() scheduler.Status { return c.manager.Status() }

// Shutdown fails pending requests and cancels running ones.
func (c *Client) Shutdown() { c.manager.Shutdown() }
