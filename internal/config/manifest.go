package config

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

const (
	DefaultAPIVersion        = "2024-02-01"
	DefaultConcurrency       = 10
	DefaultMinTimeoutMs      = 5000
	DefaultTimeoutMsPerToken = 25
)

// EndpointManifest describes one upstream resource and the model
// deployments it serves. Every model becomes one worker.
type EndpointManifest struct {
	Name       string          `yaml:"name"`
	Endpoint   string          `yaml:"endpoint"`
	APIKey     string          `yaml:"api_key"`
	APIVersion string          `yaml:"api_version"`
	Models     []ModelManifest `yaml:"models"`
	Metadata   map[string]any  `yaml:"metadata"`
}

type ModelManifest struct {
	ModelName         string  `yaml:"model_name"`
	DeploymentName    string  `yaml:"deployment_name"`
	ContextWindow     float64 `yaml:"context_window"`
	RPM               float64 `yaml:"rpm"`
	TPM               float64 `yaml:"tpm"`
	APIVersion        string  `yaml:"api_version"`
	Concurrency       int     `yaml:"concurrency"`
	MinTimeoutMs      int     `yaml:"min_timeout_ms"`
	TimeoutMsPerToken float64 `yaml:"timeout_ms_per_token"`
}

func (e *EndpointManifest) Validate() error {
	if e.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	u, err := url.Parse(e.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid endpoint %q", e.Endpoint)
	}
	if len(e.Models) == 0 {
		return errors.New("at least one model is required")
	}
	for _, m := range e.Models {
		if m.ModelName == "" || m.DeploymentName == "" {
			return errors.New("model_name and deployment_name are required")
		}
		if m.RPM <= 0 || m.TPM <= 0 {
			return fmt.Errorf("model %s: rpm and tpm must be positive", m.ModelName)
		}
	}
	return nil
}

// IsEmbeddingModel reports whether model is served by the embeddings route.
func IsEmbeddingModel(model string) bool {
	return strings.HasPrefix(model, "text-embedding-")
}

// URL returns the deployment URL for m, replacing any path on the endpoint.
func (e *EndpointManifest) URL(m ModelManifest) (string, error) {
	u, err := url.Parse(e.Endpoint)
	if err != nil {
		return "", err
	}
	route := "chat/completions"
	if IsEmbeddingModel(m.ModelName) {
		route = "embeddings"
	}
	u.Path = path.Join("/openai/deployments", m.DeploymentName, route)
	u.RawPath = ""
	q := u.Query()
	q.Set("api-version", e.apiVersion(m))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (e *EndpointManifest) apiVersion(m ModelManifest) string {
	switch {
	case m.APIVersion != "":
		return m.APIVersion
	case e.APIVersion != "":
		return e.APIVersion
	default:
		return DefaultAPIVersion
	}
}

func (m ModelManifest) WorkerConcurrency() int {
	if m.Concurrency > 0 {
		return m.Concurrency
	}
	return DefaultConcurrency
}

// Timeouts returns the fixed and per-token parts of an attempt deadline.
func (m ModelManifest) Timeouts() (base, perToken time.Duration) {
	minMs := m.MinTimeoutMs
	if minMs <= 0 {
		minMs = DefaultMinTimeoutMs
	}
	perTokenMs := m.TimeoutMsPerToken
	if perTokenMs <= 0 {
		perTokenMs = DefaultTimeoutMsPerToken
	}
	return time.Duration(minMs) * time.Millisecond, time.Duration(perTokenMs * float64(time.Millisecond))
}
