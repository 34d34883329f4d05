package plexchat

import (
	"fmt"
	"maps"
	"net/http"
	"net/url"

	"github.com/gaspardpetit/plexchat/core/logx"
	"github.com/gaspardpetit/plexchat/internal/config"
	"github.com/gaspardpetit/plexchat/internal/openai"
	"github.com/gaspardpetit/plexchat/internal/packing"
	"github.com/gaspardpetit/plexchat/internal/scheduler"
)

// BuildWorkers creates one worker per model deployment of every manifest.
func BuildWorkers(manifests []config.EndpointManifest, pack packing.Func, httpClient *http.Client) ([]*scheduler.Worker, error) {
	var workers []*scheduler.Worker
	for i := range manifests {
		e := &manifests[i]
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("manifest %d: %w", i, err)
		}
		name := e.Name
		if name == "" {
			if u, err := url.Parse(e.Endpoint); err == nil {
				name = u.Host
			}
		}
		for _, m := range e.Models {
			target, err := e.URL(m)
			if err != nil {
				return nil, fmt.Errorf("manifest %d model %s: %w", i, m.ModelName, err)
			}
			client := openai.NewClient(target, e.APIKey)
			if httpClient != nil {
				client.HTTP = httpClient
			}
			meta := maps.Clone(e.Metadata)
			if meta == nil {
				meta = map[string]any{}
			}
			meta["endpoint"] = name
			meta["deployment"] = m.DeploymentName
			base, perToken := m.Timeouts()
			w, err := scheduler.NewWorker(scheduler.WorkerConfig{
				Name:              name + "/" + m.DeploymentName,
				Models:            []string{m.ModelName},
				Concurrency:       m.WorkerConcurrency(),
				ContextWindow:     m.ContextWindow,
				RequestsPerMinute: m.RPM,
				TokensPerMinute:   m.TPM,
				Timeout:           scheduler.LinearTimeout(base, perToken),
				Proxy:             client.Do,
				Packing:           pack,
				Metadata:          meta,
			})
			if err != nil {
				return nil, err
			}
			logx.Log.Info().Str("worker", w.Name()).Str("model", m.ModelName).Str("upstream", client.String()).
				Float64("rpm", m.RPM).Float64("tpm", m.TPM).Msg("worker configured")
			workers = append(workers, w)
		}
	}
	return workers, nil
}
