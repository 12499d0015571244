// Package router maps requested model aliases to a (provider, backendModel)
// pair using a configured routing table with a default fallback.
package router

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/modelbridge/modelbridge/internal/apierror"
)

// Provider names a configured backend.
const (
	ProviderAzure   = "azure"
	ProviderBedrock = "bedrock"
)

// Route binds model aliases to a backend model on one provider.
type Route struct {
	Provider     string   `yaml:"provider"`
	BackendModel string   `yaml:"backend-model"`
	Aliases      []string `yaml:"aliases"`
}

// Decision is the result of routing one request.
type Decision struct {
	Provider       string
	RequestedModel string
	BackendModel   string
}

// Table resolves model names. It is safe for concurrent use and supports
// atomic replacement on config reload.
type Table struct {
	mu              sync.RWMutex
	routes          []Route
	defaultProvider string
	defaultModel    string
	configured      map[string]bool
}

// NewTable builds a routing table. configuredProviders lists the providers
// whose backend credentials are present; routing to any other provider fails.
func NewTable(routes []Route, defaultProvider, defaultModel string, configuredProviders []string) *Table {
	t := &Table{configured: make(map[string]bool)}
	t.Replace(routes, defaultProvider, defaultModel, configuredProviders)
	return t
}

// Replace swaps the routing table contents. Used by the config watcher.
func (t *Table) Replace(routes []Route, defaultProvider, defaultModel string, configuredProviders []string) {
	configured := make(map[string]bool, len(configuredProviders))
	for _, p := range configuredProviders {
		configured[p] = true
	}
	t.mu.Lock()
	t.routes = routes
	t.defaultProvider = defaultProvider
	t.defaultModel = defaultModel
	t.configured = configured
	t.mu.Unlock()
	log.Debugf("router: table replaced, %d routes, default %s/%s", len(routes), defaultProvider, defaultModel)
}

// Resolve maps requestedModel to a routing decision. The first route whose
// aliases or backend model contains the name (case-sensitive, exact) wins;
// no match falls back to the default pair with the requested name preserved
// for echo-back. Routing to an unconfigured provider is a validation failure.
func (t *Table) Resolve(requestedModel string) (Decision, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	d := Decision{
		Provider:       t.defaultProvider,
		RequestedModel: requestedModel,
		BackendModel:   t.defaultModel,
	}
	for _, r := range t.routes {
		if matches(r, requestedModel) {
			d.Provider = r.Provider
			d.BackendModel = r.BackendModel
			break
		}
	}
	if !t.configured[d.Provider] {
		return Decision{}, apierror.Validation("model", fmt.Sprintf("provider not configured for model %q", requestedModel))
	}
	return d, nil
}

// Aliases returns every routable model name, for the models listing endpoint.
func (t *Table) Aliases() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for _, r := range t.routes {
		for _, a := range r.Aliases {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
		if r.BackendModel != "" && !seen[r.BackendModel] {
			seen[r.BackendModel] = true
			out = append(out, r.BackendModel)
		}
	}
	if t.defaultModel != "" && !seen[t.defaultModel] {
		out = append(out, t.defaultModel)
	}
	return out
}

func matches(r Route, model string) bool {
	if r.BackendModel == model {
		return true
	}
	for _, a := range r.Aliases {
		if a == model {
			return true
		}
	}
	return false
}
