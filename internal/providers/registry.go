// Package providers registers extractors and transformers per
// (provider, step) pair and defines each provider's ordered step list.
package providers

import (
	"fmt"
	"sync"

	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// Provider names.
const (
	ProviderJira   = "jira"
	ProviderGitHub = "github"
)

// JiraSteps is the ordered step list for a Jira job.
var JiraSteps = []models.StepDef{
	{Name: "statuses", DisplayName: "Statuses"},
	{Name: "projects", DisplayName: "Projects"},
	{Name: "hierarchies", DisplayName: "Hierarchies"},
	{Name: "issues_with_changelogs", DisplayName: "Issues & Changelogs"},
	{Name: "sprint_reports", DisplayName: "Sprint Reports"},
}

// GitHubSteps is the ordered step list for a GitHub job.
var GitHubSteps = []models.StepDef{
	{Name: "repositories", DisplayName: "Repositories"},
	{Name: "pull_requests", DisplayName: "Pull Requests"},
}

// Steps returns the ordered step list for a provider.
func Steps(provider string) ([]models.StepDef, error) {
	switch provider {
	case ProviderJira:
		return JiraSteps, nil
	case ProviderGitHub:
		return GitHubSteps, nil
	}
	return nil, fmt.Errorf("unknown provider %q", provider)
}

// Registry maps (provider, step) pairs to their extractor and transformer.
type Registry struct {
	mu           sync.RWMutex
	extractors   map[string]interfaces.Extractor
	transformers map[string]interfaces.Transformer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		extractors:   make(map[string]interfaces.Extractor),
		transformers: make(map[string]interfaces.Transformer),
	}
}

func registryKey(provider, step string) string {
	return provider + "/" + step
}

// RegisterExtractor adds an extractor under its (provider, step) key.
func (r *Registry) RegisterExtractor(e interfaces.Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[registryKey(e.Provider(), e.Step())] = e
}

// RegisterTransformer adds a transformer under its (provider, step) key.
func (r *Registry) RegisterTransformer(t interfaces.Transformer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transformers[registryKey(t.Provider(), t.Step())] = t
}

// Extractor resolves the extractor for a (provider, step) pair.
func (r *Registry) Extractor(provider, step string) (interfaces.Extractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.extractors[registryKey(provider, step)]
	if !ok {
		return nil, fmt.Errorf("no extractor registered for %s/%s", provider, step)
	}
	return e, nil
}

// Transformer resolves the transformer for a (provider, step) pair.
func (r *Registry) Transformer(provider, step string) (interfaces.Transformer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transformers[registryKey(provider, step)]
	if !ok {
		return nil, fmt.Errorf("no transformer registered for %s/%s", provider, step)
	}
	return t, nil
}
