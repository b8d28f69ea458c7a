package fhir

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/shibukawa/cqlexec/engine"
)

// TerminologyProvider expands value sets with the ValueSet/$expand operation.
// Expansions are cached for the lifetime of the provider.
type TerminologyProvider struct {
	client *Client

	mu    sync.Mutex
	cache map[string][]engine.Code
}

var _ engine.TerminologyProvider = (*TerminologyProvider)(nil)

// NewTerminologyProvider creates a terminology provider.
func NewTerminologyProvider(client *Client) *TerminologyProvider {
	return &TerminologyProvider{client: client, cache: make(map[string][]engine.Code)}
}

// Expand implements engine.TerminologyProvider.
func (p *TerminologyProvider) Expand(ctx context.Context, valueSetURL string) ([]engine.Code, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if codes, ok := p.cache[valueSetURL]; ok {
		return codes, nil
	}

	resource, err := p.client.Get(ctx, p.client.resolve("ValueSet/$expand", url.Values{"url": {valueSetURL}}))
	if err != nil {
		return nil, err
	}

	if rt, _ := resource["resourceType"].(string); rt != "ValueSet" {
		return nil, fmt.Errorf("%w: expected a ValueSet expansion of %s, got %q", ErrInvalidResponse, valueSetURL, rt)
	}

	expansion, _ := resource["expansion"].(map[string]any)
	contains, _ := expansion["contains"].([]any)

	codes := flatten(contains, nil)
	p.cache[valueSetURL] = codes

	return codes, nil
}

// flatten collects the codes of nested expansion contains
func flatten(contains []any, codes []engine.Code) []engine.Code {
	for _, c := range contains {
		entry, ok := c.(map[string]any)
		if !ok {
			continue
		}

		if code, _ := entry["code"].(string); code != "" {
			system, _ := entry["system"].(string)
			version, _ := entry["version"].(string)
			display, _ := entry["display"].(string)
			codes = append(codes, engine.Code{Code: code, System: system, Version: version, Display: display})
		}

		if nested, ok := entry["contains"].([]any); ok {
			codes = flatten(nested, codes)
		}
	}

	return codes
}
