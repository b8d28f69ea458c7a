package fhir

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/shibukawa/cqlexec/engine"
)

// DefaultPageSize is the _count sent with searches when none is configured.
const DefaultPageSize = 50

// DataProvider answers retrieves with FHIR searches.
type DataProvider struct {
	client          *Client
	pageSize        int
	expandValueSets bool
}

var _ engine.CodeFilteringProvider = (*DataProvider)(nil)

// NewDataProvider creates a data provider. With expandValueSets the value set of a retrieve is
// expanded by the terminology provider and sent as a code filter.
func NewDataProvider(client *Client, pageSize int, expandValueSets bool) *DataProvider {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	return &DataProvider{client: client, pageSize: pageSize, expandValueSets: expandValueSets}
}

// ExpandsValueSets implements engine.CodeFilteringProvider.
func (p *DataProvider) ExpandsValueSets() bool {
	return p.expandValueSets
}

// Retrieve implements engine.DataProvider.
func (p *DataProvider) Retrieve(ctx context.Context, req engine.RetrieveRequest) (engine.Cursor, error) {
	target := p.client.resolve(req.DataType, p.Query(req))

	p.client.logger.Debug("fhir search", zap.String("dataType", req.DataType), zap.String("url", target))

	return newBundleCursor(p.client, target), nil
}

// Query builds the search parameters of a retrieve.
func (p *DataProvider) Query(req engine.RetrieveRequest) url.Values {
	query := url.Values{}

	if req.ContextValue != "" && req.Context != "" && req.Context != "Unfiltered" {
		query.Set(contextParameter(req.Context, req.DataType), req.ContextValue)
	}

	if len(req.Codes) > 0 {
		tokens := make([]string, 0, len(req.Codes))
		for _, code := range req.Codes {
			if code.System != "" {
				tokens = append(tokens, code.System+"|"+code.Code)
			} else {
				tokens = append(tokens, code.Code)
			}
		}

		query.Set(codeParameter(req.DataType), strings.Join(tokens, ","))
	} else if req.ValueSet != "" {
		query.Set(codeParameter(req.DataType)+":in", req.ValueSet)
	}

	query.Set("_count", strconv.Itoa(p.pageSize))

	return query
}

// contextParameter is the search parameter linking a resource to the context subject
func contextParameter(contextType, dataType string) string {
	if contextType == dataType {
		return "_id"
	}

	return strings.ToLower(contextType)
}

// codeParameters lists resources whose code search parameter is not "code"
var codeParameters = map[string]string{
	"Immunization": "vaccine-code",
}

func codeParameter(dataType string) string {
	if p, ok := codeParameters[dataType]; ok {
		return p
	}

	return "code"
}

// BundleCursor streams the entries of a search result, following next links page by page.
type BundleCursor struct {
	client  *Client
	next    string
	entries []any
	closed  bool
}

var _ engine.Cursor = (*BundleCursor)(nil)

func newBundleCursor(client *Client, first string) *BundleCursor {
	return &BundleCursor{client: client, next: first}
}

// Next implements engine.Cursor. The first page is requested lazily.
func (c *BundleCursor) Next(ctx context.Context) (engine.Resource, error) {
	for {
		if c.closed {
			return nil, io.EOF
		}

		if len(c.entries) > 0 {
			entry := c.entries[0]
			c.entries = c.entries[1:]

			resource, ok := entryResource(entry)
			if !ok {
				continue
			}

			return resource, nil
		}

		if c.next == "" {
			return nil, io.EOF
		}

		if err := c.fetch(ctx); err != nil {
			return nil, err
		}
	}
}

func (c *BundleCursor) fetch(ctx context.Context) error {
	target := c.next
	c.next = ""

	bundle, err := c.client.Get(ctx, target)
	if err != nil {
		return err
	}

	if rt, _ := bundle["resourceType"].(string); rt != "Bundle" {
		return fmt.Errorf("%w: expected a Bundle from %s, got %q", ErrInvalidResponse, target, rt)
	}

	c.entries, _ = bundle["entry"].([]any)
	c.next = nextLink(bundle)

	return nil
}

// Close implements engine.Cursor.
func (c *BundleCursor) Close() error {
	c.closed = true
	c.entries = nil

	return nil
}

func entryResource(entry any) (engine.Resource, bool) {
	e, ok := entry.(map[string]any)
	if !ok {
		return nil, false
	}

	resource, ok := e["resource"].(map[string]any)

	return resource, ok
}

func nextLink(bundle map[string]any) string {
	links, _ := bundle["link"].([]any)
	for _, l := range links {
		link, ok := l.(map[string]any)
		if !ok {
			continue
		}

		if relation, _ := link["relation"].(string); relation == "next" {
			href, _ := link["url"].(string)
			return href
		}
	}

	return ""
}
