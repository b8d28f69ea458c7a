package fhir

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/shibukawa/cqlexec/engine"
)

func writeJSON(t *testing.T, w http.ResponseWriter, status int, body any) {
	t.Helper()

	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(status)
	assert.NoError(t, json.NewEncoder(w).Encode(body))
}

func newClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL + "/baseDstu3/")
	assert.NoError(t, err)

	return client
}

func bundle(next string, ids ...string) map[string]any {
	entries := make([]any, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, map[string]any{
			"resource": map[string]any{"resourceType": "Condition", "id": id},
		})
	}

	b := map[string]any{"resourceType": "Bundle", "entry": entries}
	if next != "" {
		b["link"] = []any{
			map[string]any{"relation": "self", "url": "ignored"},
			map[string]any{"relation": "next", "url": next},
		}
	}

	return b
}

func TestDataProvider_RetrievePages(t *testing.T) {
	var (
		queries []url.Values
		server  *httptest.Server
	)

	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.Query())

		switch r.URL.Path {
		case "/baseDstu3/Condition":
			writeJSON(t, w, http.StatusOK, bundle(server.URL+"/baseDstu3/page2", "c1", "c2"))
		case "/baseDstu3/page2":
			writeJSON(t, w, http.StatusOK, bundle("", "c3"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL + "/baseDstu3")
	assert.NoError(t, err)

	provider := NewDataProvider(client, 2, true)
	assert.True(t, provider.ExpandsValueSets())

	cursor, err := provider.Retrieve(context.Background(), engine.RetrieveRequest{
		DataType:     "Condition",
		Context:      "Patient",
		ContextValue: "example",
		ValueSet:     "urn:oid:1.2",
		Codes: []engine.Code{
			{Code: "1", System: "http://loinc.org"},
			{Code: "2", System: "http://loinc.org"},
		},
	})
	assert.NoError(t, err)
	assert.Equal(t, 0, len(queries), "first page is requested lazily")

	resources, err := engine.NewRetrieve("Condition", cursor).Drain(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 3, len(resources))
	assert.Equal(t, "c3", resources[2]["id"])

	assert.Equal(t, 2, len(queries))
	assert.Equal(t, "example", queries[0].Get("patient"))
	assert.Equal(t, "2", queries[0].Get("_count"))
	assert.Equal(t, "http://loinc.org|1,http://loinc.org|2", queries[0].Get("code"))
}

func TestDataProvider_Query(t *testing.T) {
	client, err := NewClient("http://fhirtest.uhn.ca/baseDstu3")
	assert.NoError(t, err)

	provider := NewDataProvider(client, 0, false)
	assert.False(t, provider.ExpandsValueSets())

	tests := []struct {
		name     string
		req      engine.RetrieveRequest
		expected url.Values
	}{
		{
			name:     "patient itself",
			req:      engine.RetrieveRequest{DataType: "Patient", Context: "Patient", ContextValue: "p1"},
			expected: url.Values{"_id": {"p1"}, "_count": {"50"}},
		},
		{
			name:     "unfiltered",
			req:      engine.RetrieveRequest{DataType: "Observation", Context: "Unfiltered", ContextValue: "p1"},
			expected: url.Values{"_count": {"50"}},
		},
		{
			name:     "value set",
			req:      engine.RetrieveRequest{DataType: "Immunization", Context: "Patient", ContextValue: "p1", ValueSet: "urn:oid:9"},
			expected: url.Values{"patient": {"p1"}, "vaccine-code:in": {"urn:oid:9"}, "_count": {"50"}},
		},
		{
			name: "code without system",
			req: engine.RetrieveRequest{DataType: "Condition", Context: "Patient", ContextValue: "p1",
				Codes: []engine.Code{{Code: "x"}}},
			expected: url.Values{"patient": {"p1"}, "code": {"x"}, "_count": {"50"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, provider.Query(tt.req))
		})
	}
}

func TestClient_ErrorStatus(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusNotFound, map[string]any{
			"resourceType": "OperationOutcome",
			"issue":        []any{map[string]any{"diagnostics": "Unknown resource type"}},
		})
	})

	cursor, err := NewDataProvider(client, 10, false).Retrieve(context.Background(), engine.RetrieveRequest{DataType: "Nope"})
	assert.NoError(t, err)

	_, err = cursor.Next(context.Background())
	assert.IsError(t, err, ErrHTTPStatus)
	assert.Contains(t, err.Error(), "Unknown resource type")
}

func TestClient_NotABundle(t *testing.T) {
	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"resourceType": "Patient"})
	})

	cursor, err := NewDataProvider(client, 10, false).Retrieve(context.Background(), engine.RetrieveRequest{DataType: "Patient"})
	assert.NoError(t, err)

	_, err = cursor.Next(context.Background())
	assert.IsError(t, err, ErrInvalidResponse)
}

func TestNewClient_InvalidBase(t *testing.T) {
	_, err := NewClient("ftp://example.com")
	assert.IsError(t, err, ErrInvalidBaseURL)
}

func TestTerminologyProvider_Expand(t *testing.T) {
	var hits atomic.Int32

	client := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/baseDstu3/ValueSet/$expand", r.URL.Path)
		assert.Equal(t, "urn:oid:1.2", r.URL.Query().Get("url"))

		writeJSON(t, w, http.StatusOK, map[string]any{
			"resourceType": "ValueSet",
			"expansion": map[string]any{
				"contains": []any{
					map[string]any{"system": "http://snomed.info/sct", "code": "1", "display": "One"},
					map[string]any{
						"abstract": true,
						"contains": []any{
							map[string]any{"system": "http://snomed.info/sct", "code": "2"},
						},
					},
				},
			},
		})
	})

	provider := NewTerminologyProvider(client)

	for range 2 {
		codes, err := provider.Expand(context.Background(), "urn:oid:1.2")
		assert.NoError(t, err)
		assert.Equal(t, []engine.Code{
			{Code: "1", System: "http://snomed.info/sct", Display: "One"},
			{Code: "2", System: "http://snomed.info/sct"},
		}, codes)
	}

	assert.Equal(t, int32(1), hits.Load())
}
