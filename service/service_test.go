package service

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/shibukawa/cqlexec"
	"github.com/shibukawa/cqlexec/elm"
	"github.com/shibukawa/cqlexec/report"
	"github.com/shibukawa/cqlexec/testhelper"
)

const bundle = `{
  "resourceType": "Bundle",
  "entry": [
    {"resource": {"resourceType": "Patient", "id": "p1"}},
    {"resource": {"resourceType": "Condition", "id": "c1", "subject": {"reference": "Patient/p1"},
      "code": {"coding": [{"system": "http://snomed.info/sct", "code": "44054006"}]}}},
    {"resource": {"resourceType": "Condition", "id": "c2", "subject": {"reference": "Patient/p1"},
      "code": {"coding": [{"system": "http://snomed.info/sct", "code": "38341003"}]}}},
    {"resource": {"resourceType": "Condition", "id": "c3", "subject": {"reference": "Patient/p2"},
      "code": {"coding": [{"system": "http://snomed.info/sct", "code": "44054006"}]}}},
    {"resource": {"resourceType": "ValueSet", "id": "diabetes", "url": "urn:oid:1.2.3",
      "expansion": {"contains": [{"system": "http://snomed.info/sct", "code": "44054006"}]}}}
  ]
}`

const library = `library Test
using FHIR version '3.0.0'

valueset "Diabetes": 'urn:oid:1.2.3'
parameter "Threshold" Integer default 5

context Patient

define "Conditions": [Condition]
define "Diabetic": [Condition: "Diabetes"]
define "Doubled": "Threshold" * 2
define "Ratio": 10 / 4
`

func sqlConfig() *cqlexec.Config {
	config := cqlexec.DefaultConfig()
	config.Databases["local"] = cqlexec.Database{Driver: "sqlite"}
	config.Terminology = cqlexec.ProviderConfig{Type: "sql", Database: "local"}
	config.DataProviders[cqlexec.FHIRModelURI] = cqlexec.DataProviderConfig{
		ProviderConfig: cqlexec.ProviderConfig{Type: "sql", Database: "local"},
	}

	return config
}

func newSQLService(t *testing.T) *Service {
	t.Helper()

	s := New(sqlConfig(), WithStore("local", testhelper.OpenStore(t, []byte(bundle))))
	assert.NoError(t, s.Open(context.Background()))

	return s
}

func resultOf(t *testing.T, r report.Report, name string) report.Entry {
	t.Helper()

	for _, entry := range r {
		if entry.Name == name {
			return entry
		}
	}

	t.Fatalf("no entry for %s in %v", name, r)

	return report.Entry{}
}

func TestService_EvaluateSQL(t *testing.T) {
	s := newSQLService(t)

	r, err := s.Evaluate(context.Background(), Request{
		Code:       library,
		PatientID:  "p1",
		Parameters: map[string]any{"Threshold": int64(7)},
	})
	assert.NoError(t, err)
	assert.Equal(t, 4, len(r))

	conditions := resultOf(t, r, "Conditions")
	assert.Equal(t, "[9:1]", conditions.Location)
	assert.Equal(t, report.Retrieve, conditions.ResultType)
	assert.Contains(t, *conditions.Result, `"id": "c1"`)
	assert.Contains(t, *conditions.Result, `"id": "c2"`)
	assert.NotContains(t, *conditions.Result, `"id": "c3"`)

	diabetic := resultOf(t, r, "Diabetic")
	assert.Equal(t, report.Retrieve, diabetic.ResultType)
	assert.Contains(t, *diabetic.Result, `"id": "c1"`)
	assert.NotContains(t, *diabetic.Result, `"id": "c2"`)

	doubled := resultOf(t, r, "Doubled")
	assert.Equal(t, "14", *doubled.Result)
	assert.Equal(t, report.ResultType("Integer"), doubled.ResultType)

	ratio := resultOf(t, r, "Ratio")
	assert.Equal(t, report.Decimal, ratio.ResultType)
	assert.Equal(t, "2.5", *ratio.Result)
}

func TestService_DefaultPatient(t *testing.T) {
	s := newSQLService(t)
	s.config.Evaluation.DefaultPatient = "p2"

	r, err := s.Evaluate(context.Background(), Request{Code: library})
	assert.NoError(t, err)

	conditions := resultOf(t, r, "Conditions")
	assert.Contains(t, *conditions.Result, `"id": "c3"`)
	assert.NotContains(t, *conditions.Result, `"id": "c1"`)
}

func TestService_TranslationFailure(t *testing.T) {
	s := New(nil)

	r, err := s.Evaluate(context.Background(), Request{Code: "library Broken\ndefine \"X\": (1 +"})
	assert.NoError(t, err)
	assert.Equal(t, 1, len(r))
	assert.True(t, r.IsTranslationFailure())
	assert.NotZero(t, r[0].TranslationError)
}

func TestService_InvalidRequests(t *testing.T) {
	s := newSQLService(t)
	ctx := context.Background()

	_, err := s.Evaluate(ctx, Request{Code: "  "})
	assert.IsError(t, err, ErrEmptyCode)

	_, err = s.Evaluate(ctx, Request{Code: library, Parameters: map[string]any{"Unknown": 1}})
	assert.IsError(t, err, ErrInvalidRequest)
}

func TestService_UnknownDatabase(t *testing.T) {
	s := New(sqlConfig())

	_, err := s.Evaluate(context.Background(), Request{Code: library})
	assert.IsError(t, err, cqlexec.ErrUnknownDatabase)
}

func TestService_DataURLOverride(t *testing.T) {
	var patients []string

	fhirServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		patients = append(patients, r.URL.Query().Get("patient"))

		w.Header().Set("Content-Type", "application/fhir+json")
		_, _ = w.Write([]byte(`{"resourceType": "Bundle", "entry": [
			{"resource": {"resourceType": "Condition", "id": "remote"}}]}`))
	}))
	defer fhirServer.Close()

	config := cqlexec.DefaultConfig()
	config.Terminology.Type = "none"

	s := New(config, WithClock(func() time.Time { return time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC) }))

	r, err := s.Evaluate(context.Background(), Request{
		Code: `library Remote
using FHIR version '3.0.0'
context Patient
define "Conditions": [Condition]
`,
		DataURL:   fhirServer.URL + "/baseDstu3",
		PatientID: "p7",
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, len(r))
	assert.Contains(t, *r[0].Result, `"id": "remote"`)
	assert.Equal(t, []string{"p7"}, patients)
}

func TestService_DumpXML(t *testing.T) {
	s := newSQLService(t)
	s.config.Translation.DumpXML = filepath.Join(t.TempDir(), "response.xml")

	var wg sync.WaitGroup

	for range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := s.Evaluate(context.Background(), Request{Code: library, PatientID: "p1"})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	data, err := os.ReadFile(s.config.Translation.DumpXML)
	assert.NoError(t, err)

	id, err := elm.ReadIdentifier(bytes.NewReader(data))
	assert.NoError(t, err)
	assert.Equal(t, "Test", id.ID)
}
