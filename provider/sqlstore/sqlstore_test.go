package sqlstore

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alecthomas/assert/v2"

	"github.com/shibukawa/cqlexec/engine"
)

const sampleBundle = `{
  "resourceType": "Bundle",
  "type": "collection",
  "entry": [
    {"resource": {"resourceType": "Patient", "id": "p1", "birthDate": "1980-04-02"}},
    {"resource": {"resourceType": "Patient", "id": "p2"}},
    {"resource": {"resourceType": "Condition", "id": "c1", "subject": {"reference": "Patient/p1"},
      "code": {"coding": [{"system": "http://snomed.info/sct", "code": "44054006"}]}}},
    {"resource": {"resourceType": "Condition", "id": "c2", "subject": {"reference": "Patient/p1"},
      "code": {"coding": [{"system": "http://snomed.info/sct", "code": "38341003"}]}}},
    {"resource": {"resourceType": "Condition", "id": "c3", "subject": {"reference": "Patient/p2"},
      "code": {"coding": [{"system": "http://snomed.info/sct", "code": "44054006"}]}}},
    {"resource": {"resourceType": "ValueSet", "id": "diabetes", "url": "urn:oid:2.16.840.1.113883.3.464.1003.103.12.1001",
      "expansion": {"contains": [
        {"system": "http://snomed.info/sct", "code": "44054006", "display": "Diabetes mellitus type 2"},
        {"contains": [{"system": "http://snomed.info/sct", "code": "46635009", "display": "Diabetes mellitus type 1"}]}
      ]}}}
  ]
}`

const diabetes = "urn:oid:2.16.840.1.113883.3.464.1003.103.12.1001"

func TestParseDatabaseURL(t *testing.T) {
	tests := []struct {
		url      string
		expected Dialect
		err      error
	}{
		{"postgres://u:p@localhost:5432/db", PostgreSQL, nil},
		{"postgresql://localhost/db", PostgreSQL, nil},
		{"mysql://u:p@localhost:3306/db", MySQL, nil},
		{"sqlite:///tmp/test.db", SQLite, nil},
		{"sqlite3://data.db", SQLite, nil},
		{"oracle://localhost/db", "", ErrUnsupportedDatabase},
		{"", "", ErrEmptyDatabaseURL},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			dialect, err := ParseDatabaseURL(tt.url)
			if tt.err != nil {
				assert.IsError(t, err, tt.err)
				return
			}

			assert.NoError(t, err)
			assert.Equal(t, tt.expected, dialect)
		})
	}
}

func TestDriverString(t *testing.T) {
	tests := []struct {
		url      string
		dialect  Dialect
		expected string
	}{
		{"postgres://u:p@localhost:5432/db", PostgreSQL, "postgres://u:p@localhost:5432/db?sslmode=disable"},
		{"postgresql://u@localhost/db?sslmode=require", PostgreSQL, "postgres://u@localhost/db?sslmode=require"},
		{"mysql://u:p@localhost:3306/db", MySQL, "u:p@tcp(localhost:3306)/db"},
		{"mysql://localhost:3306/db?charset=utf8mb4", MySQL, "tcp(localhost:3306)/db?charset=utf8mb4"},
		{"sqlite:///tmp/test.db", SQLite, "/tmp/test.db"},
		{"sqlite://data.db", SQLite, "data.db"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			dsn, err := DriverString(tt.url, tt.dialect)
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, dsn)
		})
	}

	_, err := DriverString("postgres:///db", PostgreSQL)
	assert.IsError(t, err, ErrInvalidDatabaseURL)
}

func TestDialect_Placeholder(t *testing.T) {
	assert.Equal(t, "$3", PostgreSQL.Placeholder(3))
	assert.Equal(t, "?", MySQL.Placeholder(3))
	assert.Equal(t, "pgx", PostgreSQL.DriverName())
	assert.Equal(t, "sqlite3", SQLite.DriverName())
}

func TestDataProvider_Query(t *testing.T) {
	tests := []struct {
		name     string
		dialect  Dialect
		req      engine.RetrieveRequest
		expected string
		args     []any
	}{
		{
			name:     "unfiltered",
			dialect:  SQLite,
			req:      engine.RetrieveRequest{DataType: "Condition", Context: "Unfiltered", ContextValue: "p1"},
			expected: "SELECT r.body FROM resources r WHERE r.resource_type = ? ORDER BY r.id",
			args:     []any{"Condition"},
		},
		{
			name:     "patient itself",
			dialect:  PostgreSQL,
			req:      engine.RetrieveRequest{DataType: "Patient", Context: "Patient", ContextValue: "p1"},
			expected: "SELECT r.body FROM resources r WHERE r.resource_type = $1 AND r.id = $2 ORDER BY r.id",
			args:     []any{"Patient", "p1"},
		},
		{
			name:    "value set",
			dialect: PostgreSQL,
			req:     engine.RetrieveRequest{DataType: "Condition", Context: "Patient", ContextValue: "p1", ValueSet: diabetes},
			expected: "SELECT r.body FROM resources r WHERE r.resource_type = $1 AND r.patient_id = $2" +
				" AND EXISTS (SELECT 1 FROM resource_codes c JOIN valueset_codes v ON v.code_system = c.code_system AND v.code = c.code" +
				" WHERE c.resource_type = r.resource_type AND c.resource_id = r.id AND v.valueset_url = $3) ORDER BY r.id",
			args: []any{"Condition", "p1", diabetes},
		},
		{
			name:    "codes",
			dialect: MySQL,
			req: engine.RetrieveRequest{DataType: "Condition", ValueSet: diabetes, Codes: []engine.Code{
				{System: "http://snomed.info/sct", Code: "44054006"},
				{Code: "E11"},
			}},
			expected: "SELECT r.body FROM resources r WHERE r.resource_type = ?" +
				" AND EXISTS (SELECT 1 FROM resource_codes c WHERE c.resource_type = r.resource_type AND c.resource_id = r.id" +
				" AND ((c.code_system = ? AND c.code = ?) OR c.code = ?)) ORDER BY r.id",
			args: []any{"Condition", "http://snomed.info/sct", "44054006", "E11"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args, err := NewDataProvider(NewStore(nil, tt.dialect), false).Query(tt.req)
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, query)
			assert.Equal(t, tt.args, args)
		})
	}

	_, _, err := NewDataProvider(NewStore(nil, SQLite), false).Query(engine.RetrieveRequest{
		DataType: "Encounter", Context: "Practitioner", ContextValue: "d1",
	})
	assert.IsError(t, err, ErrUnsupportedContext)
}

func TestDataProvider_Retrieve(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT r.body FROM resources r WHERE r.resource_type = $1 AND r.patient_id = $2 ORDER BY r.id")).
		WithArgs("Condition", "p1").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).
			AddRow(`{"resourceType":"Condition","id":"c1"}`).
			AddRow(`{"resourceType":"Condition","id":"c2"}`))

	provider := NewDataProvider(NewStore(db, PostgreSQL), true)
	assert.True(t, provider.ExpandsValueSets())

	cursor, err := provider.Retrieve(context.Background(), engine.RetrieveRequest{
		DataType: "Condition", Context: "Patient", ContextValue: "p1",
	})
	assert.NoError(t, err)

	resources, err := engine.NewRetrieve("Condition", cursor).Drain(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 2, len(resources))
	assert.Equal(t, "c2", resources[1]["id"])

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRowsCursor_InvalidBody(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	defer db.Close()

	mock.ExpectQuery("SELECT body").WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow("not json"))

	rows, err := db.QueryContext(context.Background(), "SELECT body FROM resources")
	assert.NoError(t, err)

	cursor := NewRowsCursor(rows)
	defer cursor.Close()

	_, err = cursor.Next(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode resource")
}

func TestTerminology_Expand(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	defer db.Close()

	query := regexp.QuoteMeta("SELECT code_system, code, display FROM valueset_codes WHERE valueset_url = ? ORDER BY code_system, code")

	mock.ExpectQuery(query).
		WithArgs(diabetes).
		WillReturnRows(sqlmock.NewRows([]string{"code_system", "code", "display"}).
			AddRow("http://snomed.info/sct", "44054006", "Diabetes mellitus type 2").
			AddRow("http://snomed.info/sct", "46635009", nil))
	mock.ExpectQuery(query).
		WithArgs("urn:missing").
		WillReturnRows(sqlmock.NewRows([]string{"code_system", "code", "display"}))

	terminology := NewTerminology(NewStore(db, SQLite))

	codes, err := terminology.Expand(context.Background(), diabetes)
	assert.NoError(t, err)
	assert.Equal(t, []engine.Code{
		{System: "http://snomed.info/sct", Code: "44054006", Display: "Diabetes mellitus type 2"},
		{System: "http://snomed.info/sct", Code: "46635009"},
	}, codes)

	_, err = terminology.Expand(context.Background(), "urn:missing")
	assert.IsError(t, err, ErrValueSetNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ImportBundle_Rollback(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)

	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err = NewStore(db, SQLite).ImportBundle(context.Background(),
		strings.NewReader(`{"resourceType":"Bundle","entry":[{"resource":{"resourceType":"Patient"}}]}`))
	assert.IsError(t, err, ErrInvalidBundle)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ImportBundle_Invalid(t *testing.T) {
	store := NewStore(nil, SQLite)

	_, err := store.ImportBundle(context.Background(), strings.NewReader("{"))
	assert.IsError(t, err, ErrInvalidBundle)

	_, err = store.ImportBundle(context.Background(), strings.NewReader(`{"entry": []}`))
	assert.IsError(t, err, ErrInvalidBundle)
}

func TestStore_SQLite(t *testing.T) {
	store, err := Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "resources.db"))
	assert.NoError(t, err)

	defer store.Close()

	assert.Equal(t, SQLite, store.Dialect())
	exerciseStore(t, store)
}

// exerciseStore imports the sample bundle and reads it back through both providers
func exerciseStore(t *testing.T, store *Store) {
	t.Helper()

	ctx := context.Background()

	assert.NoError(t, store.EnsureSchema(ctx))
	assert.NoError(t, store.EnsureSchema(ctx))

	stats, err := store.ImportBundle(ctx, strings.NewReader(sampleBundle))
	assert.NoError(t, err)
	assert.Equal(t, ImportStats{Resources: 6, ValueSets: 1, Codes: 2}, stats)

	// importing again replaces instead of duplicating
	_, err = store.ImportBundle(ctx, strings.NewReader(sampleBundle))
	assert.NoError(t, err)

	drain := func(provider *DataProvider, req engine.RetrieveRequest) []string {
		cursor, err := provider.Retrieve(ctx, req)
		assert.NoError(t, err)

		resources, err := engine.NewRetrieve(req.DataType, cursor).Drain(ctx)
		assert.NoError(t, err)

		ids := make([]string, 0, len(resources))
		for _, r := range resources {
			ids = append(ids, r["id"].(string))
		}

		return ids
	}

	provider := NewDataProvider(store, false)

	assert.Equal(t, []string{"p1"}, drain(provider, engine.RetrieveRequest{DataType: "Patient", Context: "Patient", ContextValue: "p1"}))
	assert.Equal(t, []string{"c1", "c2"}, drain(provider, engine.RetrieveRequest{DataType: "Condition", Context: "Patient", ContextValue: "p1"}))
	assert.Equal(t, []string{"c1"}, drain(provider, engine.RetrieveRequest{
		DataType: "Condition", Context: "Patient", ContextValue: "p1", ValueSet: diabetes,
	}))
	assert.Equal(t, []string{"c1", "c3"}, drain(provider, engine.RetrieveRequest{
		DataType: "Condition", Context: "Unfiltered", ValueSet: diabetes,
	}))

	codes, err := NewTerminology(store).Expand(ctx, diabetes)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(codes))

	assert.Equal(t, []string{"c2"}, drain(NewDataProvider(store, true), engine.RetrieveRequest{
		DataType: "Condition", Context: "Patient", ContextValue: "p1",
		Codes: []engine.Code{{System: "http://snomed.info/sct", Code: "38341003"}},
	}))
}

func TestConnect_Driver(t *testing.T) {
	store, err := Connect(context.Background(), "sqlite3", filepath.Join(t.TempDir(), "plain.db"))
	assert.NoError(t, err)

	defer store.Close()

	assert.Equal(t, SQLite, store.Dialect())

	_, err = Connect(context.Background(), "oracle", "whatever")
	assert.IsError(t, err, ErrUnsupportedDatabase)

	_, err = Connect(context.Background(), "", "")
	assert.IsError(t, err, ErrEmptyDatabaseURL)
}
