package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
)

// Store is a resource database.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for query diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore wraps an open database.
func NewStore(db *sql.DB, dialect Dialect, options ...Option) *Store {
	s := &Store{db: db, dialect: dialect, logger: zap.NewNop()}
	for _, option := range options {
		option(s)
	}

	return s
}

// DB returns the underlying database.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL flavour of the store.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	return s.db.Close()
}

func (s *Store) bodyType() string {
	if s.dialect == MySQL {
		return "LONGTEXT"
	}

	return "TEXT"
}

// schema returns the DDL statements of the dialect
func (s *Store) schema() []string {
	statements := []string{
		"CREATE TABLE IF NOT EXISTS resources (" +
			"resource_type VARCHAR(64) NOT NULL, " +
			"id VARCHAR(64) NOT NULL, " +
			"patient_id VARCHAR(64), " +
			"body " + s.bodyType() + " NOT NULL, " +
			"PRIMARY KEY (resource_type, id))",
		"CREATE TABLE IF NOT EXISTS resource_codes (" +
			"resource_type VARCHAR(64) NOT NULL, " +
			"resource_id VARCHAR(64) NOT NULL, " +
			"code_system VARCHAR(255) NOT NULL, " +
			"code VARCHAR(64) NOT NULL, " +
			"PRIMARY KEY (resource_type, resource_id, code_system, code))",
		"CREATE TABLE IF NOT EXISTS valueset_codes (" +
			"valueset_url VARCHAR(255) NOT NULL, " +
			"code_system VARCHAR(255) NOT NULL, " +
			"code VARCHAR(64) NOT NULL, " +
			"display VARCHAR(255), " +
			"PRIMARY KEY (valueset_url, code_system, code))",
	}

	// MySQL has no CREATE INDEX IF NOT EXISTS
	if s.dialect != MySQL {
		statements = append(statements,
			"CREATE INDEX IF NOT EXISTS resources_patient ON resources (resource_type, patient_id)")
	}

	return statements
}

// EnsureSchema creates the tables if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, ddl := range s.schema() {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return nil
}

// ImportStats counts what ImportBundle stored.
type ImportStats struct {
	Resources int
	ValueSets int
	Codes     int
}

// ImportBundle stores the resources of a FHIR Bundle, or a single resource, in one transaction.
// Resources replace earlier versions with the same type and id. ValueSet resources also
// contribute their expansion (or enumerated compose concepts) to the value set codes.
func (s *Store) ImportBundle(ctx context.Context, r io.Reader) (ImportStats, error) {
	var stats ImportStats

	var document map[string]any
	if err := json.NewDecoder(r).Decode(&document); err != nil {
		return stats, fmt.Errorf("%w: %w", ErrInvalidBundle, err)
	}

	resources, err := bundleResources(document)
	if err != nil {
		return stats, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("failed to begin transaction: %w", err)
	}

	for _, resource := range resources {
		codes, err := s.importResource(ctx, tx, resource)
		if err != nil {
			tx.Rollback()
			return stats, err
		}

		stats.Resources++

		if codes >= 0 {
			stats.ValueSets++
			stats.Codes += codes
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("failed to commit import: %w", err)
	}

	s.logger.Info("imported bundle",
		zap.Int("resources", stats.Resources),
		zap.Int("valueSets", stats.ValueSets),
		zap.Int("codes", stats.Codes))

	return stats, nil
}

type statement struct {
	query string
	args  []any
}

// importResource stores one resource and returns the number of value set codes it
// contributed, or -1 when it is not a ValueSet
func (s *Store) importResource(ctx context.Context, tx *sql.Tx, resource map[string]any) (int, error) {
	resourceType, _ := resource["resourceType"].(string)
	id, _ := resource["id"].(string)

	if resourceType == "" || id == "" {
		return 0, fmt.Errorf("%w: resource without resourceType or id", ErrInvalidBundle)
	}

	body, err := json.Marshal(resource)
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s/%s: %w", resourceType, id, err)
	}

	statements := []statement{
		{s.bind("DELETE FROM resource_codes WHERE resource_type = ? AND resource_id = ?"), []any{resourceType, id}},
		{s.bind("DELETE FROM resources WHERE resource_type = ? AND id = ?"), []any{resourceType, id}},
		{s.bind("INSERT INTO resources (resource_type, id, patient_id, body) VALUES (?, ?, ?, ?)"),
			[]any{resourceType, id, patientReference(resource), string(body)}},
	}

	for _, c := range resourceCodings(resource) {
		statements = append(statements, statement{
			s.bind("INSERT INTO resource_codes (resource_type, resource_id, code_system, code) VALUES (?, ?, ?, ?)"),
			[]any{resourceType, id, c.system, c.code},
		})
	}

	for _, st := range statements {
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			return 0, fmt.Errorf("failed to store %s/%s: %w", resourceType, id, err)
		}
	}

	if resourceType != "ValueSet" {
		return -1, nil
	}

	return s.importValueSet(ctx, tx, resource)
}

func (s *Store) importValueSet(ctx context.Context, tx *sql.Tx, resource map[string]any) (int, error) {
	valueSetURL, _ := resource["url"].(string)
	if valueSetURL == "" {
		return 0, nil
	}

	if _, err := tx.ExecContext(ctx, s.bind("DELETE FROM valueset_codes WHERE valueset_url = ?"), valueSetURL); err != nil {
		return 0, fmt.Errorf("failed to replace value set %s: %w", valueSetURL, err)
	}

	codes := valueSetCodings(resource)
	for _, c := range codes {
		_, err := tx.ExecContext(ctx,
			s.bind("INSERT INTO valueset_codes (valueset_url, code_system, code, display) VALUES (?, ?, ?, ?)"),
			valueSetURL, c.system, c.code, c.display)
		if err != nil {
			return 0, fmt.Errorf("failed to store value set %s: %w", valueSetURL, err)
		}
	}

	return len(codes), nil
}

// bind rewrites ? markers into the placeholders of the dialect
func (s *Store) bind(query string) string {
	if s.dialect != PostgreSQL {
		return query
	}

	var b strings.Builder

	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(s.dialect.Placeholder(n))

			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}

func bundleResources(document map[string]any) ([]map[string]any, error) {
	resourceType, _ := document["resourceType"].(string)
	if resourceType == "" {
		return nil, fmt.Errorf("%w: resourceType is missing", ErrInvalidBundle)
	}

	if resourceType != "Bundle" {
		return []map[string]any{document}, nil
	}

	entries, _ := document["entry"].([]any)
	resources := make([]map[string]any, 0, len(entries))

	for _, e := range entries {
		entry, ok := e.(map[string]any)
		if !ok {
			continue
		}

		if resource, ok := entry["resource"].(map[string]any); ok {
			resources = append(resources, resource)
		}
	}

	return resources, nil
}

// patientReference returns the id of the patient a resource belongs to, or nil
func patientReference(resource map[string]any) any {
	if resource["resourceType"] == "Patient" {
		return resource["id"]
	}

	for _, field := range []string{"subject", "patient"} {
		ref, ok := resource[field].(map[string]any)
		if !ok {
			continue
		}

		reference, _ := ref["reference"].(string)
		if id, ok := strings.CutPrefix(reference, "Patient/"); ok && id != "" {
			return id
		}
	}

	return nil
}

type coding struct {
	system  string
	code    string
	display string
}

// codeElements lists the element holding the primary code of a resource type
var codeElements = map[string]string{
	"Immunization":        "vaccineCode",
	"MedicationRequest":   "medicationCodeableConcept",
	"MedicationStatement": "medicationCodeableConcept",
}

func resourceCodings(resource map[string]any) []coding {
	resourceType, _ := resource["resourceType"].(string)

	element := "code"
	if e, ok := codeElements[resourceType]; ok {
		element = e
	}

	concept, ok := resource[element].(map[string]any)
	if !ok {
		return nil
	}

	codings, _ := concept["coding"].([]any)
	result := make([]coding, 0, len(codings))
	seen := make(map[coding]bool)

	for _, item := range codings {
		c := codingOf(item)
		if c.code == "" {
			continue
		}

		key := coding{system: c.system, code: c.code}
		if seen[key] {
			continue
		}

		seen[key] = true

		result = append(result, key)
	}

	return result
}

func codingOf(item any) coding {
	m, ok := item.(map[string]any)
	if !ok {
		return coding{}
	}

	system, _ := m["system"].(string)
	code, _ := m["code"].(string)
	display, _ := m["display"].(string)

	return coding{system: system, code: code, display: display}
}

// valueSetCodings reads the expansion of a ValueSet, falling back to enumerated compose concepts
func valueSetCodings(resource map[string]any) []coding {
	var codes []coding

	if expansion, ok := resource["expansion"].(map[string]any); ok {
		contains, _ := expansion["contains"].([]any)
		codes = expansionCodings(contains, codes)
	}

	if len(codes) > 0 {
		return dedupe(codes)
	}

	compose, _ := resource["compose"].(map[string]any)
	includes, _ := compose["include"].([]any)

	for _, i := range includes {
		include, ok := i.(map[string]any)
		if !ok {
			continue
		}

		system, _ := include["system"].(string)
		concepts, _ := include["concept"].([]any)

		for _, item := range concepts {
			c := codingOf(item)
			if c.code == "" {
				continue
			}

			c.system = system
			codes = append(codes, c)
		}
	}

	return dedupe(codes)
}

func expansionCodings(contains []any, codes []coding) []coding {
	for _, item := range contains {
		if c := codingOf(item); c.code != "" {
			codes = append(codes, c)
		}

		if m, ok := item.(map[string]any); ok {
			if nested, ok := m["contains"].([]any); ok {
				codes = expansionCodings(nested, codes)
			}
		}
	}

	return codes
}

func dedupe(codes []coding) []coding {
	seen := make(map[[2]string]bool, len(codes))
	result := codes[:0]

	for _, c := range codes {
		key := [2]string{c.system, c.code}
		if seen[key] {
			continue
		}

		seen[key] = true

		result = append(result, c)
	}

	return result
}
