// Package testhelper holds fixtures shared by tests across packages.
package testhelper

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/shibukawa/cqlexec/provider/sqlstore"
	"github.com/shibukawa/cqlexec/report"
)

// OpenStore creates a SQLite resource store in a temporary directory and imports the bundles.
// The store is closed when the test ends.
func OpenStore(t *testing.T, bundles ...[]byte) *sqlstore.Store {
	t.Helper()

	ctx := context.Background()

	store, err := sqlstore.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "resources.db"))
	assert.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	assert.NoError(t, store.EnsureSchema(ctx))

	for _, bundle := range bundles {
		_, err := store.ImportBundle(ctx, bytes.NewReader(bundle))
		assert.NoError(t, err)
	}

	return store
}

// AssertReport compares a report with its expected JSON form. Results must match exactly;
// expected error texts only need to be contained in the actual ones.
func AssertReport(t *testing.T, expected []byte, actual report.Report) {
	t.Helper()

	var want report.Report
	assert.NoError(t, json.Unmarshal(expected, &want))

	assert.Equal(t, len(want), len(actual), "entries: %v", actual)

	for i := range min(len(want), len(actual)) {
		w, a := want[i], actual[i]

		assert.Equal(t, w.Name, a.Name)
		assert.Equal(t, w.Location, a.Location, w.Name)
		assert.Equal(t, w.ResultType, a.ResultType, w.Name)
		assert.Equal(t, w.Result, a.Result, w.Name)

		if w.Error != nil || a.Error != nil {
			assert.True(t, w.Error != nil && a.Error != nil && strings.Contains(a.Message(), w.Message()),
				"%s: error %q does not contain %q", w.Name, a.Message(), w.Message())
		}

		if w.TranslationError != "" || a.TranslationError != "" {
			assert.True(t, w.TranslationError != "" && strings.Contains(a.TranslationError, w.TranslationError),
				"translation error %q does not contain %q", a.TranslationError, w.TranslationError)
		}
	}
}
