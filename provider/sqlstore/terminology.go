package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shibukawa/cqlexec/engine"
)

// ErrValueSetNotFound is returned when a value set has no stored codes.
var ErrValueSetNotFound = errors.New("value set not found")

// Terminology expands value sets from the valueset_codes table.
type Terminology struct {
	store *Store
}

var _ engine.TerminologyProvider = (*Terminology)(nil)

// NewTerminology creates a terminology provider over a store.
func NewTerminology(store *Store) *Terminology {
	return &Terminology{store: store}
}

// Expand implements engine.TerminologyProvider.
func (t *Terminology) Expand(ctx context.Context, valueSetURL string) ([]engine.Code, error) {
	rows, err := t.store.db.QueryContext(ctx,
		t.store.bind("SELECT code_system, code, display FROM valueset_codes WHERE valueset_url = ? ORDER BY code_system, code"),
		valueSetURL)
	if err != nil {
		return nil, fmt.Errorf("failed to expand %s: %w", valueSetURL, err)
	}
	defer rows.Close()

	var codes []engine.Code

	for rows.Next() {
		var (
			code    engine.Code
			display sql.NullString
		)

		if err := rows.Scan(&code.System, &code.Code, &display); err != nil {
			return nil, fmt.Errorf("failed to scan code of %s: %w", valueSetURL, err)
		}

		code.Display = display.String
		codes = append(codes, code)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to expand %s: %w", valueSetURL, err)
	}

	if len(codes) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrValueSetNotFound, valueSetURL)
	}

	return codes, nil
}
