package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/shibukawa/cqlexec/engine"
)

// ErrUnsupportedContext is returned for contexts other than Patient and Unfiltered.
var ErrUnsupportedContext = errors.New("unsupported retrieve context")

// DataProvider answers retrieves from the resources table.
type DataProvider struct {
	store           *Store
	expandValueSets bool
}

var _ engine.CodeFilteringProvider = (*DataProvider)(nil)

// NewDataProvider creates a data provider. Without expandValueSets value sets are
// matched against the stored value set codes inside the query.
func NewDataProvider(store *Store, expandValueSets bool) *DataProvider {
	return &DataProvider{store: store, expandValueSets: expandValueSets}
}

// ExpandsValueSets implements engine.CodeFilteringProvider.
func (p *DataProvider) ExpandsValueSets() bool {
	return p.expandValueSets
}

// Retrieve implements engine.DataProvider.
func (p *DataProvider) Retrieve(ctx context.Context, req engine.RetrieveRequest) (engine.Cursor, error) {
	query, args, err := p.Query(req)
	if err != nil {
		return nil, err
	}

	p.store.logger.Debug("sql retrieve", zap.String("dataType", req.DataType), zap.String("query", query), zap.Any("args", args))

	rows, err := p.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", req.DataType, err)
	}

	return NewRowsCursor(rows), nil
}

// Query builds the SELECT statement of a retrieve.
func (p *DataProvider) Query(req engine.RetrieveRequest) (string, []any, error) {
	var b strings.Builder

	args := []any{req.DataType}

	b.WriteString("SELECT r.body FROM resources r WHERE r.resource_type = ?")

	if req.ContextValue != "" && req.Context != "" && req.Context != "Unfiltered" {
		switch req.Context {
		case req.DataType:
			b.WriteString(" AND r.id = ?")
		case "Patient":
			b.WriteString(" AND r.patient_id = ?")
		default:
			return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedContext, req.Context)
		}

		args = append(args, req.ContextValue)
	}

	switch {
	case len(req.Codes) > 0:
		b.WriteString(" AND EXISTS (SELECT 1 FROM resource_codes c WHERE c.resource_type = r.resource_type AND c.resource_id = r.id AND (")

		for i, code := range req.Codes {
			if i > 0 {
				b.WriteString(" OR ")
			}

			if code.System != "" {
				b.WriteString("(c.code_system = ? AND c.code = ?)")
				args = append(args, code.System, code.Code)
			} else {
				b.WriteString("c.code = ?")
				args = append(args, code.Code)
			}
		}

		b.WriteString("))")
	case req.ValueSet != "":
		b.WriteString(" AND EXISTS (SELECT 1 FROM resource_codes c JOIN valueset_codes v" +
			" ON v.code_system = c.code_system AND v.code = c.code" +
			" WHERE c.resource_type = r.resource_type AND c.resource_id = r.id AND v.valueset_url = ?)")

		args = append(args, req.ValueSet)
	}

	b.WriteString(" ORDER BY r.id")

	return p.store.bind(b.String()), args, nil
}

// RowsCursor decodes resource bodies from query rows one at a time.
type RowsCursor struct {
	rows *sql.Rows
}

var _ engine.Cursor = (*RowsCursor)(nil)

// NewRowsCursor wraps rows whose single column is a JSON resource body.
func NewRowsCursor(rows *sql.Rows) *RowsCursor {
	return &RowsCursor{rows: rows}
}

// Next implements engine.Cursor.
func (c *RowsCursor) Next(ctx context.Context) (engine.Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to read rows: %w", err)
		}

		return nil, io.EOF
	}

	var body string
	if err := c.rows.Scan(&body); err != nil {
		return nil, fmt.Errorf("failed to scan resource: %w", err)
	}

	var resource engine.Resource
	if err := json.Unmarshal([]byte(body), &resource); err != nil {
		return nil, fmt.Errorf("failed to decode resource: %w", err)
	}

	return resource, nil
}

// Close implements engine.Cursor.
func (c *RowsCursor) Close() error {
	return c.rows.Close()
}
