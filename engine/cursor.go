package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Resource is a single record produced by a data provider, typically a decoded FHIR resource.
type Resource = map[string]any

// Cursor is a forward-only stream of resources.
// Next returns io.EOF after the last resource.
type Cursor interface {
	Next(ctx context.Context) (Resource, error)
	Close() error
}

// Retrieve is the single-pass result of a retrieve expression.
//
// Whoever calls Drain owns the underlying cursor: Drain reads it to the end
// and closes it, whether reading succeeds or not. A second Drain returns
// ErrCursorDrained.
type Retrieve struct {
	DataType string

	mu      sync.Mutex
	cursor  Cursor
	drained bool
}

// NewRetrieve wraps a cursor. A nil cursor is a null retrieve result.
func NewRetrieve(dataType string, cursor Cursor) *Retrieve {
	return &Retrieve{DataType: dataType, cursor: cursor}
}

func (*Retrieve) isValue() {}

func (*Retrieve) TypeName() string { return "Retrieve" }

func (r *Retrieve) String() string { return "Retrieve(" + r.DataType + ")" }

// IsNull reports whether the retrieve has no cursor at all.
func (r *Retrieve) IsNull() bool {
	return r == nil || r.cursor == nil
}

// Drained reports whether Drain was already called.
func (r *Retrieve) Drained() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.drained
}

// Drain reads every resource and closes the cursor.
func (r *Retrieve) Drain(ctx context.Context) (resources []Resource, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.drained {
		return nil, ErrCursorDrained
	}

	r.drained = true

	if r.cursor == nil {
		return nil, nil
	}

	defer func() {
		if closeErr := r.cursor.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close %s cursor: %w", r.DataType, closeErr)
		}
	}()

	for {
		resource, nextErr := r.cursor.Next(ctx)
		if errors.Is(nextErr, io.EOF) {
			return resources, nil
		}

		if nextErr != nil {
			return nil, fmt.Errorf("failed to read %s resources: %w", r.DataType, nextErr)
		}

		resources = append(resources, resource)
	}
}

// Close releases the cursor without reading it. Drain returns ErrCursorDrained afterwards.
// Closing a drained retrieve does nothing.
func (r *Retrieve) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.drained {
		return nil
	}

	r.drained = true

	if r.cursor == nil {
		return nil
	}

	if err := r.cursor.Close(); err != nil {
		return fmt.Errorf("failed to close %s cursor: %w", r.DataType, err)
	}

	return nil
}

// retrieveTracker records the retrieve results opened while evaluating one definition
type retrieveTracker struct {
	opened []*Retrieve
}

func (t *retrieveTracker) track(r *Retrieve) {
	t.opened = append(t.opened, r)
}

// release closes every tracked retrieve except keep, which passes to the caller
func (t *retrieveTracker) release(keep *Retrieve) error {
	var errs []error

	for _, r := range t.opened {
		if r != keep {
			errs = append(errs, r.Close())
		}
	}

	t.opened = nil

	return errors.Join(errs...)
}

// SliceCursor is a Cursor over resources held in memory.
type SliceCursor struct {
	resources []Resource
	pos       int
	closed    bool
}

// NewSliceCursor returns a cursor over resources.
func NewSliceCursor(resources ...Resource) *SliceCursor {
	return &SliceCursor{resources: resources}
}

// Next implements Cursor.
func (c *SliceCursor) Next(ctx context.Context) (Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if c.closed || c.pos >= len(c.resources) {
		return nil, io.EOF
	}

	resource := c.resources[c.pos]
	c.pos++

	return resource, nil
}

// Close implements Cursor.
func (c *SliceCursor) Close() error {
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *SliceCursor) Closed() bool {
	return c.closed
}
