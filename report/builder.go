package report

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/shibukawa/cqlexec/engine"
	"github.com/shibukawa/cqlexec/locator"
)

// Resolver finds evaluable definitions by name. *engine.Context implements it.
type Resolver interface {
	ResolveExpressionRef(name string) (engine.Evaluable, error)
}

var _ Resolver = (*engine.Context)(nil)

// Builder evaluates located definitions one after another and collects their entries.
type Builder struct {
	classifier *Classifier
	logger     *zap.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithClassifier replaces the default classifier.
func WithClassifier(classifier *Classifier) Option {
	return func(b *Builder) {
		b.classifier = classifier
	}
}

// WithLogger sets the logger used for per-definition diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Builder) {
		b.logger = logger
	}
}

// NewBuilder creates a builder.
func NewBuilder(options ...Option) *Builder {
	b := &Builder{classifier: NewClassifier(nil), logger: zap.NewNop()}
	for _, option := range options {
		option(b)
	}

	return b
}

// Build evaluates every located definition in order. A definition that cannot be resolved or
// evaluated gets an error entry and the batch continues. Only ErrSerialization aborts the build.
func (b *Builder) Build(ctx context.Context, locations *locator.Locations, resolver Resolver) (Report, error) {
	report := make(Report, 0, locations.Len())

	for name, line := range locations.All() {
		entry := Entry{Name: name, Location: Location(line)}

		if err := b.evaluate(ctx, &entry, resolver); err != nil {
			return nil, err
		}

		report = append(report, entry)
	}

	return report, nil
}

func (b *Builder) evaluate(ctx context.Context, entry *Entry, resolver Resolver) error {
	ev, err := resolver.ResolveExpressionRef(entry.Name)
	if err != nil {
		b.fail(entry, err)
		return nil
	}

	result := ev.Evaluate(ctx)
	if result.Err != nil {
		b.fail(entry, result.Err)
		return nil
	}

	resultType, text, err := b.classifier.Classify(ctx, result.Value)
	if errors.Is(err, ErrSerialization) {
		return err
	}

	if err != nil {
		b.fail(entry, err)
		return nil
	}

	entry.Result = &text
	entry.ResultType = resultType

	b.logger.Debug("evaluated definition", zap.String("name", entry.Name), zap.String("resultType", string(resultType)))

	return nil
}

func (b *Builder) fail(entry *Entry, err error) {
	message := err.Error()
	entry.Error = &message

	b.logger.Debug("definition failed", zap.String("name", entry.Name), zap.Error(err))
}
