// Package service evaluates CQL libraries on request and serves the evaluation over HTTP.
package service

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/shibukawa/cqlexec"
	"github.com/shibukawa/cqlexec/engine"
	"github.com/shibukawa/cqlexec/locator"
	"github.com/shibukawa/cqlexec/provider/fhir"
	"github.com/shibukawa/cqlexec/provider/sqlstore"
	"github.com/shibukawa/cqlexec/report"
	"github.com/shibukawa/cqlexec/translator"
)

// Service runs the evaluation pipeline. Every request gets its own translation and
// engine context; only the opened databases are shared.
type Service struct {
	config     *cqlexec.Config
	logger     *zap.Logger
	httpClient *http.Client
	now        func() time.Time
	stores     map[string]*sqlstore.Store
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithHTTPClient sets the client used to reach FHIR servers.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) {
		s.httpClient = client
	}
}

// WithClock fixes the evaluation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithStore registers an already opened database under a configured name.
func WithStore(name string, store *sqlstore.Store) Option {
	return func(s *Service) {
		s.stores[name] = store
	}
}

// New creates a service. Databases referenced by sql providers are opened by Open.
func New(config *cqlexec.Config, options ...Option) *Service {
	if config == nil {
		config = cqlexec.DefaultConfig()
	}

	s := &Service{
		config: config,
		logger: zap.NewNop(),
		now:    time.Now,
		stores: make(map[string]*sqlstore.Store),
	}

	for _, option := range options {
		option(s)
	}

	return s
}

// Open connects the databases used by sql providers that were not registered with WithStore.
func (s *Service) Open(ctx context.Context) error {
	names := make(map[string]bool)

	if s.config.Terminology.Type == "sql" {
		names[s.config.Terminology.Database] = true
	}

	for _, dp := range s.config.DataProviders {
		if dp.Type == "sql" {
			names[dp.Database] = true
		}
	}

	for _, name := range slices.Sorted(maps.Keys(names)) {
		if _, ok := s.stores[name]; ok {
			continue
		}

		db, ok := s.config.Databases[name]
		if !ok {
			return fmt.Errorf("%w: %s", cqlexec.ErrUnknownDatabase, name)
		}

		store, err := sqlstore.Connect(ctx, db.Driver, db.Connection, sqlstore.WithLogger(s.logger))
		if err != nil {
			return fmt.Errorf("failed to open database %s: %w", name, err)
		}

		s.logger.Info("database opened", zap.String("name", name), zap.String("dialect", string(store.Dialect())))
		s.stores[name] = store
	}

	return nil
}

// Close closes the databases opened by the service.
func (s *Service) Close() error {
	var errs []error

	for name, store := range s.stores {
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database %s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}

// Evaluate locates the definitions of the request code, translates it and evaluates every
// located definition. A translation failure is reported as the single-entry translation report.
// Errors are request-level failures such as invalid parameters or serializer defects.
func (s *Service) Evaluate(ctx context.Context, req Request) (report.Report, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	locations := locator.FindDefinitions(req.Code)

	lib, err := translator.Translate(req.Code, translator.WithLogger(s.logger))
	if err != nil {
		s.logger.Info("translation failed", zap.Error(err))
		return report.TranslationFailure(err), nil
	}

	if path := s.config.Translation.DumpXML; path != "" {
		if err := lib.DumpXML(path); err != nil {
			s.logger.Warn("failed to dump translated library", zap.String("path", path), zap.Error(err))
		}
	}

	ec, err := engine.NewContext(lib, engine.WithLogger(s.logger), engine.WithNow(s.now()))
	if err != nil {
		return nil, fmt.Errorf("failed to create evaluation context: %w", err)
	}

	if first := lib.FirstContext(); first != "" {
		if err := ec.EnterContext(first); err != nil {
			return nil, err
		}
	}

	patient := req.PatientID
	if patient == "" {
		patient = s.config.Evaluation.DefaultPatient
	}

	if patient != "" {
		ec.SetContextValue(ec.CurrentContext(), patient)
	}

	for _, name := range slices.Sorted(maps.Keys(req.Parameters)) {
		if err := ec.SetParameter(name, req.Parameters[name]); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}

	if err := s.registerProviders(ec, req); err != nil {
		return nil, err
	}

	if timeout := s.config.Evaluation.Timeout; timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	return report.NewBuilder(report.WithLogger(s.logger)).Build(ctx, locations, ec)
}

func (s *Service) registerProviders(ec *engine.Context, req Request) error {
	terminology, err := s.terminologyProvider(req.TerminologyURL)
	if err != nil {
		return err
	}

	if terminology != nil {
		ec.RegisterTerminologyProvider(terminology)
	}

	for _, uri := range slices.Sorted(maps.Keys(s.config.DataProviders)) {
		override := ""
		if uri == cqlexec.FHIRModelURI {
			override = req.DataURL
		}

		provider, err := s.dataProvider(s.config.DataProviders[uri], override)
		if err != nil {
			return fmt.Errorf("failed to create data provider for %s: %w", uri, err)
		}

		if provider != nil {
			ec.RegisterDataProvider(uri, provider)
		}
	}

	if dir := s.config.Libraries.SourceDir; dir != "" {
		ec.RegisterLibraryLoader(translator.NewFileLibraryLoader(dir, translator.WithLogger(s.logger)))
	}

	return nil
}

func (s *Service) fhirClient(endpoint string) (*fhir.Client, error) {
	options := []fhir.ClientOption{fhir.WithLogger(s.logger)}
	if s.httpClient != nil {
		options = append(options, fhir.WithHTTPClient(s.httpClient))
	}

	client, err := fhir.NewClient(endpoint, options...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	return client, nil
}

func (s *Service) store(name string) (*sqlstore.Store, error) {
	store, ok := s.stores[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", cqlexec.ErrUnknownDatabase, name)
	}

	return store, nil
}

// terminologyProvider returns nil when terminology is disabled
func (s *Service) terminologyProvider(override string) (engine.TerminologyProvider, error) {
	cfg := s.config.Terminology
	if override != "" {
		cfg = cqlexec.ProviderConfig{Type: "fhir", Endpoint: override}
	}

	switch cfg.Type {
	case "", "fhir":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = cqlexec.DefaultEndpoint
		}

		client, err := s.fhirClient(endpoint)
		if err != nil {
			return nil, err
		}

		return fhir.NewTerminologyProvider(client), nil
	case "sql":
		store, err := s.store(cfg.Database)
		if err != nil {
			return nil, err
		}

		return sqlstore.NewTerminology(store), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %s", cqlexec.ErrUnsupportedProvider, cfg.Type)
	}
}

func (s *Service) dataProvider(cfg cqlexec.DataProviderConfig, override string) (engine.DataProvider, error) {
	if override != "" {
		cfg.Type = "fhir"
		cfg.Endpoint = override
	}

	switch cfg.Type {
	case "", "fhir":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = cqlexec.DefaultEndpoint
		}

		client, err := s.fhirClient(endpoint)
		if err != nil {
			return nil, err
		}

		return fhir.NewDataProvider(client, cfg.PageSize, cfg.ShouldExpandValueSets()), nil
	case "sql":
		store, err := s.store(cfg.Database)
		if err != nil {
			return nil, err
		}

		return sqlstore.NewDataProvider(store, cfg.ShouldExpandValueSets()), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %s", cqlexec.ErrUnsupportedProvider, cfg.Type)
	}
}
