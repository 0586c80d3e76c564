// Package store exposes the Quarry session: a declarative, versioned view
// of one engine store. Opening a store reconciles the physical schema
// against the declared one inside the engine's version-transition scope;
// after that every operation runs in its own per-collection transaction,
// addressed either by primary key or through a secondary index.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quarrydb/quarry/internal/engine"
	qerrors "github.com/quarrydb/quarry/internal/errors"
	"github.com/quarrydb/quarry/internal/observability"
	"github.com/quarrydb/quarry/internal/reconcile"
	"github.com/quarrydb/quarry/pkg/types"
)

// Store is a session over one engine store. A Store owns at most one open
// engine connection; Close and Destroy are always safe cleanup paths, even
// after failed operations.
type Store struct {
	mu        sync.Mutex
	eng       engine.Engine
	schema    *types.Schema
	staged    *types.Schema
	conn      engine.Connection
	open      bool
	sessionID string

	log   *zap.Logger
	stats *observability.OpStats
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithStats sets the operation statistics tracker.
func WithStats(stats *observability.OpStats) Option {
	return func(s *Store) { s.stats = stats }
}

// New creates a Store for the given engine and declared schema. The schema
// is validated eagerly; the physical store is not touched until Open.
func New(eng engine.Engine, schema *types.Schema, opts ...Option) (*Store, error) {
	if err := schema.Validate(); err != nil {
		return nil, qerrors.NewSchemaError(qerrors.CodeInvalidSchema, "declared schema", err)
	}
	s := &Store{
		eng:       eng,
		schema:    schema,
		sessionID: uuid.NewString(),
		log:       zap.NewNop(),
		stats:     observability.NewOpStats(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("session", s.sessionID), zap.String("store", schema.Name))
	return s, nil
}

// Open opens the engine connection and, when the engine reports a version
// change, reconciles the physical schema inside the transition scope
// before any operation is allowed. A reconciliation failure rolls the
// whole transition back and leaves the store unopened.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		return qerrors.ErrAlreadyOpen
	}
	if s.staged != nil {
		s.schema = s.staged
		s.staged = nil
	}

	conn, scope, err := s.eng.Open(ctx, s.schema.Name, s.schema.Version)
	if err != nil {
		return qerrors.NewEngineError("opening store", err)
	}

	if scope != nil {
		plan, err := reconcile.Reconcile(scope, s.schema)
		if err != nil {
			scope.Rollback()
			conn.Close()
			return err
		}
		if err := scope.Commit(); err != nil {
			conn.Close()
			return qerrors.NewSchemaError(qerrors.CodeStructuralConflict,
				"committing version transition", err)
		}
		colls, created, dropped, recreated := plan.Counts()
		s.log.Info("version transition applied",
			zap.Int64("version", s.schema.Version),
			zap.Uint64("fingerprint", s.schema.Fingerprint()),
			zap.Int("collections_created", colls),
			zap.Int("indexes_created", created),
			zap.Int("indexes_dropped", dropped),
			zap.Int("indexes_recreated", recreated),
		)
	}

	s.conn = conn
	s.open = true
	s.log.Info("store opened", zap.Int64("version", s.schema.Version))
	return nil
}

// Close releases the engine connection. Closing an unopened store is a
// no-op. The store may be reopened afterwards, picking up any schema
// staged through ReplaceSchema.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil
	}
	s.open = false
	conn := s.conn
	s.conn = nil
	if err := conn.Close(); err != nil {
		return qerrors.NewEngineError("closing store", err)
	}
	s.log.Info("store closed")
	return nil
}

// Destroy closes the store if open and removes all its data from the
// engine.
func (s *Store) Destroy(ctx context.Context) error {
	if err := s.Close(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.eng.Destroy(ctx, s.schema.Name); err != nil {
		return qerrors.NewEngineError("destroying store", err)
	}
	s.log.Info("store destroyed")
	return nil
}

// Schema returns the currently effective declared schema.
func (s *Store) Schema() *types.Schema {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schema
}

// ReplaceSchema stages a new declared schema. It takes effect only on the
// next Open; the version must exceed the currently effective one.
func (s *Store) ReplaceSchema(schema *types.Schema) error {
	if err := schema.Validate(); err != nil {
		return qerrors.NewSchemaError(qerrors.CodeInvalidSchema, "replacement schema", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if schema.Name != s.schema.Name {
		return qerrors.Newf(qerrors.ErrCategorySchema, qerrors.CodeInvalidSchema,
			"replacement schema renames store %q to %q", s.schema.Name, schema.Name)
	}
	if schema.Version <= s.schema.Version {
		return qerrors.Newf(qerrors.ErrCategorySchema, qerrors.CodeVersionRegression,
			"replacement version %d does not exceed current %d", schema.Version, s.schema.Version)
	}
	s.staged = schema
	s.log.Info("schema staged", zap.Int64("version", schema.Version),
		zap.Uint64("fingerprint", schema.Fingerprint()))
	return nil
}

// Stats returns the store's operation statistics tracker.
func (s *Store) Stats() *observability.OpStats {
	return s.stats
}

// Location returns the engine's backing file path, or empty when the store
// is not open or the engine has no file. Used by backup.
func (s *Store) Location() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return ""
	}
	return s.conn.Location()
}

// guard returns the connection and the declared definition of collection,
// failing without engine I/O when the store is not open or the collection
// (or index) is not declared.
func (s *Store) guard(collection, index string) (engine.Connection, *types.CollectionDef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil, nil, qerrors.ErrNotOpen
	}
	def := s.schema.Collection(collection)
	if def == nil {
		return nil, nil, qerrors.Newf(qerrors.ErrCategoryResolution, qerrors.CodeUnknownCollection,
			"collection %q is not declared", collection)
	}
	if index != "" && def.Index(index) == nil {
		return nil, nil, qerrors.Newf(qerrors.ErrCategoryResolution, qerrors.CodeUnknownIndex,
			"index %q is not declared on %q", index, collection)
	}
	return s.conn, def, nil
}

// mapEngineErr classifies an engine fault into the store's error taxonomy.
// Anything the engine sentinels do not cover passes through as an opaque
// engine fault.
func mapEngineErr(err error, context string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrKeyNotFound):
		return qerrors.NewDataError(qerrors.CodeNotFound, context)
	case errors.Is(err, engine.ErrDuplicateKey), errors.Is(err, engine.ErrUniqueConstraint):
		return qerrors.NewDataError(qerrors.CodeDuplicateKey, context)
	case errors.Is(err, engine.ErrNoSuchCollection):
		return qerrors.NewResolutionError(qerrors.CodeUnknownCollection, context)
	case errors.Is(err, engine.ErrNoSuchIndex):
		return qerrors.NewResolutionError(qerrors.CodeUnknownIndex, context)
	default:
		return qerrors.NewEngineError(context, err)
	}
}
