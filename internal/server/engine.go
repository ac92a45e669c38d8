// Package server exposes the query engine over HTTP and shares its wiring
// with the command line.
package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kartikbazzad/docquery/internal/checkpoint"
	"github.com/kartikbazzad/docquery/internal/config"
	"github.com/kartikbazzad/docquery/internal/emulator"
	"github.com/kartikbazzad/docquery/internal/errors"
	"github.com/kartikbazzad/docquery/internal/logger"
	"github.com/kartikbazzad/docquery/internal/merge"
	"github.com/kartikbazzad/docquery/internal/query"
	"github.com/kartikbazzad/docquery/internal/routing"
)

// Engine runs queries against one store with one configuration.
type Engine struct {
	cfg         *config.Config
	store       *emulator.Store
	topology    *routing.Cache
	checkpoints *checkpoint.Store
	logger      *slog.Logger
}

// NewEngine wires the routing cache and, when configured, the checkpoint
// database. Close releases them.
func NewEngine(cfg *config.Config, store *emulator.Store, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = logger.Get()
	}
	topology, err := routing.NewCache(store, cfg.Routing.CacheSize, log)
	if err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg, store: store, topology: topology, logger: log}
	if cfg.Checkpoint.Path != "" {
		cp, err := checkpoint.Open(cfg.Checkpoint.Path)
		if err != nil {
			return nil, err
		}
		e.checkpoints = cp
	}
	return e, nil
}

// Store returns the backing store.
func (e *Engine) Store() *emulator.Store { return e.store }

// Topology returns the routing map cache.
func (e *Engine) Topology() *routing.Cache { return e.topology }

// Checkpoints returns the checkpoint store, nil when disabled.
func (e *Engine) Checkpoints() *checkpoint.Store { return e.checkpoints }

// Open starts a query stream over collection.
func (e *Engine) Open(ctx context.Context, collection string, spec query.Spec, cont string) (*merge.Stream, error) {
	q := e.cfg.Query
	return merge.Open(ctx, merge.Options{
		Collection:           collection,
		Query:                spec,
		Fetcher:              e.store,
		Topology:             e.topology,
		PageSize:             q.InitialPageSize,
		MaxConcurrency:       q.MaxConcurrency,
		MaxBufferedItemCount: q.MaxBufferedItemCount,
		MaxPageSize:          q.MaxPageSize,
		DeferFirstPage:       q.DeferFirstPage,
		Retry:                errors.NewRetryControllerWithOptions(e.cfg.RetryOptions()),
		Logger:               e.logger,
	}, cont)
}

// Resume returns the continuation saved under name, "" when there is none.
func (e *Engine) Resume(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", nil
	}
	if e.checkpoints == nil {
		return "", fmt.Errorf("%w: checkpoint %q requested but checkpoint.path is not set", errors.ErrInvalidConfig, name)
	}
	cp, err := e.checkpoints.Load(ctx, name)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return cp.Continuation, nil
}

// Checkpoint records where a named query stopped. A finished query removes
// its checkpoint.
func (e *Engine) Checkpoint(ctx context.Context, name, collection, cont string, rows int, charge float64) error {
	if name == "" || e.checkpoints == nil {
		return nil
	}
	if cont == "" {
		err := e.checkpoints.Delete(ctx, name)
		if errors.Is(err, checkpoint.ErrNotFound) {
			return nil
		}
		return err
	}
	return e.checkpoints.Save(ctx, checkpoint.Checkpoint{
		Name:         name,
		Collection:   collection,
		Continuation: cont,
		Rows:         int64(rows),
		Charge:       charge,
	})
}

// Close releases the checkpoint database.
func (e *Engine) Close() error {
	if e.checkpoints != nil {
		return e.checkpoints.Close()
	}
	return nil
}
