package routing

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/kartikbazzad/docquery/internal/logger"
	"github.com/kartikbazzad/docquery/internal/metrics"
)

// Source is the topology collaborator: it returns the current sorted range
// list of a collection.
type Source interface {
	ReadRanges(ctx context.Context, collection string) ([]KeyRange, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, collection string) ([]KeyRange, error)

func (f SourceFunc) ReadRanges(ctx context.Context, collection string) ([]KeyRange, error) {
	return f(ctx, collection)
}

// Cache keeps recent routing maps per collection.
//
// Concurrency Model:
//   - lookups hit the LRU without further locking
//   - concurrent misses or forced refreshes of one collection share a single
//     Source read
//   - callers always get their own copy of the range list
type Cache struct {
	source Source
	maps   *lru.Cache[string, []KeyRange]
	group  singleflight.Group
	logger *slog.Logger
}

// NewCache builds a routing cache holding up to size collections.
func NewCache(source Source, size int, log *slog.Logger) (*Cache, error) {
	if size <= 0 {
		size = 128
	}
	maps, err := lru.New[string, []KeyRange](size)
	if err != nil {
		return nil, fmt.Errorf("routing cache: %w", err)
	}
	if log == nil {
		log = logger.Get()
	}
	return &Cache{source: source, maps: maps, logger: log}, nil
}

// Ranges returns the routing map of collection. forceRefresh bypasses the
// cached copy, which callers do after a fetch reported a split.
func (c *Cache) Ranges(ctx context.Context, collection string, forceRefresh bool) ([]KeyRange, error) {
	if !forceRefresh {
		if ranges, ok := c.maps.Get(collection); ok {
			return Clone(ranges), nil
		}
	}

	key := collection
	if forceRefresh {
		key = "!" + collection
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		metrics.RoutingRefreshes.WithLabelValues(strconv.FormatBool(forceRefresh)).Inc()
		ranges, err := c.source.ReadRanges(ctx, collection)
		if err != nil {
			return nil, err
		}
		ranges = Clone(ranges)
		Sort(ranges)
		if err := Validate(ranges); err != nil {
			return nil, fmt.Errorf("routing map for %s: %w", collection, err)
		}
		c.maps.Add(collection, ranges)
		c.logger.Debug("routing map refreshed", "collection", collection, "ranges", len(ranges), "forced", forceRefresh)
		return ranges, nil
	})
	if err != nil {
		return nil, err
	}
	return Clone(v.([]KeyRange)), nil
}

// Invalidate drops the cached routing map of collection.
func (c *Cache) Invalidate(collection string) {
	c.maps.Remove(collection)
}

// Len returns the number of cached collections.
func (c *Cache) Len() int {
	return c.maps.Len()
}
