// Package emulator is an in-memory partitioned document store. It serves
// the page-fetch and topology contracts the query engine consumes, and can
// split ranges, inject failures and add latency on demand.
package emulator

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kartikbazzad/docquery/internal/errors"
	"github.com/kartikbazzad/docquery/internal/logger"
	"github.com/kartikbazzad/docquery/internal/producer"
	"github.com/kartikbazzad/docquery/internal/query"
	"github.com/kartikbazzad/docquery/internal/routing"
)

// epkSpace is the exclusive upper bound of hashed partition keys. Hashes are
// masked to 63 bits so every rendered key sorts below routing.MaxExclusive.
const epkSpace = uint64(1) << 63

const (
	baseCharge    = 1.0
	chargePerItem = 0.25
)

var (
	ErrCollectionNotFound = errors.New("collection not found")
	ErrCollectionExists   = errors.New("collection already exists")
	ErrRangeNotFound      = errors.New("range not found")
	ErrRangeTooSmall      = errors.New("range too small to split")
)

// Document is one stored item.
type Document struct {
	ID           string         `json:"id" yaml:"id"`
	PartitionKey string         `json:"pk" yaml:"pk"`
	Body         map[string]any `json:"body" yaml:"body"`
}

type storedDoc struct {
	id   string
	pk   string
	epk  string
	body map[string]any
	raw  []byte
}

type collection struct {
	ranges []routing.KeyRange
	docs   map[string]*storedDoc // by id
}

// Store holds collections of documents spread over key ranges.
type Store struct {
	filter *query.Filter
	logger *slog.Logger

	mu          sync.RWMutex
	collections map[string]*collection
	nextRange   int
	latency     time.Duration
	failures    map[string][]error
	fetches     map[string]int
}

// New creates an empty store.
func New(log *slog.Logger) (*Store, error) {
	f, err := query.NewFilter()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Get()
	}
	return &Store{
		filter:      f,
		logger:      log,
		collections: make(map[string]*collection),
		failures:    make(map[string][]error),
		fetches:     make(map[string]int),
	}, nil
}

// EffectivePartitionKey hashes a partition key into the routing key space.
func EffectivePartitionKey(pk string) string {
	h := fnv.New64a()
	h.Write([]byte(pk))
	return formatEPK(mix64(h.Sum64()) &^ epkSpace)
}

// mix64 is the murmur3 finalizer. FNV leaves the high bits of short,
// similar keys nearly equal, and ranges are cut on the high bits.
func mix64(h uint64) uint64 {
	h ^= h >> 33
	h *= 0xff51afd7ed558ccd
	h ^= h >> 33
	h *= 0xc4ceb9fe1a85ec53
	h ^= h >> 33
	return h
}

func formatEPK(v uint64) string {
	return fmt.Sprintf("%016X", v)
}

func parseBound(b string, isMax bool) (uint64, error) {
	switch {
	case b == routing.MinInclusive && !isMax:
		return 0, nil
	case b == routing.MaxExclusive && isMax:
		return epkSpace, nil
	}
	return strconv.ParseUint(b, 16, 64)
}

// CreateCollection creates a collection split into partitions ranges of
// equal width.
func (s *Store) CreateCollection(name string, partitions int) error {
	if partitions <= 0 {
		partitions = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; ok {
		return fmt.Errorf("%w: %s", ErrCollectionExists, name)
	}
	width := epkSpace / uint64(partitions)
	ranges := make([]routing.KeyRange, partitions)
	for i := range ranges {
		r := routing.KeyRange{ID: s.newRangeIDLocked()}
		if i == 0 {
			r.Min = routing.MinInclusive
		} else {
			r.Min = formatEPK(uint64(i) * width)
		}
		if i == partitions-1 {
			r.MaxExclusive = routing.MaxExclusive
		} else {
			r.MaxExclusive = formatEPK(uint64(i+1) * width)
		}
		ranges[i] = r
	}
	s.collections[name] = &collection{ranges: ranges, docs: make(map[string]*storedDoc)}
	return nil
}

func (s *Store) newRangeIDLocked() string {
	id := strconv.Itoa(s.nextRange)
	s.nextRange++
	return id
}

func (s *Store) collection(name string) (*collection, error) {
	c, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, name)
	}
	return c, nil
}

// Upsert stores documents, replacing any with the same ID. Documents
// without an ID get a generated one.
func (s *Store) Upsert(name string, docs ...Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.collection(name)
	if err != nil {
		return err
	}
	for _, d := range docs {
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		body := map[string]any{}
		for k, v := range d.Body {
			body[k] = v
		}
		body["id"] = d.ID
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("document %s: %w", d.ID, err)
		}
		// normalise numbers to what a JSON client sees
		var normalised map[string]any
		if err := json.Unmarshal(raw, &normalised); err != nil {
			return fmt.Errorf("document %s: %w", d.ID, err)
		}
		c.docs[d.ID] = &storedDoc{
			id:   d.ID,
			pk:   d.PartitionKey,
			epk:  EffectivePartitionKey(d.PartitionKey),
			body: normalised,
			raw:  raw,
		}
	}
	return nil
}

// Count returns the number of documents in a collection.
func (s *Store) Count(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[name]
	if !ok {
		return 0
	}
	return len(c.docs)
}

// ReadRanges returns the current topology of a collection.
func (s *Store) ReadRanges(ctx context.Context, name string) ([]routing.KeyRange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.collection(name)
	if err != nil {
		return nil, err
	}
	return routing.Clone(c.ranges), nil
}

// Split replaces a range with two halves under fresh IDs. Reads against the
// old ID fail with 410/1002 from then on.
func (s *Store) Split(name, rangeID string) ([]routing.KeyRange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.collection(name)
	if err != nil {
		return nil, err
	}
	idx := -1
	for i, r := range c.ranges {
		if r.ID == rangeID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrRangeNotFound, rangeID)
	}
	parent := c.ranges[idx]
	lo, err := parseBound(parent.Min, false)
	if err != nil {
		return nil, err
	}
	hi, err := parseBound(parent.MaxExclusive, true)
	if err != nil {
		return nil, err
	}
	mid := lo + (hi-lo)/2
	if mid <= lo {
		return nil, fmt.Errorf("%w: %s", ErrRangeTooSmall, parent)
	}
	children := []routing.KeyRange{
		{ID: s.newRangeIDLocked(), Min: parent.Min, MaxExclusive: formatEPK(mid)},
		{ID: s.newRangeIDLocked(), Min: formatEPK(mid), MaxExclusive: parent.MaxExclusive},
	}
	ranges := make([]routing.KeyRange, 0, len(c.ranges)+1)
	ranges = append(ranges, c.ranges[:idx]...)
	ranges = append(ranges, children...)
	ranges = append(ranges, c.ranges[idx+1:]...)
	c.ranges = ranges
	s.logger.Info("range split", "collection", name, "parent", parent.String(), "left", children[0].ID, "right", children[1].ID)
	return children, nil
}

// FailNext makes the next fetch against rangeID return err.
func (s *Store) FailNext(rangeID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[rangeID] = append(s.failures[rangeID], err)
}

// SetLatency delays every fetch by d.
func (s *Store) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// Fetches returns how many pages were requested for rangeID.
func (s *Store) Fetches(rangeID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fetches[rangeID]
}

// TotalFetches returns how many pages were requested overall.
func (s *Store) TotalFetches() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, n := range s.fetches {
		total += n
	}
	return total
}

// FetchNextPage implements producer.PageFetcher.
func (s *Store) FetchNextPage(ctx context.Context, req producer.PageRequest) (*producer.Page, error) {
	s.mu.Lock()
	s.fetches[req.Range.ID]++
	latency := s.latency
	var injected error
	if q := s.failures[req.Range.ID]; len(q) > 0 {
		injected, s.failures[req.Range.ID] = q[0], q[1:]
	}
	s.mu.Unlock()

	if latency > 0 {
		t := time.NewTimer(latency)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if injected != nil {
		return nil, injected
	}

	after, err := decodePosition(req.Token)
	if err != nil {
		return nil, errors.NewBackendError(errors.StatusBadRequest, 0, err.Error())
	}

	s.mu.RLock()
	c, err := s.collection(req.Collection)
	if err != nil {
		s.mu.RUnlock()
		return nil, errors.NewBackendError(errors.StatusNotFound, 0, err.Error())
	}
	if !c.hasRange(req.Range) {
		s.mu.RUnlock()
		return nil, errors.NewBackendError(errors.StatusGone, errors.SubStatusPartitionKeyRangeGone,
			fmt.Sprintf("partition key range %s is gone", req.Range))
	}
	candidates := make([]*storedDoc, 0)
	for _, d := range c.docs {
		if req.Range.ContainsKey(d.epk) {
			candidates = append(candidates, d)
		}
	}
	s.mu.RUnlock()

	predicate := query.And(req.Query.Filter, req.Filter)
	order := req.Query.OrderBy
	if !req.Query.Ordered() {
		order = nil
	}

	matched := make([]position, 0, len(candidates))
	docs := make(map[string]*storedDoc, len(candidates))
	for _, d := range candidates {
		ok, err := s.filter.Match(predicate, d.body)
		if err != nil {
			return nil, errors.NewBackendError(errors.StatusBadRequest, 0, err.Error())
		}
		if !ok {
			continue
		}
		p := position{EPK: d.epk, ID: d.id}
		if order != nil {
			p.Key = d.body[order.Field]
		}
		matched = append(matched, p)
		docs[d.id] = d
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].compare(matched[j], order) < 0 })

	start := 0
	if after != nil {
		start = sort.Search(len(matched), func(i int) bool { return matched[i].compare(*after, order) > 0 })
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = producer.DefaultPageSize
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}

	page := &producer.Page{Rows: make([]query.Row, 0, end-start)}
	for _, p := range matched[start:end] {
		d := docs[p.ID]
		row := query.Row{ID: d.id, PartitionKey: d.pk, Payload: d.raw}
		if order != nil {
			row.OrderBy = []any{p.Key}
		}
		page.Rows = append(page.Rows, row)
		page.ResponseBytes += len(d.raw)
	}
	if end < len(matched) {
		token, err := encodePosition(matched[end-1])
		if err != nil {
			return nil, errors.NewBackendError(errors.StatusInternalError, 0, err.Error())
		}
		page.Token = token
	}
	page.Charge = baseCharge + chargePerItem*float64(len(page.Rows))
	return page, nil
}

func (c *collection) hasRange(r routing.KeyRange) bool {
	for _, cur := range c.ranges {
		if cur.ID == r.ID {
			return cur.SameSpan(r)
		}
	}
	return false
}
