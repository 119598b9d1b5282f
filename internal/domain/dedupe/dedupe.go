// Package dedupe guards the live pipeline against applying the same
// entity-period twice.
package dedupe

import (
	"container/list"
	"context"
	"strconv"
	"strings"
	"sync"
)

const defaultMaxSize = 50_000

// Deduper records seen keys to ensure at-most-once processing.
type Deduper interface {
	// SeenAndRecord atomically checks whether key was seen and records it
	// if not. It returns true when the key was already present.
	SeenAndRecord(ctx context.Context, key string) bool

	// Unrecord forgets key so a failed attempt can be retried.
	Unrecord(ctx context.Context, key string)

	// Forget drops every key with the given prefix. Used by state resets.
	Forget(ctx context.Context, prefix string) int

	Size() int64
}

// PeriodKey builds the dedupe key for one entity-period.
func PeriodKey(entityID string, season, period int) string {
	return SeasonPrefix(entityID, season) + strconv.Itoa(period)
}

// SeasonPrefix is the key prefix shared by all periods of an entity-season.
func SeasonPrefix(entityID string, season int) string {
	var b strings.Builder
	b.Grow(len(entityID) + 12)
	b.WriteString(entityID)
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(season))
	b.WriteByte('|')
	return b.String()
}

// inMemoryDeduper keeps keys in insertion order and evicts the oldest once
// maxSize is reached. maxSize <= 0 disables eviction.
type inMemoryDeduper struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List
	maxSize int
}

// NewInMemoryDeduper creates a new in-memory deduper with configuration options.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{maxSize: defaultMaxSize}
	for _, opt := range opts {
		opt(d)
	}
	d.seen = make(map[string]*list.Element)
	d.order = list.New()
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[key]; ok {
		return true
	}
	if d.maxSize > 0 && d.order.Len() >= d.maxSize {
		if oldest := d.order.Back(); oldest != nil {
			d.order.Remove(oldest)
			delete(d.seen, oldest.Value.(string))
		}
	}
	d.seen[key] = d.order.PushFront(key)
	return false
}

func (d *inMemoryDeduper) Unrecord(_ context.Context, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.seen[key]; ok {
		d.order.Remove(el)
		delete(d.seen, key)
	}
}

func (d *inMemoryDeduper) Forget(_ context.Context, prefix string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	var n int
	for key, el := range d.seen {
		if strings.HasPrefix(key, prefix) {
			d.order.Remove(el)
			delete(d.seen, key)
			n++
		}
	}
	return n
}

func (d *inMemoryDeduper) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(d.order.Len())
}
