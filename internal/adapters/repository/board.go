package repository

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/okian/alpharank/internal/domain/types"
	"github.com/okian/alpharank/pkg/metrics"
)

// Treap-backed rating board, one tree per entity class.
//
// Ordering: rating DESC, then entity id ASC. "less" means ranks earlier, so
// in-order traversal yields the board from best to worst. Node sizes make
// rank lookups O(log n).

// ratingScale keeps nine decimals so equal ratings compare exactly.
const ratingScale = 1_000_000_000

type ratingFP int64

func toFixedPoint(x float64) ratingFP {
	if math.IsNaN(x) {
		return 0
	}
	return ratingFP(math.Round(math.Max(-1e9, math.Min(1e9, x)) * ratingScale))
}

type node struct {
	id     string
	rating ratingFP
	prio   uint64
	left   *node
	right  *node
	size   int
}

func nsize(n *node) int {
	if n == nil {
		return 0
	}
	return n.size
}

func fix(n *node) {
	if n != nil {
		n.size = 1 + nsize(n.left) + nsize(n.right)
	}
}

func less(aRating ratingFP, aID string, bRating ratingFP, bID string) bool {
	if aRating != bRating {
		return aRating > bRating
	}
	return aID < bID
}

func rotateRight(y *node) *node {
	x := y.left
	y.left = x.right
	x.right = y
	fix(y)
	fix(x)
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	x.right = y.left
	y.left = x
	fix(x)
	fix(y)
	return y
}

func insert(n *node, id string, rating ratingFP, prio uint64) *node {
	if n == nil {
		return &node{id: id, rating: rating, prio: prio, size: 1}
	}
	if less(rating, id, n.rating, n.id) {
		n.left = insert(n.left, id, rating, prio)
		if n.left.prio > n.prio {
			n = rotateRight(n)
		}
	} else {
		n.right = insert(n.right, id, rating, prio)
		if n.right.prio > n.prio {
			n = rotateLeft(n)
		}
	}
	fix(n)
	return n
}

func deleteNode(n *node, id string, rating ratingFP) *node {
	if n == nil {
		return nil
	}
	switch {
	case rating == n.rating && id == n.id:
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		if n.left.prio > n.right.prio {
			n = rotateRight(n)
			n.right = deleteNode(n.right, id, rating)
		} else {
			n = rotateLeft(n)
			n.left = deleteNode(n.left, id, rating)
		}
	case less(rating, id, n.rating, n.id):
		n.left = deleteNode(n.left, id, rating)
	default:
		n.right = deleteNode(n.right, id, rating)
	}
	fix(n)
	return n
}

// countAbove returns how many nodes hold a strictly higher rating.
func countAbove(n *node, rating ratingFP) int {
	var count int
	for n != nil {
		if n.rating > rating {
			count += 1 + nsize(n.left)
			n = n.right
		} else {
			n = n.left
		}
	}
	return count
}

func collectTop(n *node, limit int, out *[]string) {
	if n == nil || len(*out) >= limit {
		return
	}
	collectTop(n.left, limit, out)
	if len(*out) < limit {
		*out = append(*out, n.id)
	}
	if len(*out) < limit {
		collectTop(n.right, limit, out)
	}
}

type tree struct {
	root *node
	byID map[string]boardRecord
}

type boardRecord struct {
	rating ratingFP
	entry  types.Entry
}

// Board ranks the latest rating of every entity within its class.
type Board struct {
	mu      sync.RWMutex
	classes map[string]*tree
	classOf map[string]string
}

// NewBoard creates an empty board.
func NewBoard() *Board {
	return &Board{
		classes: make(map[string]*tree),
		classOf: make(map[string]string),
	}
}

// Upsert replaces the entity's entry. An entity lives in exactly one class;
// moving it to another class removes it from the old one.
func (b *Board) Upsert(_ context.Context, e types.Entry) {
	start := time.Now()
	defer func() {
		metrics.RecordStateStoreLatency("board", "upsert", float64(time.Since(start).Microseconds())/1000)
	}()

	fp := toFixedPoint(e.Rating)
	e.Rank = 0

	b.mu.Lock()
	if prev, ok := b.classOf[e.EntityID]; ok {
		b.removeLocked(prev, e.EntityID)
	}
	t, ok := b.classes[e.Class]
	if !ok {
		t = &tree{byID: make(map[string]boardRecord)}
		b.classes[e.Class] = t
	}
	t.byID[e.EntityID] = boardRecord{rating: fp, entry: e}
	t.root = insert(t.root, e.EntityID, fp, rand.Uint64())
	b.classOf[e.EntityID] = e.Class
	count := len(t.byID)
	b.mu.Unlock()

	metrics.UpdateBoardEntities(e.Class, count)
}

// Remove drops an entity from the board. It returns false if the entity was
// not ranked.
func (b *Board) Remove(_ context.Context, entityID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	class, ok := b.classOf[entityID]
	if !ok {
		return false
	}
	b.removeLocked(class, entityID)
	return true
}

func (b *Board) removeLocked(class, entityID string) {
	t := b.classes[class]
	if t == nil {
		return
	}
	if rec, ok := t.byID[entityID]; ok {
		t.root = deleteNode(t.root, entityID, rec.rating)
		delete(t.byID, entityID)
	}
	delete(b.classOf, entityID)
	metrics.UpdateBoardEntities(class, len(t.byID))
}

// Get returns the entity's entry without ranking it.
func (b *Board) Get(_ context.Context, entityID string) (types.Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	class, ok := b.classOf[entityID]
	if !ok {
		return types.Entry{}, false
	}
	return b.classes[class].byID[entityID].entry, true
}

// Rank returns the entity's entry with its competition rank inside class:
// equal ratings share a rank and the next rank skips accordingly.
func (b *Board) Rank(_ context.Context, class, entityID string) (types.Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t := b.classes[class]
	if t == nil {
		return types.Entry{}, ErrNotFound
	}
	rec, ok := t.byID[entityID]
	if !ok {
		return types.Entry{}, ErrNotFound
	}
	e := rec.entry
	e.Rank = 1 + countAbove(t.root, rec.rating)
	return e, nil
}

// Top returns the best n entries of class in rank order.
func (b *Board) Top(_ context.Context, class string, n int) ([]types.Entry, error) {
	if n < 1 {
		return nil, ErrInvalidLimit
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	t := b.classes[class]
	if t == nil {
		return []types.Entry{}, nil
	}
	ids := make([]string, 0, min(n, len(t.byID)))
	collectTop(t.root, n, &ids)

	out := make([]types.Entry, len(ids))
	for i, id := range ids {
		rec := t.byID[id]
		out[i] = rec.entry
		if i > 0 && t.byID[ids[i-1]].rating == rec.rating {
			out[i].Rank = out[i-1].Rank
		} else {
			out[i].Rank = i + 1
		}
	}
	return out, nil
}

// Count returns the number of ranked entities in class.
func (b *Board) Count(_ context.Context, class string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t := b.classes[class]; t != nil {
		return len(t.byID)
	}
	return 0
}

// Classes lists the classes that have at least one ranked entity.
func (b *Board) Classes(_ context.Context) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.classes))
	for c, t := range b.classes {
		if len(t.byID) > 0 {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}
