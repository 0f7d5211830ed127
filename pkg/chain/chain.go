// Package chain links evidence versions into a backward list and walks it.
//
// Each version of a logical file (collector, name) is an immutable ledger
// record whose Previous field names the content id of the version it
// replaced. The first version has no Previous. Walking starts at any content
// id and follows Previous one ledger fetch at a time, newest to oldest.
//
// The ledger is external data, so the walk is an explicit loop bounded by a
// hop limit and a visited set. A revisit, an overlong chain, a link into a
// different logical file, or a record whose content id differs from the one
// requested all stop the walk with a distinct error.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/typicallhavok/evidence-vault/pkg/cache"
	"github.com/typicallhavok/evidence-vault/pkg/model"
)

// DefaultMaxHops bounds a walk when no limit is configured.
const DefaultMaxHops = 10000

var (
	ErrCycle       = errors.New("chain: cycle detected")
	ErrHopLimit    = errors.New("chain: hop limit exceeded")
	ErrForeignLink = errors.New("chain: link leaves the logical file")
	ErrBrokenLink  = errors.New("chain: ledger returned a different record")
)

// IsIntegrityError reports whether err is one of the chain anomalies.
func IsIntegrityError(err error) bool {
	return errors.Is(err, ErrCycle) ||
		errors.Is(err, ErrHopLimit) ||
		errors.Is(err, ErrForeignLink) ||
		errors.Is(err, ErrBrokenLink)
}

// RecordSource fetches ledger records by content id.
type RecordSource interface {
	GetRecord(ctx context.Context, cid model.ContentID) (model.EvidenceRecord, error)
}

// AppendVersion returns fields linked to existing, the current version of the
// same logical file, or unlinked when existing is nil.
func AppendVersion( // A
	existing *model.EvidenceRecord,
	fields model.EvidenceRecord,
) (model.EvidenceRecord, error) {
	rec := fields
	rec.Previous = ""
	if existing == nil {
		return rec, nil
	}

	if !sameFile(*existing, rec) {
		return model.EvidenceRecord{}, fmt.Errorf(
			"%w: head %s belongs to %q/%q, new version is %q/%q",
			ErrForeignLink, existing.ContentID,
			existing.CollectedBy, existing.Name,
			rec.CollectedBy, rec.Name,
		)
	}
	if existing.ContentID.IsZero() {
		return model.EvidenceRecord{}, fmt.Errorf("%w: head record has no content id", ErrBrokenLink)
	}
	if existing.ContentID == rec.ContentID {
		return model.EvidenceRecord{}, fmt.Errorf("%w: %s would link to itself", ErrCycle, rec.ContentID)
	}

	rec.Previous = existing.ContentID
	return rec, nil
}

func sameFile(a, b model.EvidenceRecord) bool {
	return a.Name == b.Name && a.CollectedBy == b.CollectedBy
}

// Option configures a Walker.
type Option func(*Walker)

// WithMaxHops sets the maximum number of records a walk may yield. Values
// below one select DefaultMaxHops.
func WithMaxHops(n int) Option {
	return func(w *Walker) {
		if n < 1 {
			n = DefaultMaxHops
		}
		w.maxHops = n
	}
}

// Walker lazily yields the records of one chain, newest first. A Walker is
// single use; call Walk again to restart from the same content id.
type Walker struct {
	src     RecordSource
	maxHops int

	next    model.ContentID
	visited map[model.ContentID]struct{}
	head    *model.EvidenceRecord
	current model.EvidenceRecord
	hops    int
	err     error
	done    bool
}

// Walk prepares a walk starting at start. Nothing is fetched until Next.
func Walk(src RecordSource, start model.ContentID, opts ...Option) *Walker { // A
	w := &Walker{
		src:     src,
		maxHops: DefaultMaxHops,
		next:    start,
		visited: make(map[model.ContentID]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if start.IsZero() {
		w.err = fmt.Errorf("%w: empty start content id", ErrBrokenLink)
		w.done = true
	}
	return w
}

// Next fetches the next older record. It returns false at the end of the
// chain or on error; check Err afterwards.
func (w *Walker) Next(ctx context.Context) bool { // A
	if w.done {
		return false
	}
	if err := ctx.Err(); err != nil {
		return w.fail(err)
	}

	cid := w.next
	if _, seen := w.visited[cid]; seen {
		return w.fail(fmt.Errorf("%w: %s revisited after %d hops", ErrCycle, cid, w.hops))
	}
	if w.hops >= w.maxHops {
		return w.fail(fmt.Errorf("%w: more than %d records before reaching %s", ErrHopLimit, w.maxHops, cid))
	}
	w.visited[cid] = struct{}{}

	rec, err := w.src.GetRecord(ctx, cid)
	if err != nil {
		return w.fail(fmt.Errorf("chain: fetch %s: %w", cid, err))
	}
	if rec.ContentID != cid {
		return w.fail(fmt.Errorf("%w: asked for %s, got %s", ErrBrokenLink, cid, rec.ContentID))
	}
	if w.head == nil {
		head := rec
		w.head = &head
	} else if !sameFile(*w.head, rec) {
		return w.fail(fmt.Errorf(
			"%w: %s belongs to %q/%q, chain started at %q/%q",
			ErrForeignLink, cid, rec.CollectedBy, rec.Name,
			w.head.CollectedBy, w.head.Name,
		))
	}

	w.hops++
	w.current = rec
	if rec.HasPrevious() {
		w.next = rec.Previous
	} else {
		w.done = true
	}
	return true
}

// Record returns the record produced by the last successful Next.
func (w *Walker) Record() model.EvidenceRecord {
	return w.current
}

// Hops returns the number of records yielded so far.
func (w *Walker) Hops() int {
	return w.hops
}

// Err returns the error that ended the walk, if any.
func (w *Walker) Err() error {
	return w.err
}

func (w *Walker) fail(err error) bool {
	w.err = err
	w.done = true
	w.current = model.EvidenceRecord{}
	return false
}

// Collect walks the whole chain from start. On error the records read before
// the failure are returned with it.
func Collect( // A
	ctx context.Context,
	src RecordSource,
	start model.ContentID,
	opts ...Option,
) ([]model.EvidenceRecord, error) {
	w := Walk(src, start, opts...)
	var out []model.EvidenceRecord
	for w.Next(ctx) {
		out = append(out, w.Record())
	}
	return out, w.Err()
}

// CachedSource memoizes ledger records. Records are immutable once appended,
// so entries never need invalidation, only expiry.
type CachedSource struct {
	src   RecordSource
	cache *cache.TTL[model.ContentID, model.EvidenceRecord]
}

// NewCachedSource wraps src with c. A nil cache passes every call through.
func NewCachedSource(
	src RecordSource,
	c *cache.TTL[model.ContentID, model.EvidenceRecord],
) *CachedSource {
	return &CachedSource{src: src, cache: c}
}

// GetRecord implements RecordSource.
func (s *CachedSource) GetRecord(ctx context.Context, cid model.ContentID) (model.EvidenceRecord, error) {
	if rec, ok := s.cache.Get(cid); ok {
		return rec, nil
	}
	rec, err := s.src.GetRecord(ctx, cid)
	if err != nil {
		return model.EvidenceRecord{}, err
	}
	s.cache.Put(cid, rec)
	return rec, nil
}

// Remember stores a record the caller has just appended.
func (s *CachedSource) Remember(rec model.EvidenceRecord) {
	s.cache.Put(rec.ContentID, rec)
}
