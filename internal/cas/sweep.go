package cas

import (
	"fmt"

	"github.com/ipfs/bbloom"
)

// LiveSet is a probabilistic membership test over the hashes currently
// referenced by a manifest. Sweep uses it to decide, without holding the
// full reachable set in memory, which blobs are safe to delete.
type LiveSet struct {
	bloom *bbloom.Bloom
}

// NewLiveSet builds a bloom filter sized for expectedEntries reachable
// hashes at the given false-positive rate. A false positive only costs a
// blob surviving one extra sweep cycle, never a live blob being deleted,
// so a generous rate is safe.
func NewLiveSet(expectedEntries int, falsePositiveRate float64) (*LiveSet, error) {
	if expectedEntries < 1 {
		expectedEntries = 1
	}
	bloom, err := bbloom.New(float64(expectedEntries), falsePositiveRate)
	if err != nil {
		return nil, fmt.Errorf("building live set: %w", err)
	}
	return &LiveSet{bloom: bloom}, nil
}

// Mark records h as reachable.
func (l *LiveSet) Mark(h Hash) {
	l.bloom.AddTS(h[:])
}

// MaybeLive reports whether h might be reachable. False means definitely
// not reachable; true means either reachable or a false positive.
func (l *LiveSet) MaybeLive(h Hash) bool {
	return l.bloom.HasTS(h[:])
}

// SweepResult summarizes one garbage-collection pass.
type SweepResult struct {
	Deleted        int
	ReclaimedBytes int64
	Skipped        int // entries kept back because the bloom filter called them live
}

// Sweep walks every blob in the store and deletes those absent from live,
// clearing the immutable flag first where the platform sets one. Entries
// the filter calls live (true or false positive) are left untouched, so a
// false positive only delays collection to the next pass.
func (s *Store) Sweep(live *LiveSet) (SweepResult, error) {
	var result SweepResult

	var toDelete []Entry
	err := s.Iter(func(e Entry) error {
		if live.MaybeLive(e.Hash) {
			result.Skipped++
			return nil
		}
		toDelete = append(toDelete, e)
		return nil
	})
	if err != nil {
		return result, fmt.Errorf("walking store for sweep: %w", err)
	}

	for _, e := range toDelete {
		clearImmutable(e.Path)
		if err := s.Delete(e.Hash, e.Size); err != nil {
			s.log.Warn("sweep: failed to delete %s: %v", e.Hash, err)
			continue
		}
		result.Deleted++
		result.ReclaimedBytes += e.Size
	}

	return result, nil
}
