package validator

import (
	"sync"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/cespare/xxhash"
	"github.com/greatroar/blobloom"
)

// RecentRejects remembers the ids of recently rejected transactions so they are not
// validated again. It is a rolling bloom filter: two generations of half the capacity each,
// the older one dropped when the newer one is full. False positives are possible, false
// negatives only after roughly capacity insertions.
type RecentRejects struct {
	mu       sync.Mutex
	capacity uint64
	fpRate   float64
	current  *blobloom.Filter
	previous *blobloom.Filter
	count    uint64
}

func NewRecentRejects(capacity int, fpRate float64) *RecentRejects {
	if capacity < 2 {
		capacity = 2
	}

	r := &RecentRejects{
		capacity: uint64(capacity), //nolint:gosec // checked above
		fpRate:   fpRate,
	}

	r.current = r.newFilter()

	return r
}

func (r *RecentRejects) newFilter() *blobloom.Filter {
	return blobloom.NewOptimized(blobloom.Config{
		Capacity: r.capacity / 2,
		FPRate:   r.fpRate,
	})
}

func (r *RecentRejects) Add(txID chainhash.Hash) {
	h := xxhash.Sum64(txID[:])

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count >= r.capacity/2 {
		r.previous = r.current
		r.current = r.newFilter()
		r.count = 0
	}

	r.current.Add(h)
	r.count++
}

func (r *RecentRejects) Contains(txID chainhash.Hash) bool {
	h := xxhash.Sum64(txID[:])

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.current.Has(h) || (r.previous != nil && r.previous.Has(h))
}

// Reset forgets all rejects. It is called whenever the chain tip changes, since a rejected
// transaction may have become valid.
func (r *RecentRejects) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.current.Clear()
	r.previous = nil
	r.count = 0
}
