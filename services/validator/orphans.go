package validator

import (
	"context"
	"sync"
	"time"

	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/jellydator/ttlcache/v3"
)

// OrphanTx is a transaction waiting for one of its parents.
type OrphanTx struct {
	Tx         *bt.Tx
	TxID       chainhash.Hash
	Flags      TxFlags
	OriginPeer int64
	Missing    []chainhash.Hash
}

// OrphanPool holds transactions with unknown inputs until their parents arrive. The pool is
// bounded in count and in transaction size; orphans expire after a TTL and the oldest orphan
// is evicted when the pool is full.
type OrphanPool struct {
	maxTxSize int

	mu       sync.Mutex
	cache    *ttlcache.Cache[chainhash.Hash, *OrphanTx]
	byParent map[chainhash.Hash]map[chainhash.Hash]struct{}
	stopOnce sync.Once
}

func NewOrphanPool(maxTxs, maxTxSize int, expiry time.Duration) *OrphanPool {
	initPrometheusMetrics()

	if maxTxs < 1 {
		maxTxs = 1
	}

	cache := ttlcache.New[chainhash.Hash, *OrphanTx](
		ttlcache.WithTTL[chainhash.Hash, *OrphanTx](expiry),
		ttlcache.WithCapacity[chainhash.Hash, *OrphanTx](uint64(maxTxs)), //nolint:gosec // checked above
		ttlcache.WithDisableTouchOnHit[chainhash.Hash, *OrphanTx](),
	)

	cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, _ *ttlcache.Item[chainhash.Hash, *OrphanTx]) {
		switch reason {
		case ttlcache.EvictionReasonExpired:
			prometheusOrphansEvicted.WithLabelValues("expired").Inc()
		case ttlcache.EvictionReasonCapacityReached:
			prometheusOrphansEvicted.WithLabelValues("capacity").Inc()
		}
	})

	go cache.Start()

	return &OrphanPool{
		maxTxSize: maxTxSize,
		cache:     cache,
		byParent:  make(map[chainhash.Hash]map[chainhash.Hash]struct{}),
	}
}

// Add stores orphan. It returns false when the transaction is too large to be kept.
func (o *OrphanPool) Add(orphan *OrphanTx) bool {
	if orphan.Tx.Size() > o.maxTxSize {
		return false
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cache.Has(orphan.TxID) {
		return true
	}

	o.cache.Set(orphan.TxID, orphan, ttlcache.DefaultTTL)

	for _, parent := range orphan.Missing {
		children, ok := o.byParent[parent]
		if !ok {
			children = make(map[chainhash.Hash]struct{})
			o.byParent[parent] = children
		}

		children[orphan.TxID] = struct{}{}
	}

	prometheusOrphans.Set(float64(o.cache.Len()))

	return true
}

func (o *OrphanPool) Get(txID chainhash.Hash) (*OrphanTx, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	item := o.cache.Get(txID)
	if item == nil {
		return nil, false
	}

	return item.Value(), true
}

func (o *OrphanPool) Has(txID chainhash.Hash) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.cache.Has(txID)
}

// Children returns the orphans waiting for parent, dropping index entries of orphans that
// were evicted or expired.
func (o *OrphanPool) Children(parent chainhash.Hash) []*OrphanTx {
	o.mu.Lock()
	defer o.mu.Unlock()

	children, ok := o.byParent[parent]
	if !ok {
		return nil
	}

	orphans := make([]*OrphanTx, 0, len(children))

	for txID := range children {
		item := o.cache.Get(txID)
		if item == nil {
			delete(children, txID)
			continue
		}

		orphans = append(orphans, item.Value())
	}

	if len(children) == 0 {
		delete(o.byParent, parent)
	}

	return orphans
}

// Remove drops an orphan, typically once it was accepted or rejected.
func (o *OrphanPool) Remove(txID chainhash.Hash) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.remove(txID)
}

func (o *OrphanPool) remove(txID chainhash.Hash) {
	item := o.cache.Get(txID)
	if item == nil {
		return
	}

	for _, parent := range item.Value().Missing {
		if children, ok := o.byParent[parent]; ok {
			delete(children, txID)

			if len(children) == 0 {
				delete(o.byParent, parent)
			}
		}
	}

	o.cache.Delete(txID)

	prometheusOrphans.Set(float64(o.cache.Len()))
}

// EraseOrphansFor drops every orphan received from peer and returns how many were dropped.
func (o *OrphanPool) EraseOrphansFor(peer int64) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	var txIDs []chainhash.Hash

	for txID, item := range o.cache.Items() {
		if item.Value().OriginPeer == peer {
			txIDs = append(txIDs, txID)
		}
	}

	for _, txID := range txIDs {
		o.remove(txID)
	}

	return len(txIDs)
}

// Expire removes the orphans whose TTL has passed.
func (o *OrphanPool) Expire() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.cache.DeleteExpired()

	prometheusOrphans.Set(float64(o.cache.Len()))
}

func (o *OrphanPool) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.cache.Len()
}

// Stop ends the expiry loop of the pool. Later calls do nothing.
func (o *OrphanPool) Stop() {
	o.stopOnce.Do(o.cache.Stop)
}

// Clear drops all orphans.
func (o *OrphanPool) Clear() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.cache.DeleteAll()
	o.byParent = make(map[chainhash.Hash]map[chainhash.Hash]struct{})

	prometheusOrphans.Set(0)
}
