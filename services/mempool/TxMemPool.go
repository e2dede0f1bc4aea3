// Package mempool keeps the unconfirmed transactions that were accepted by the validator,
// with the in-pool ancestor and descendant relations needed to enforce the chain limits.
//
// Structural changes are made from the validation engine's strand. The pool still locks
// internally so lookups from other goroutines are safe.
package mempool

import (
	"sort"
	"sync"
	"time"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/chainvalidator/ulogger"
	"github.com/bsv-blockchain/chainvalidator/util"
	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/dolthub/swiss"
)

// Limits bounds the in-pool chain of unconfirmed ancestors and descendants of a transaction.
// Counts include the transaction itself.
type Limits struct {
	AncestorCount   int
	AncestorSize    int64
	DescendantCount int
	DescendantSize  int64
}

type delta struct {
	priority float64
	fee      int64
}

// RemovalReason is used as the label of the removal metric.
type RemovalReason string

const (
	ReasonBlock    RemovalReason = "block"
	ReasonConflict RemovalReason = "conflict"
	ReasonReorg    RemovalReason = "reorg"
	ReasonExpiry   RemovalReason = "expiry"
	ReasonSizeTrim RemovalReason = "sizelimit"
	ReasonUnknown  RemovalReason = "unknown"
)

type TxMemPool struct {
	logger ulogger.Logger

	mu         sync.RWMutex
	entries    *swiss.Map[chainhash.Hash, *Entry]
	spenders   *swiss.Map[model.Outpoint, *Entry]
	deltas     map[chainhash.Hash]delta
	totalBytes int64

	transactionsUpdated uint64
}

func New(logger ulogger.Logger) *TxMemPool {
	initPrometheusMetrics()

	return &TxMemPool{
		logger:   logger,
		entries:  swiss.NewMap[chainhash.Hash, *Entry](1024),
		spenders: swiss.NewMap[model.Outpoint, *Entry](4096),
		deltas:   make(map[chainhash.Hash]delta),
	}
}

// Lookup returns the transaction with txID, nil when it is not in the pool.
func (mp *TxMemPool) Lookup(txID chainhash.Hash) *bt.Tx {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	if e, ok := mp.entries.Get(txID); ok {
		return e.Tx
	}

	return nil
}

// Get returns the entry of txID. The entry must not be modified.
func (mp *TxMemPool) Get(txID chainhash.Hash) (*Entry, bool) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return mp.entries.Get(txID)
}

func (mp *TxMemPool) Exists(txID chainhash.Hash) bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return mp.entries.Has(txID)
}

// GetSpender returns the pool transaction spending outpoint.
func (mp *TxMemPool) GetSpender(outpoint model.Outpoint) (*bt.Tx, bool) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	if e, ok := mp.spenders.Get(outpoint); ok {
		return e.Tx, true
	}

	return nil, false
}

// Size returns the number of transactions in the pool.
func (mp *TxMemPool) Size() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return mp.entries.Count()
}

// Bytes returns the total serialized size of the pool.
func (mp *TxMemPool) Bytes() int64 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return mp.totalBytes
}

// TransactionsUpdated counts the insertions and removals since the pool was created.
func (mp *TxMemPool) TransactionsUpdated() uint64 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return mp.transactionsUpdated
}

// TxIDs returns the ids of all transactions in the pool, in no particular order.
func (mp *TxMemPool) TxIDs() []chainhash.Hash {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	txIDs := make([]chainhash.Hash, 0, mp.entries.Count())

	mp.entries.Iter(func(txID chainhash.Hash, _ *Entry) bool {
		txIDs = append(txIDs, txID)
		return false
	})

	return txIDs
}

// CalculateMemPoolAncestors returns the in-pool ancestors of an entry that is not yet in the
// pool, checking that adding it keeps every chain within limits.
func (mp *TxMemPool) CalculateMemPoolAncestors(entry *Entry, limits Limits) ([]*Entry, error) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return mp.calculateAncestors(entry, mp.parentsOf(entry.Tx), limits)
}

func (mp *TxMemPool) calculateAncestors(entry *Entry, parents map[chainhash.Hash]*Entry, limits Limits) ([]*Entry, error) {
	if len(parents)+1 > limits.AncestorCount {
		return nil, errors.NewTxRejectError(errors.RejectNonstandard, 0, "too-long-mempool-chain", errors.NewThresholdExceededError("too many unconfirmed parents [limit: %d]", limits.AncestorCount))
	}

	ancestors := make([]*Entry, 0, len(parents))
	seen := make(map[chainhash.Hash]struct{}, len(parents))
	totalSize := entry.Size

	queue := make([]*Entry, 0, len(parents))
	for _, p := range parents {
		queue = append(queue, p)
	}

	for len(queue) > 0 {
		stage := queue[0]
		queue = queue[1:]

		if _, ok := seen[stage.TxID]; ok {
			continue
		}

		seen[stage.TxID] = struct{}{}
		ancestors = append(ancestors, stage)
		totalSize += stage.Size

		if stage.sizeWithDescendants+entry.Size > limits.DescendantSize {
			return nil, errors.NewTxRejectError(errors.RejectNonstandard, 0, "too-long-mempool-chain", errors.NewThresholdExceededError("exceeds descendant size limit for tx %s [limit: %d]", stage.TxID, limits.DescendantSize))
		}

		if stage.countWithDescendants+1 > limits.DescendantCount {
			return nil, errors.NewTxRejectError(errors.RejectNonstandard, 0, "too-long-mempool-chain", errors.NewThresholdExceededError("too many descendants for tx %s [limit: %d]", stage.TxID, limits.DescendantCount))
		}

		if len(ancestors)+1 > limits.AncestorCount {
			return nil, errors.NewTxRejectError(errors.RejectNonstandard, 0, "too-long-mempool-chain", errors.NewThresholdExceededError("too many unconfirmed ancestors [limit: %d]", limits.AncestorCount))
		}

		if totalSize > limits.AncestorSize {
			return nil, errors.NewTxRejectError(errors.RejectNonstandard, 0, "too-long-mempool-chain", errors.NewThresholdExceededError("exceeds ancestor size limit [limit: %d]", limits.AncestorSize))
		}

		for _, p := range stage.parents {
			queue = append(queue, p)
		}
	}

	return ancestors, nil
}

func (mp *TxMemPool) parentsOf(tx *bt.Tx) map[chainhash.Hash]*Entry {
	parents := make(map[chainhash.Hash]*Entry)

	for _, input := range tx.Inputs {
		if p, ok := mp.entries.Get(*input.PreviousTxIDChainHash()); ok {
			parents[p.TxID] = p
		}
	}

	return parents
}

func unlimited() Limits {
	const maxInt = int(^uint(0) >> 1)

	return Limits{
		AncestorCount:   maxInt,
		AncestorSize:    1<<63 - 1,
		DescendantCount: maxInt,
		DescendantSize:  1<<63 - 1,
	}
}

// InsertTx adds entry to the pool. The limits must have been checked with
// CalculateMemPoolAncestors. It returns false when the transaction is already in the pool.
func (mp *TxMemPool) InsertTx(entry *Entry) bool {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	if mp.entries.Has(entry.TxID) {
		return false
	}

	parents := mp.parentsOf(entry.Tx)

	ancestors, _ := mp.calculateAncestors(entry, parents, unlimited())

	if d, ok := mp.deltas[entry.TxID]; ok {
		entry.feeDelta = d.fee
	}

	modifiedFee := entry.ModifiedFee()
	entry.feesWithAncestors = modifiedFee
	entry.feesWithDescendants = modifiedFee
	entry.countWithAncestors = 1 + len(ancestors)
	entry.sizeWithAncestors = entry.Size

	for _, a := range ancestors {
		a.countWithDescendants++
		a.sizeWithDescendants += entry.Size
		a.feesWithDescendants += modifiedFee

		entry.sizeWithAncestors += a.Size
		entry.feesWithAncestors += a.ModifiedFee()
	}

	for _, p := range parents {
		entry.parents[p.TxID] = p
		p.children[entry.TxID] = entry
	}

	for _, input := range entry.Tx.Inputs {
		mp.spenders.Put(model.NewOutpoint(*input.PreviousTxIDChainHash(), input.PreviousTxOutIndex), entry)
	}

	mp.entries.Put(entry.TxID, entry)
	mp.totalBytes += entry.Size
	mp.transactionsUpdated++

	mp.updateMetrics()

	return true
}

func (mp *TxMemPool) descendantsOf(entry *Entry) []*Entry {
	var descendants []*Entry

	seen := map[chainhash.Hash]struct{}{entry.TxID: {}}
	queue := []*Entry{entry}

	for len(queue) > 0 {
		stage := queue[0]
		queue = queue[1:]

		for _, c := range stage.children {
			if _, ok := seen[c.TxID]; ok {
				continue
			}

			seen[c.TxID] = struct{}{}
			descendants = append(descendants, c)
			queue = append(queue, c)
		}
	}

	return descendants
}

func (mp *TxMemPool) ancestorsOf(entry *Entry) []*Entry {
	var ancestors []*Entry

	seen := map[chainhash.Hash]struct{}{entry.TxID: {}}
	queue := []*Entry{entry}

	for len(queue) > 0 {
		stage := queue[0]
		queue = queue[1:]

		for _, p := range stage.parents {
			if _, ok := seen[p.TxID]; ok {
				continue
			}

			seen[p.TxID] = struct{}{}
			ancestors = append(ancestors, p)
			queue = append(queue, p)
		}
	}

	return ancestors
}

// removeEntry unlinks a single entry, keeping the totals of the remaining entries correct.
func (mp *TxMemPool) removeEntry(entry *Entry, reason RemovalReason) {
	modifiedFee := entry.ModifiedFee()

	for _, a := range mp.ancestorsOf(entry) {
		a.countWithDescendants--
		a.sizeWithDescendants -= entry.Size
		a.feesWithDescendants -= modifiedFee
	}

	for _, d := range mp.descendantsOf(entry) {
		d.countWithAncestors--
		d.sizeWithAncestors -= entry.Size
		d.feesWithAncestors -= modifiedFee
	}

	for _, p := range entry.parents {
		delete(p.children, entry.TxID)
	}

	for _, c := range entry.children {
		delete(c.parents, entry.TxID)
	}

	for _, input := range entry.Tx.Inputs {
		outpoint := model.NewOutpoint(*input.PreviousTxIDChainHash(), input.PreviousTxOutIndex)
		if spender, ok := mp.spenders.Get(outpoint); ok && spender == entry {
			mp.spenders.Delete(outpoint)
		}
	}

	mp.entries.Delete(entry.TxID)
	mp.totalBytes -= entry.Size
	mp.transactionsUpdated++

	prometheusMempoolRemoved.WithLabelValues(string(reason)).Inc()
}

// removeWithDescendants removes the entries and everything depending on them, returning the
// removed transactions in an order where parents come before their children.
func (mp *TxMemPool) removeWithDescendants(roots []*Entry, reason RemovalReason) []*bt.Tx {
	stage := make(map[chainhash.Hash]*Entry)

	for _, root := range roots {
		stage[root.TxID] = root

		for _, d := range mp.descendantsOf(root) {
			stage[d.TxID] = d
		}
	}

	ordered := make([]*Entry, 0, len(stage))
	for _, e := range stage {
		ordered = append(ordered, e)
	}

	// an entry has strictly more ancestors than each of its parents
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].countWithAncestors < ordered[j].countWithAncestors
	})

	removed := make([]*bt.Tx, 0, len(ordered))

	for i := len(ordered) - 1; i >= 0; i-- {
		mp.removeEntry(ordered[i], reason)
	}

	for _, e := range ordered {
		removed = append(removed, e.Tx)
	}

	mp.updateMetrics()

	return removed
}

// RemoveRecursive removes tx and all its in-pool descendants. When tx itself is not in the
// pool, the pool transactions spending its outputs are removed instead.
func (mp *TxMemPool) RemoveRecursive(tx *bt.Tx) []*bt.Tx {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	txID := *tx.TxIDChainHash()

	if e, ok := mp.entries.Get(txID); ok {
		return mp.removeWithDescendants([]*Entry{e}, ReasonUnknown)
	}

	var roots []*Entry

	for i := range tx.Outputs {
		if spender, ok := mp.spenders.Get(model.NewOutpoint(txID, uint32(i))); ok { //nolint:gosec // output count is bounded by the tx size
			roots = append(roots, spender)
		}
	}

	return mp.removeWithDescendants(roots, ReasonUnknown)
}

// RemoveForBlock removes the transactions of a connected block and every pool transaction
// conflicting with them. Descendants of included transactions stay in the pool. The removed
// conflicts are returned.
func (mp *TxMemPool) RemoveForBlock(txs []*bt.Tx) (conflicted []*bt.Tx) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	for _, tx := range txs {
		txID := *tx.TxIDChainHash()

		if e, ok := mp.entries.Get(txID); ok {
			mp.removeEntry(e, ReasonBlock)
		}

		if tx.IsCoinbase() {
			continue
		}

		var conflicts []*Entry

		for _, input := range tx.Inputs {
			spender, ok := mp.spenders.Get(model.NewOutpoint(*input.PreviousTxIDChainHash(), input.PreviousTxOutIndex))
			if ok && spender.TxID != txID {
				conflicts = append(conflicts, spender)
			}
		}

		if len(conflicts) > 0 {
			conflicted = append(conflicted, mp.removeWithDescendants(conflicts, ReasonConflict)...)
		}

		delete(mp.deltas, txID)
	}

	mp.updateMetrics()

	return conflicted
}

// RemoveForReorg removes the transactions that can no longer be mined in the block after the
// new tip at tipHeight: those that are not final, whose sequence locks are not satisfied, or
// that spend a coinbase that is no longer mature. medianTimePast is the MTP of the tip.
func (mp *TxMemPool) RemoveForReorg(tipHeight int32, medianTimePast int64, coinbaseMaturity int32) []*bt.Tx {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	nextHeight := tipHeight + 1

	var roots []*Entry

	mp.entries.Iter(func(_ chainhash.Hash, e *Entry) bool {
		switch {
		case !util.IsFinalTx(e.Tx, nextHeight, medianTimePast):
			roots = append(roots, e)
		case e.LockPoints.Height >= nextHeight || e.LockPoints.Time >= medianTimePast:
			roots = append(roots, e)
		case e.SpendsCoinbaseHeight >= 0 && nextHeight-e.SpendsCoinbaseHeight < coinbaseMaturity:
			roots = append(roots, e)
		}

		return false
	})

	if len(roots) == 0 {
		return nil
	}

	mp.logger.Infof("[TxMemPool:RemoveForReorg] removing %d transactions no longer valid at height %d", len(roots), nextHeight)

	return mp.removeWithDescendants(roots, ReasonReorg)
}

// Expire removes the transactions that entered the pool before cutoff, with their descendants.
func (mp *TxMemPool) Expire(cutoff time.Time) int {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	var roots []*Entry

	mp.entries.Iter(func(_ chainhash.Hash, e *Entry) bool {
		if e.Time.Before(cutoff) {
			roots = append(roots, e)
		}

		return false
	})

	return len(mp.removeWithDescendants(roots, ReasonExpiry))
}

// TrimToSize evicts the packages with the lowest fee rate, counting descendants, until the
// pool is at most sizeLimit bytes.
func (mp *TxMemPool) TrimToSize(sizeLimit int64) []*bt.Tx {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	var removed []*bt.Tx

	for mp.totalBytes > sizeLimit && mp.entries.Count() > 0 {
		var worst *Entry

		mp.entries.Iter(func(_ chainhash.Hash, e *Entry) bool {
			// compare fee rates without dividing: a/b < c/d <=> a*d < c*b
			if worst == nil || e.feesWithDescendants*worst.sizeWithDescendants < worst.feesWithDescendants*e.sizeWithDescendants {
				worst = e
			}

			return false
		})

		removed = append(removed, mp.removeWithDescendants([]*Entry{worst}, ReasonSizeTrim)...)
	}

	return removed
}

// PrioritiseTransaction adds to the priority and fee used for mining and eviction decisions.
// The deltas are kept when the transaction is not (yet) in the pool.
func (mp *TxMemPool) PrioritiseTransaction(txID chainhash.Hash, priorityDelta float64, feeDelta int64) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	d := mp.deltas[txID]
	d.priority += priorityDelta
	d.fee += feeDelta
	mp.deltas[txID] = d

	e, ok := mp.entries.Get(txID)
	if !ok || feeDelta == 0 {
		return
	}

	e.feeDelta += feeDelta
	e.feesWithAncestors += feeDelta
	e.feesWithDescendants += feeDelta

	for _, a := range mp.ancestorsOf(e) {
		a.feesWithDescendants += feeDelta
	}

	for _, desc := range mp.descendantsOf(e) {
		desc.feesWithAncestors += feeDelta
	}

	mp.logger.Debugf("[TxMemPool:PrioritiseTransaction] %s priority %+.1f fee %+d", txID, priorityDelta, feeDelta)
}

// ApplyDeltas adds the deltas set for txID to priority and fee.
func (mp *TxMemPool) ApplyDeltas(txID chainhash.Hash, priority *float64, fee *int64) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	if d, ok := mp.deltas[txID]; ok {
		*priority += d.priority
		*fee += d.fee
	}
}

func (mp *TxMemPool) ClearPrioritisation(txID chainhash.Hash) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	delete(mp.deltas, txID)
}

// Clear empties the pool. Deltas are kept.
func (mp *TxMemPool) Clear() {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.entries.Clear()
	mp.spenders.Clear()
	mp.totalBytes = 0
	mp.transactionsUpdated++

	mp.updateMetrics()
}

func (mp *TxMemPool) updateMetrics() {
	prometheusMempoolSize.Set(float64(mp.entries.Count()))
	prometheusMempoolBytes.Set(float64(mp.totalBytes))
}
