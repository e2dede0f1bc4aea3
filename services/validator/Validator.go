package validator

import (
	"context"
	"time"

	"github.com/bsv-blockchain/chainvalidator/chaincfg"
	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/chainvalidator/services/mempool"
	"github.com/bsv-blockchain/chainvalidator/settings"
	"github.com/bsv-blockchain/chainvalidator/stores/utxo"
	"github.com/bsv-blockchain/chainvalidator/ulogger"
	"github.com/bsv-blockchain/chainvalidator/util"
	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
)

// freePriorityThreshold is the coin age priority above which a transaction may be relayed
// without a fee: one coin, one day old, in a 250 byte transaction.
const freePriorityThreshold = 100_000_000 * 144 / 250

// Listener receives the events of mempool acceptance.
type Listener interface {
	TransactionAccepted(tx *bt.Tx)
	DoubleSpendFound(first, second *bt.Tx, proofID int)
	PunishPeer(peer int64, score int, reason string)
}

// NoopListener ignores every event.
type NoopListener struct{}

func (NoopListener) TransactionAccepted(*bt.Tx)           {}
func (NoopListener) DoubleSpendFound(*bt.Tx, *bt.Tx, int) {}
func (NoopListener) PunishPeer(int64, int, string)        {}

// ChainView is the part of the chain state mempool acceptance depends on.
type ChainView interface {
	Tip() *model.BlockIndex
	UtxoStore() utxo.Store
}

// Validator accepts transactions to the mempool. It is not safe for concurrent use, the
// validation engine calls it from its strand only.
type Validator struct {
	logger   ulogger.Logger
	settings *settings.Settings
	params   *chaincfg.Params

	chain   ChainView
	mempool *mempool.TxMemPool

	verifier ScriptVerifier
	listener Listener

	orphans       *OrphanPool
	recentRejects *RecentRejects
	dsProofs      *DoubleSpendProofs
	freeLimiter   *FreeRelayLimiter
}

func New(logger ulogger.Logger, tSettings *settings.Settings, opts ...Option) *Validator {
	initPrometheusMetrics()

	options := ProcessOptions(opts...)

	return &Validator{
		logger:        logger,
		settings:      tSettings,
		params:        tSettings.ChainCfgParams,
		verifier:      options.verifier,
		listener:      options.listener,
		orphans:       NewOrphanPool(tSettings.Mempool.MaxOrphanTxs, tSettings.Mempool.MaxOrphanTxSize, tSettings.Mempool.OrphanTxExpiry),
		recentRejects: NewRecentRejects(tSettings.Mempool.RecentRejectsSize, tSettings.Mempool.RecentRejectsFPRate),
		dsProofs:      NewDoubleSpendProofs(tSettings.Mempool.DoubleSpendProofsExpiry),
		freeLimiter:   NewFreeRelayLimiter(tSettings.Mempool.LimitFreeRelay, tSettings.Mempool.FreeRelayHalfLife),
	}
}

func (v *Validator) SetChain(chain ChainView) {
	v.chain = chain
}

func (v *Validator) SetMempool(mp *mempool.TxMemPool) {
	v.mempool = mp
}

func (v *Validator) SetListener(listener Listener) {
	if listener == nil {
		listener = NoopListener{}
	}

	v.listener = listener
}

func (v *Validator) Mempool() *mempool.TxMemPool {
	return v.mempool
}

func (v *Validator) Orphans() *OrphanPool {
	return v.orphans
}

func (v *Validator) DoubleSpendProofs() *DoubleSpendProofs {
	return v.dsProofs
}

// TipChanged must be called whenever the active chain tip moves. Transactions rejected
// against the previous tip may be valid against the new one.
func (v *Validator) TipChanged() {
	v.recentRejects.Reset()
}

// EraseOrphansFor drops the orphans received from peer, typically after it disconnected.
func (v *Validator) EraseOrphansFor(peer int64) int {
	return v.orphans.EraseOrphansFor(peer)
}

func (v *Validator) Close() {
	v.orphans.Stop()
}

// AcceptToMemoryPool validates state.Tx against the active chain and the mempool, inserts it
// and resolves state. Transactions with unknown parents are kept as orphans and resolve with
// the missing inputs reason; an accepted transaction releases the orphans that were waiting
// for it.
func (v *Validator) AcceptToMemoryPool(ctx context.Context, state *TxValidationState) error {
	start := time.Now()

	err := v.acceptToMemoryPool(ctx, state)

	prometheusAcceptToMemoryPool.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		v.accepted(state)
		v.processOrphans(ctx, state.TxID)
	case errors.IsMissingInputs(err):
		v.addOrphan(state, err)
	default:
		v.rejected(state, err)
	}

	return err
}

func (v *Validator) accepted(state *TxValidationState) {
	v.logger.Debugf("[Validator:AcceptToMemoryPool] accepted %s", state.TxID)

	prometheusTransactionsAccepted.Inc()

	state.Resolve(nil)
	v.listener.TransactionAccepted(state.Tx)
}

func (v *Validator) rejected(state *TxValidationState, err error) {
	state.Resolve(err)

	rejectData, ok := errors.GetRejectData(err)
	if !ok {
		// not a validation failure, e.g. a storage error or shutdown
		v.logger.Warnf("[Validator:AcceptToMemoryPool] failed to validate %s: %v", state.TxID, err)
		return
	}

	v.logger.Debugf("[Validator:AcceptToMemoryPool] rejected %s: %s", state.TxID, errors.RejectReason(err))

	prometheusTransactionsRejected.WithLabelValues(rejectData.RejectCode.String()).Inc()

	// an absurd fee only concerns the local submitter, the transaction may be relayed later
	switch {
	case rejectData.CorruptionPossible:
	case rejectData.RejectCode == errors.RejectAlreadyKnown, rejectData.RejectCode == errors.RejectHighFee:
	default:
		v.recentRejects.Add(state.TxID)
	}

	if rejectData.Punishment > 0 && state.OriginPeer >= 0 {
		v.listener.PunishPeer(state.OriginPeer, rejectData.Punishment, rejectData.Reason)
	}
}

func (v *Validator) addOrphan(state *TxValidationState, err error) {
	state.Resolve(err)

	missing := missingParents(state.Tx, err)

	for _, parent := range missing {
		if v.recentRejects.Contains(parent) {
			v.logger.Debugf("[Validator:AcceptToMemoryPool] not keeping orphan %s, parent %s was rejected", state.TxID, parent)
			v.recentRejects.Add(state.TxID)

			return
		}
	}

	if !v.orphans.Add(&OrphanTx{
		Tx:         state.Tx,
		TxID:       state.TxID,
		Flags:      state.Flags,
		OriginPeer: state.OriginPeer,
		Missing:    missing,
	}) {
		v.logger.Debugf("[Validator:AcceptToMemoryPool] orphan %s is too large to keep", state.TxID)
	}
}

// processOrphans re-runs acceptance for the orphans waiting on parent and, transitively, on
// every orphan accepted along the way.
func (v *Validator) processOrphans(ctx context.Context, parent chainhash.Hash) {
	queue := []chainhash.Hash{parent}

	for len(queue) > 0 {
		txID := queue[0]
		queue = queue[1:]

		for _, orphan := range v.orphans.Children(txID) {
			state := NewTxValidationState(orphan.Tx, orphan.Flags, orphan.OriginPeer)

			err := v.acceptToMemoryPool(ctx, state)

			switch {
			case err == nil:
				v.orphans.Remove(orphan.TxID)
				v.accepted(state)

				queue = append(queue, orphan.TxID)
			case errors.IsMissingInputs(err):
				// still waiting for another parent
			default:
				v.orphans.Remove(orphan.TxID)
				v.rejected(state, err)
			}
		}
	}
}

// missingParents returns the parents recorded by acceptToMemoryPool in a missing inputs error.
func missingParents(tx *bt.Tx, err error) []chainhash.Hash {
	var tErr *errors.Error
	if errors.As(err, &tErr) {
		if parents, ok := tErr.GetData("missing").([]chainhash.Hash); ok {
			return parents
		}
	}

	seen := make(map[chainhash.Hash]struct{})
	parents := make([]chainhash.Hash, 0, len(tx.Inputs))

	for _, input := range tx.Inputs {
		parent := *input.PreviousTxIDChainHash()
		if _, ok := seen[parent]; !ok {
			seen[parent] = struct{}{}
			parents = append(parents, parent)
		}
	}

	return parents
}

func alreadyKnown(reason string) error {
	return errors.NewTxRejectError(errors.RejectAlreadyKnown, 0, reason)
}

//nolint:gocognit,gocyclo // mirrors the order of the acceptance rules
func (v *Validator) acceptToMemoryPool(ctx context.Context, state *TxValidationState) error {
	if v.chain == nil || v.mempool == nil {
		return errors.NewServiceNotStartedError("validator has no chain or mempool")
	}

	tx := state.Tx
	txID := state.TxID

	tip := v.chain.Tip()
	if tip == nil {
		return errors.NewServiceNotStartedError("no active chain")
	}

	flags := NewValidationFlags(tip, v.params)
	nextHeight := tip.Height + 1
	policy := v.settings.Policy

	if tx.IsCoinbase() {
		return errors.NewTxRejectError(errors.RejectInvalid, 100, "coinbase")
	}

	if err := CheckRegularTransaction(tx); err != nil {
		return err
	}

	if flags.MagneticAnomaly && tx.Size() < MinTxSize {
		return errors.NewTxRejectError(errors.RejectInvalid, 100, "bad-txns-undersize")
	}

	if policy.RequireStandard {
		if err := IsStandardTx(tx, policy); err != nil {
			return err
		}
	}

	if !flags.CSV && tx.Version >= 2 {
		return nonStandard("version")
	}

	// mempool finality is judged by the next block, against the tip's median time past
	if !util.IsFinalTx(tx, nextHeight, tip.MedianTimePast()) {
		return nonStandard("non-final")
	}

	if v.mempool.Exists(txID) {
		return alreadyKnown("txn-already-known")
	}

	if state.Flags&FlagFromMempool == 0 && v.recentRejects.Contains(txID) {
		return alreadyKnown("txn-already-known")
	}

	for _, input := range tx.Inputs {
		outpoint := model.NewOutpoint(*input.PreviousTxIDChainHash(), input.PreviousTxOutIndex)

		if spender, ok := v.mempool.GetSpender(outpoint); ok {
			proof := v.dsProofs.Add(outpoint, spender, tx)
			v.listener.DoubleSpendFound(spender, tx, proof.ID)

			return errors.NewDoubleSpendError(outpoint.TxID, outpoint.Index, *spender.TxIDChainHash(), txID, tx.Bytes(), proof.ID)
		}
	}

	utxoStore := v.chain.UtxoStore()

	coins := make([]*model.Coin, len(tx.Inputs))
	coinHeights := make([]int32, len(tx.Inputs))
	spendsCoinbaseHeight := int32(-1)

	var (
		missing           []chainhash.Hash
		inChainInputValue uint64
		priority          float64
	)

	for i, input := range tx.Inputs {
		outpoint := model.NewOutpoint(*input.PreviousTxIDChainHash(), input.PreviousTxOutIndex)

		if parent := v.mempool.Lookup(outpoint.TxID); parent != nil {
			if int(outpoint.Index) >= len(parent.Outputs) {
				return errors.NewTxRejectError(errors.RejectInvalid, 0, "bad-txns-inputs-missingorspent")
			}

			output := parent.Outputs[outpoint.Index]
			coins[i] = &model.Coin{
				Satoshis:      output.Satoshis,
				LockingScript: scriptBytes(output.LockingScript),
				Height:        uint32(nextHeight), //nolint:gosec // heights are positive
			}
			coinHeights[i] = nextHeight

			continue
		}

		coin, err := utxoStore.Find(ctx, outpoint)
		if err != nil {
			return errors.NewStorageError("failed to look up %s", outpoint, err)
		}

		if coin == nil {
			missing = append(missing, outpoint.TxID)
			continue
		}

		coins[i] = coin
		coinHeights[i] = int32(coin.Height) //nolint:gosec // heights are positive

		if coin.IsCoinbase && coinHeights[i] > spendsCoinbaseHeight {
			spendsCoinbaseHeight = coinHeights[i]
		}

		inChainInputValue += coin.Satoshis
		priority += float64(coin.Satoshis) * float64(nextHeight-coinHeights[i])
	}

	if len(missing) > 0 {
		// outputs of our own already in the set mean the transaction was mined
		for i := range tx.Outputs {
			coin, err := utxoStore.Find(ctx, model.NewOutpoint(txID, uint32(i))) //nolint:gosec // output count is bounded
			if err != nil {
				return errors.NewStorageError("failed to look up %s:%d", txID, i, err)
			}

			if coin != nil {
				return alreadyKnown("txn-already-known")
			}
		}

		missingErr := errors.New(errors.ERR_TX_MISSING_PARENT, "bad-txns-inputs-missingorspent")
		missingErr.SetData("missing", missing)

		return missingErr
	}

	lockPoints := mempool.NoLockPoints

	if flags.CSV {
		lock, err := CheckSequenceLocks(tx, coinHeights, tip, errors.RejectNonstandard, 0, "non-BIP68-final")
		if err != nil {
			return err
		}

		lockPoints = mempool.LockPoints{Height: lock.MinHeight, Time: lock.MinTime}
	}

	fee, err := CheckTxInputs(tx, coins, nextHeight, v.params)
	if err != nil {
		return err
	}

	if policy.RequireStandard && !AreInputsStandard(tx, coins) {
		return nonStandard("bad-txns-nonstandard-inputs")
	}

	sigOps := GetTransactionSigOpCount(tx, coins, flags)
	if sigOps > policy.MaxTxSigOpsPolicy {
		return nonStandard("bad-txns-too-many-sigops", errors.NewThresholdExceededError("%d sigops", sigOps))
	}

	size := tx.Size()
	if size > 0 {
		priority /= float64(size)
	}

	entry := mempool.NewEntry(tx, fee, tip.Height, priority, inChainInputValue)
	entry.SigOps = sigOps
	entry.SpendsCoinbaseHeight = spendsCoinbaseHeight
	entry.LockPoints = lockPoints

	modifiedFee := int64(fee) //nolint:gosec // fees are bounded by the money supply
	modifiedPriority := priority
	v.mempool.ApplyDeltas(txID, &modifiedPriority, &modifiedFee)

	minRelayFee := v.settings.Mempool.MinRelayTxFee * int64(size) / 1000

	if state.Flags&FlagNoFeeCheck == 0 && modifiedFee < minRelayFee {
		if modifiedPriority <= freePriorityThreshold {
			return errors.NewTxRejectError(errors.RejectInsufficientFee, 0, "insufficient priority",
				errors.NewThresholdExceededError("fee %d < %d", modifiedFee, minRelayFee))
		}

		if !v.freeLimiter.Allow(size) {
			return errors.NewTxRejectError(errors.RejectInsufficientFee, 0, "rate limited free transaction")
		}
	}

	if state.Flags&FlagRejectAbsurdFee != 0 && policy.AbsurdFeeMultiplier > 0 {
		maxFee := minRelayFee * policy.AbsurdFeeMultiplier
		if int64(fee) > maxFee { //nolint:gosec // fees are bounded by the money supply
			return errors.NewTxRejectError(errors.RejectHighFee, 0, "absurdly-high-fee",
				errors.NewThresholdExceededError("%d > %d", fee, maxFee))
		}
	}

	limits := mempool.Limits{
		AncestorCount:   v.settings.Mempool.LimitAncestorCount,
		AncestorSize:    v.settings.Mempool.LimitAncestorSize,
		DescendantCount: v.settings.Mempool.LimitDescendantCount,
		DescendantSize:  v.settings.Mempool.LimitDescendantSize,
	}

	if _, err = v.mempool.CalculateMemPoolAncestors(entry, limits); err != nil {
		return err
	}

	if err = CheckInputScripts(v.verifier, tx, coins, flags.StandardScriptFlags(), flags.ScriptFlags()); err != nil {
		return err
	}

	if !v.mempool.InsertTx(entry) {
		return alreadyKnown("txn-already-known")
	}

	if policy.MaxMempoolSizeBytes > 0 && v.mempool.Bytes() > policy.MaxMempoolSizeBytes {
		if policy.MempoolExpiry > 0 {
			v.mempool.Expire(time.Now().Add(-policy.MempoolExpiry))
		}

		v.mempool.TrimToSize(policy.MaxMempoolSizeBytes)

		if !v.mempool.Exists(txID) {
			return errors.NewTxRejectError(errors.RejectInsufficientFee, 0, "mempool full")
		}
	}

	return nil
}
