package blockvalidation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bsv-blockchain/chainvalidator/chaincfg"
	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/chainvalidator/services/blockchain"
	"github.com/bsv-blockchain/chainvalidator/services/blockchain/pow"
	"github.com/bsv-blockchain/chainvalidator/services/mempool"
	"github.com/bsv-blockchain/chainvalidator/services/validator"
	"github.com/bsv-blockchain/chainvalidator/settings"
	"github.com/bsv-blockchain/chainvalidator/ulogger"
	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/atomic"
)

// Engine validates blocks and transactions and moves the active chain.
//
// Work that only depends on the block itself, or on headers that can no longer change, runs
// on a worker pool. Everything that reads or changes the block tree, the active chain, the
// mempool or the engine's own bookkeeping runs on a single strand multiplexed over the same
// pool, so the chain tip is only ever changed by one goroutine at a time.
type Engine struct {
	// ctx is used for store access by the stages, it is not cancelled by Shutdown
	ctx context.Context

	// logger provides structured logging capabilities
	logger ulogger.Logger

	// settings contains operational parameters and feature flags
	settings *settings.Settings

	// params are the consensus parameters of the network
	params *chaincfg.Params

	// sessionID identifies this engine instance in the logs
	sessionID string

	// finiteStateMachine tracks the lifecycle: IDLE, RUNNING, STOPPING, STOPPED
	finiteStateMachine *fsm.FSM

	pool   *workerPool
	strand *strand

	verifier  validator.ScriptVerifier
	validator *validator.Validator
	listeners *listeners

	// anchor caches the ASERT anchor block, reset whenever the chain is reorganised
	anchor *pow.AnchorCache

	chain     *blockchain.Blockchain
	mempool   *mempool.TxMemPool
	ownsChain bool

	// owned by the strand
	arena           map[chainhash.Hash]*BlockValidationState
	orphans         map[chainhash.Hash]*BlockValidationState
	orphansByPrev   map[chainhash.Hash][]chainhash.Hash
	orphanOrder     []chainhash.Hash
	connecting      *BlockValidationState
	validityQueue   []*BlockValidationState
	idleTasks       []func()
	deepReorgLogged *model.BlockIndex

	shuttingDown atomic.Bool
	shutdownOnce sync.Once

	// mu guards the counters below, cond is signalled whenever one of them drops
	mu              sync.Mutex
	cond            *sync.Cond
	stopping        bool
	poolClosed      bool
	live            map[*BlockValidationState]struct{}
	headersInFlight int
	blocksInFlight  int
	strandTasks     int
	orphanCount     int
}

// New creates an engine. The chain and the mempool are set with SetBlockchain and SetMempool,
// or created from the settings by Start.
func New(ctx context.Context, logger ulogger.Logger, tSettings *settings.Settings, opts ...Option) *Engine {
	initPrometheusMetrics()

	options := ProcessOptions(opts...)

	e := &Engine{
		ctx:                ctx,
		logger:             logger,
		settings:           tSettings,
		params:             tSettings.ChainCfgParams,
		sessionID:          uuid.NewString(),
		finiteStateMachine: NewFiniteStateMachine(),
		verifier:           options.verifier,
		listeners:          &listeners{},
		anchor:             pow.NewAnchorCache(),
		arena:              make(map[chainhash.Hash]*BlockValidationState),
		orphans:            make(map[chainhash.Hash]*BlockValidationState),
		orphansByPrev:      make(map[chainhash.Hash][]chainhash.Hash),
		live:               make(map[*BlockValidationState]struct{}),
	}

	e.cond = sync.NewCond(&e.mu)

	for _, listener := range options.listeners {
		e.listeners.add(listener)
	}

	// one extra worker so the strand never starves the stages
	e.pool = newWorkerPool(e.concurrency() + 1)
	e.strand = newStrand(e.pool, func(r any) {
		e.logger.Errorf("[Engine:strand] recovered from panic: %v", r)
	})

	e.validator = validator.New(logger, tSettings,
		validator.WithListener(e.listeners),
		validator.WithScriptVerifier(e.verifier),
	)

	return e
}

func (e *Engine) concurrency() int {
	if e.settings.BlockValidation.Concurrency < 1 {
		return 1
	}

	return e.settings.BlockValidation.Concurrency
}

// Start opens the chain from the configured stores unless one was set, and starts accepting
// submissions. Blocks that were stored but not connected before the last shutdown are
// scheduled again.
func (e *Engine) Start(ctx context.Context) error {
	if e.chain == nil {
		chain, err := blockchain.NewFromSettings(ctx, e.logger, e.settings)
		if err != nil {
			return err
		}

		if err = chain.Load(ctx); err != nil {
			_ = chain.Close(ctx)
			return err
		}

		e.ownsChain = true
		e.SetBlockchain(chain)
	}

	if e.mempool == nil {
		e.SetMempool(mempool.New(e.logger))
	}

	if err := e.finiteStateMachine.Event(ctx, EventStart); err != nil {
		return errors.NewStateError("cannot start block validation engine in state %s", e.finiteStateMachine.Current(), err)
	}

	e.logger.Infof("[Engine:Start] engine %s started at height %d, tip %s", e.sessionID, e.chain.Height(), e.chain.Tip().Hash)

	e.post(e.findMoreJobs)

	return nil
}

// SetBlockchain sets the chain object blocks are validated against.
func (e *Engine) SetBlockchain(chain *blockchain.Blockchain) {
	e.runOnStrand(func() {
		e.chain = chain
		e.validator.SetChain(chain)
		e.anchor.Reset()
	})
}

// SetMempool sets the mempool transactions are accepted to.
func (e *Engine) SetMempool(mp *mempool.TxMemPool) {
	e.runOnStrand(func() {
		e.mempool = mp
		e.validator.SetMempool(mp)
	})
}

// AddListener registers a listener. Listeners are called on the strand and must not call
// the blocking methods of the engine.
func (e *Engine) AddListener(listener ValidationListener) {
	e.runOnStrand(func() {
		e.listeners.add(listener)
	})
}

// Blockchain returns the chain object.
func (e *Engine) Blockchain() *blockchain.Blockchain {
	return e.chain
}

// Mempool returns the mempool.
func (e *Engine) Mempool() *mempool.TxMemPool {
	return e.mempool
}

// Validator returns the mempool acceptance validator, for access to its orphan pool and
// double spend proofs.
func (e *Engine) Validator() *validator.Validator {
	return e.validator
}

// State returns the lifecycle state of the engine.
func (e *Engine) State() string {
	return e.finiteStateMachine.Current()
}

// AddBlock submits a parsed block received from originPeer (-1 for local blocks) for full
// validation.
func (e *Engine) AddBlock(block *model.Block, originPeer int64) *ValidationSettings {
	return e.AddBlockBytes(block.Bytes(), DefaultCheckFlags, originPeer)
}

// AddBlockBytes submits a serialized block. An 80 byte submission is a header only: it
// extends the header chain and the block data can be supplied later.
func (e *Engine) AddBlockBytes(blockBytes []byte, flags CheckFlags, originPeer int64) *ValidationSettings {
	state := newBlockValidationState(flags, originPeer)
	state.blockBytes = blockBytes
	state.headerOnly = len(blockBytes) == model.BlockHeaderSize

	return e.addState(state)
}

// AddBlockFromDisk submits a block already written to the block store at pos.
func (e *Engine) AddBlockFromDisk(pos model.DiskPos, flags CheckFlags) *ValidationSettings {
	state := newBlockValidationState(flags, -1)
	state.pos = pos
	state.fromDisk = true

	return e.addState(state)
}

func (e *Engine) addState(state *BlockValidationState) *ValidationSettings {
	e.mu.Lock()

	if e.stopping {
		e.mu.Unlock()
		return resolvedSettings(errors.NewShutdownError("block validation engine is shutting down"))
	}

	if !e.finiteStateMachine.Is(StateRunning) {
		e.mu.Unlock()
		return resolvedSettings(errors.NewServiceNotStartedError("block validation engine is not running"))
	}

	e.live[state] = struct{}{}

	state.holdsHeaderSlot = true
	e.headersInFlight++

	if !state.headerOnly {
		state.holdsBlockSlot = true
		e.blocksInFlight++
	}

	e.updateInFlightGaugesLocked()
	e.mu.Unlock()

	state.settings = newValidationSettings(e, state)

	return state.settings
}

// startState is called once the last reference to the settings handle is gone.
func (e *Engine) startState(state *BlockValidationState) {
	e.mu.Lock()
	stopping := e.stopping
	e.mu.Unlock()

	if stopping {
		e.release(state, errors.NewShutdownError("block validation engine is shutting down"))
		return
	}

	e.spawn(state, func() { e.checks1NoContext(state) }, func() { e.blockHeaderValidated(state) })
}

// AddTransaction submits a transaction for mempool acceptance. The channel delivers the
// empty string when it was accepted, otherwise the reject code and reason.
func (e *Engine) AddTransaction(tx *bt.Tx, flags validator.TxFlags, originPeer int64) <-chan string {
	state := validator.NewTxValidationState(tx, flags, originPeer)

	if e.shuttingDown.Load() {
		state.Resolve(errors.NewShutdownError("block validation engine is shutting down"))
		return state.Result()
	}

	e.post(func() {
		e.whenIdle(func() { e.acceptTransaction(state) })
	})

	return state.Result()
}

func (e *Engine) acceptTransaction(state *validator.TxValidationState) {
	switch {
	case e.shuttingDown.Load():
		state.Resolve(errors.NewShutdownError("block validation engine is shutting down"))
	case e.chain == nil || e.mempool == nil:
		state.Resolve(errors.NewServiceNotStartedError("no chain or mempool set"))
	default:
		_ = e.validator.AcceptToMemoryPool(e.ctx, state)
	}
}

// WaitForSpace blocks until another block can be submitted without exceeding the number of
// headers or blocks in flight.
func (e *Engine) WaitForSpace() {
	limit := e.concurrency()

	e.mu.Lock()
	defer e.mu.Unlock()

	for !e.stopping && (e.headersInFlight >= limit || e.blocksInFlight >= limit) {
		e.cond.Wait()
	}
}

// WaitValidationFinished blocks until every submitted block has been processed and no
// further stored block is scheduled. Orphans keep waiting for their parent and are not
// waited for.
func (e *Engine) WaitValidationFinished() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for len(e.live) > e.orphanCount || e.strandTasks > 0 {
		e.cond.Wait()
	}
}

// Shutdown stops the engine. Orphans and blocks waiting in the pipeline are resolved with a
// shutdown error, a block being connected is completed and rolled back. Shutdown returns when
// nothing is running anymore.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() {
		if err := e.finiteStateMachine.Event(e.ctx, EventShutdown); err != nil {
			e.logger.Warnf("[Engine:Shutdown] %v", err)
		}

		e.mu.Lock()
		e.stopping = true
		e.shuttingDown.Store(true)
		e.cond.Broadcast()
		e.mu.Unlock()

		e.runOnStrand(e.cancelAll)

		e.mu.Lock()
		for len(e.live) > 0 || e.strandTasks > 0 {
			e.cond.Wait()
		}

		e.poolClosed = true
		e.mu.Unlock()

		e.pool.close()

		if err := e.finiteStateMachine.Event(e.ctx, EventStopped); err != nil {
			e.logger.Warnf("[Engine:Shutdown] %v", err)
		}

		e.logger.Infof("[Engine:Shutdown] engine %s stopped", e.sessionID)
	})
}

// Stop shuts the engine down and closes the chain if the engine opened it.
func (e *Engine) Stop(ctx context.Context) error {
	e.Shutdown()

	e.validator.Close()

	if e.ownsChain {
		return e.chain.Close(ctx)
	}

	if e.chain != nil {
		return e.chain.FlushIndex(ctx)
	}

	return nil
}

// cancelAll resolves everything that is not running on the pool. States with a running
// stage are failed and released by the continuation of that stage.
func (e *Engine) cancelAll() {
	shutdownErr := errors.NewShutdownError("block validation engine is shutting down")

	for _, hash := range e.orphanOrder {
		if state, ok := e.orphans[hash]; ok {
			e.release(state, shutdownErr)
		}
	}

	clear(e.orphans)
	clear(e.orphansByPrev)
	e.orphanOrder = nil
	prometheusBlockValidationOrphans.Set(0)

	for _, state := range e.validityQueue {
		e.release(state, shutdownErr)
	}

	e.validityQueue = nil

	for _, state := range e.arena {
		switch state.phase {
		case phaseReady:
			e.release(state, shutdownErr)
		default:
			state.fail(shutdownErr)
		}
	}

	// handles whose owner never started them
	e.mu.Lock()

	unstarted := make([]*BlockValidationState, 0)

	for state := range e.live {
		if state.settings != nil && state.settings.started.CompareAndSwap(false, true) {
			unstarted = append(unstarted, state)
		}
	}

	e.mu.Unlock()

	for _, state := range unstarted {
		e.release(state, shutdownErr)
	}

	if e.connecting == nil {
		e.runIdleTasks()
	}
}

// post runs fn on the strand. Once the pool is closed fn runs on the calling goroutine.
func (e *Engine) post(fn func()) {
	e.mu.Lock()

	if e.poolClosed {
		e.mu.Unlock()
		fn()

		return
	}

	e.strandTasks++
	e.mu.Unlock()

	e.strand.post(func() {
		defer e.strandTaskDone()
		fn()
	})
}

func (e *Engine) strandTaskDone() {
	e.mu.Lock()
	e.strandTasks--

	if e.strandTasks == 0 {
		e.cond.Broadcast()
	}

	e.mu.Unlock()
}

// runOnStrand runs fn on the strand and waits for it. Before Start it runs fn directly.
func (e *Engine) runOnStrand(fn func()) {
	if e.finiteStateMachine.Is(StateIdle) {
		fn()
		return
	}

	done := make(chan struct{})

	e.post(func() {
		defer close(done)
		fn()
	})

	<-done
}

// whenIdle runs fn on the strand once no block is being connected, as fn reads the UTXO set.
func (e *Engine) whenIdle(fn func()) {
	if e.connecting != nil {
		e.idleTasks = append(e.idleTasks, fn)
		return
	}

	fn()
}

func (e *Engine) runIdleTasks() {
	for len(e.idleTasks) > 0 && e.connecting == nil {
		fn := e.idleTasks[0]
		e.idleTasks[0] = nil
		e.idleTasks = e.idleTasks[1:]

		fn()
	}
}

// spawn runs stage on the pool and then posts next to the strand. A panicking stage fails
// the state, next still runs and releases it.
func (e *Engine) spawn(state *BlockValidationState, stage func(), next func()) {
	e.pool.submit(func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Errorf("[Engine:spawn] recovered from panic validating block %s: %v", state.hash, r)
				state.fail(errors.NewProcessingError("panic validating block %s: %s", state.hash, fmt.Sprint(r)))
			}

			if next != nil {
				e.post(next)
			}
		}()

		stage()
	})
}

// release ends a state: it frees its slots, removes it from the arena and resolves the
// settings handle. Only the first call has an effect.
func (e *Engine) release(state *BlockValidationState, err error) {
	if !state.released.CompareAndSwap(false, true) {
		return
	}

	if state.inArena {
		if current, ok := e.arena[state.hash]; ok && current == state {
			delete(e.arena, state.hash)
		}

		state.inArena = false
	}

	e.mu.Lock()
	e.freeHeaderSlotLocked(state)
	e.freeBlockSlotLocked(state)
	delete(e.live, state)
	e.cond.Broadcast()
	e.mu.Unlock()

	prometheusBlockValidationValidateBlock.Observe(float64(time.Since(state.startedAt).Microseconds()) / 1_000)

	if err != nil {
		prometheusBlockValidationFailed.WithLabelValues(errors.GetErrorCategory(err)).Inc()
	}

	state.blockBytes = nil

	if state.settings != nil {
		if state.index != nil && state.indexCommitted {
			state.settings.resolveHeader(state.index, nil)
		}

		state.settings.resolve(err)
	}
}

// fatal stops the engine after a local failure that leaves the UTXO set, the block store or
// the block tree in a state it cannot vouch for. The process logger exits on Fatalf, the
// shutdown below only runs with loggers that return.
func (e *Engine) fatal(format string, args ...interface{}) {
	e.shuttingDown.Store(true)

	e.logger.Fatalf(format, args...)

	go e.Shutdown()
}

// isLocalFailure reports whether err was raised by a store rather than by the data validated.
func isLocalFailure(err error) bool {
	if _, ok := errors.GetRejectData(err); ok {
		return false
	}

	return errors.GetErrorCategory(err) == "storage"
}

func (e *Engine) freeHeaderSlot(state *BlockValidationState) {
	e.mu.Lock()
	e.freeHeaderSlotLocked(state)
	e.cond.Broadcast()
	e.mu.Unlock()
}

func (e *Engine) freeSlots(state *BlockValidationState) {
	e.mu.Lock()
	e.freeHeaderSlotLocked(state)
	e.freeBlockSlotLocked(state)
	e.cond.Broadcast()
	e.mu.Unlock()
}

func (e *Engine) freeHeaderSlotLocked(state *BlockValidationState) {
	if state.holdsHeaderSlot {
		state.holdsHeaderSlot = false
		e.headersInFlight--
		e.updateInFlightGaugesLocked()
	}
}

func (e *Engine) freeBlockSlotLocked(state *BlockValidationState) {
	if state.holdsBlockSlot {
		state.holdsBlockSlot = false
		e.blocksInFlight--
		e.updateInFlightGaugesLocked()
	}
}

func (e *Engine) orphansChanged() {
	prometheusBlockValidationOrphans.Set(float64(len(e.orphans)))

	e.mu.Lock()
	e.orphanCount = len(e.orphans)
	e.cond.Broadcast()
	e.mu.Unlock()
}

func (e *Engine) updateInFlightGaugesLocked() {
	prometheusBlockValidationHeadersInFlight.Set(float64(e.headersInFlight))
	prometheusBlockValidationBlocksInFlight.Set(float64(e.blocksInFlight))
}
