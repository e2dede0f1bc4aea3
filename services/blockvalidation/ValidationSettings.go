package blockvalidation

import (
	"sync"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"go.uber.org/atomic"
)

// ValidationSettings is the handle returned for every block submission.
//
// The handle is reference counted. While a reference is held the validation has not started
// and the checks to run can still be changed. Validation starts when the last reference is
// released, or on Start. The outcome is then available in two phases: WaitHeaderFinished
// returns once the header has been placed in the block tree, WaitUntilFinished once the block
// has been connected, stored or rejected.
type ValidationSettings struct {
	engine *Engine
	state  *BlockValidationState

	refs    atomic.Int32
	started atomic.Bool

	headerOnce sync.Once
	headerDone chan struct{}
	index      *model.BlockIndex
	headerErr  error

	doneOnce sync.Once
	done     chan struct{}
	err      error
}

func newValidationSettings(engine *Engine, state *BlockValidationState) *ValidationSettings {
	s := &ValidationSettings{
		engine:     engine,
		state:      state,
		headerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}

	s.refs.Store(1)

	return s
}

// resolvedSettings returns a handle that has already finished with err.
func resolvedSettings(err error) *ValidationSettings {
	s := newValidationSettings(nil, nil)
	s.refs.Store(0)
	s.started.Store(true)
	s.resolve(err)

	return s
}

// Copy adds a reference to the handle.
func (s *ValidationSettings) Copy() *ValidationSettings {
	s.refs.Inc()
	return s
}

// Release drops a reference. Releasing the last one starts the validation.
func (s *ValidationSettings) Release() {
	if s.refs.Dec() == 0 {
		s.Start()
	}
}

// Start starts the validation. Calling it more than once has no effect.
func (s *ValidationSettings) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	s.engine.startState(s.state)
}

func (s *ValidationSettings) setFlag(flag CheckFlags, enabled bool) error {
	if s.started.Load() {
		return errors.NewStateError("validation of block has already started")
	}

	if enabled {
		s.state.flags |= flag
	} else {
		s.state.flags &^= flag
	}

	return nil
}

// SetCheckPoW enables or disables the proof of work check of the header.
func (s *ValidationSettings) SetCheckPoW(enabled bool) error {
	return s.setFlag(CheckPoW, enabled)
}

// SetCheckMerkleRoot enables or disables the merkle root check.
func (s *ValidationSettings) SetCheckMerkleRoot(enabled bool) error {
	return s.setFlag(CheckMerkleRoot, enabled)
}

// SetCheckTransactionValidity enables or disables the context free transaction checks.
func (s *ValidationSettings) SetCheckTransactionValidity(enabled bool) error {
	return s.setFlag(CheckTransactionValidity, enabled)
}

// SetOnlyCheckValidity validates the block against the current tip without storing it or
// changing the UTXO set.
func (s *ValidationSettings) SetOnlyCheckValidity(enabled bool) error {
	return s.setFlag(CheckValidityOnly, enabled)
}

// WaitHeaderFinished starts the validation if needed and blocks until the header has been
// accepted into the block tree, or the block was rejected before.
func (s *ValidationSettings) WaitHeaderFinished() (*model.BlockIndex, error) {
	s.Start()

	<-s.headerDone

	return s.index, s.headerErr
}

// WaitUntilFinished starts the validation if needed and blocks until it has completed.
func (s *ValidationSettings) WaitUntilFinished() error {
	s.Start()

	<-s.done

	return s.err
}

// Done returns a channel that is closed once the validation has completed.
func (s *ValidationSettings) Done() <-chan struct{} {
	return s.done
}

// Error returns the outcome of a finished validation, nil while it is still running.
func (s *ValidationSettings) Error() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// BlockHeight returns the height of the block once its header has been accepted, -1 before
// and for rejected headers.
func (s *ValidationSettings) BlockHeight() int32 {
	select {
	case <-s.headerDone:
		if s.index != nil {
			return s.index.Height
		}
	default:
	}

	return -1
}

func (s *ValidationSettings) resolveHeader(idx *model.BlockIndex, err error) {
	s.headerOnce.Do(func() {
		s.index = idx
		s.headerErr = err
		close(s.headerDone)
	})
}

func (s *ValidationSettings) resolve(err error) {
	s.doneOnce.Do(func() {
		// a block rejected before its header was placed resolves both phases
		s.resolveHeader(nil, err)

		s.err = err
		close(s.done)
	})
}
