// Package leveldb persists the UTXO set in a LevelDB database.
//
// Coins are stored under 'c' + txid + index, the best block under 'B'. Changes of the block
// being connected live in an overlay until BlockFinished. Finished blocks are batched and
// written every flushInterval blocks together with the overlay of the last one, a Rollback
// only ever discards the current overlay.
package leveldb

import (
	"context"
	"encoding/binary"
	"net/http"
	"sync"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/chainvalidator/stores/utxo"
	"github.com/bsv-blockchain/chainvalidator/ulogger"
	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/btcsuite/goleveldb/leveldb"
	"github.com/btcsuite/goleveldb/leveldb/opt"
	"github.com/btcsuite/goleveldb/leveldb/util"
)

const (
	coinPrefix = 'c'
)

var bestBlockKey = []byte("B")

type Store struct {
	logger        ulogger.Logger
	db            *leveldb.DB
	flushInterval int

	mu sync.RWMutex
	// a nil coin marks a spent outpoint
	pending        map[model.Outpoint]*model.Coin
	finished       map[model.Outpoint]*model.Coin
	finishedBlocks int
	bestBlock      chainhash.Hash
	height         uint32
}

func New(logger ulogger.Logger, path string, flushInterval int) (*Store, error) {
	if flushInterval < 1 {
		flushInterval = 1
	}

	db, err := leveldb.OpenFile(path, &opt.Options{
		Compression: opt.NoCompression,
	})
	if err != nil {
		return nil, errors.NewStorageError("[UTXO leveldb] failed to open %s", path, err)
	}

	s := &Store{
		logger:        logger.New("utxo"),
		db:            db,
		flushInterval: flushInterval,
		pending:       make(map[model.Outpoint]*model.Coin),
		finished:      make(map[model.Outpoint]*model.Coin),
	}

	value, err := db.Get(bestBlockKey, nil)

	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		s.logger.Infof("[UTXO leveldb] new UTXO set at %s", path)
	case err != nil:
		_ = db.Close()
		return nil, errors.NewStorageError("[UTXO leveldb] failed to read best block", err)
	case len(value) != chainhash.HashSize+4:
		_ = db.Close()
		return nil, errors.NewCorruptionError("best block record of %d bytes", len(value))
	default:
		copy(s.bestBlock[:], value)
		s.height = binary.LittleEndian.Uint32(value[chainhash.HashSize:])
		s.logger.Infof("[UTXO leveldb] UTXO set at %s is at block %s height %d", path, s.bestBlock, s.height)
	}

	return s, nil
}

func coinKey(outpoint model.Outpoint) []byte {
	key := make([]byte, 1, 1+chainhash.HashSize+4)
	key[0] = coinPrefix

	return append(key, outpoint.Bytes()...)
}

func (s *Store) Health(_ context.Context, _ bool) (int, string, error) {
	if _, err := s.db.GetProperty("leveldb.stats"); err != nil {
		return http.StatusFailedDependency, "LevelDB UTXO Store", errors.NewStorageUnavailableError("[UTXO leveldb] unavailable", err)
	}

	return http.StatusOK, "LevelDB UTXO Store", nil
}

func (s *Store) Find(_ context.Context, outpoint model.Outpoint) (*model.Coin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.find(outpoint)
}

// find must be called with the lock held.
func (s *Store) find(outpoint model.Outpoint) (*model.Coin, error) {
	if coin, ok := s.pending[outpoint]; ok {
		return coin, nil
	}

	if coin, ok := s.finished[outpoint]; ok {
		return coin, nil
	}

	value, err := s.db.Get(coinKey(outpoint), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, nil
		}

		return nil, errors.NewStorageError("[UTXO leveldb] failed to read %s", outpoint, err)
	}

	return model.NewCoinFromBytes(value)
}

func (s *Store) InsertAll(_ context.Context, blockHeight uint32, txs []*bt.Tx) error {
	var outputs []utxo.Output

	for _, tx := range txs {
		outputs = append(outputs, utxo.NewOutputs(tx, blockHeight)...)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, output := range outputs {
		s.pending[output.Outpoint] = output.Coin
	}

	return nil
}

func (s *Store) Remove(_ context.Context, outpoint model.Outpoint) (*model.Coin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coin, err := s.find(outpoint)
	if err != nil {
		return nil, err
	}

	if coin == nil {
		return nil, utxo.NewNotFoundError(outpoint)
	}

	s.pending[outpoint] = nil

	return coin, nil
}

func (s *Store) Insert(_ context.Context, outpoint model.Outpoint, coin *model.Coin) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[outpoint] = coin

	return nil
}

func (s *Store) BlockFinished(_ context.Context, height uint32, blockHash *chainhash.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finishedBlocks+1 >= s.flushInterval {
		// the overlay is only dropped once it is on disk, a failed write can still be rolled back
		if err := s.flush(*blockHash, height); err != nil {
			return err
		}
	} else {
		for outpoint, coin := range s.pending {
			s.finished[outpoint] = coin
		}

		s.finishedBlocks++
	}

	s.pending = make(map[model.Outpoint]*model.Coin)
	s.bestBlock = *blockHash
	s.height = height

	return nil
}

// flush writes the finished blocks and the overlay as block blockHash in one batch. It must
// be called with the lock held.
func (s *Store) flush(blockHash chainhash.Hash, height uint32) error {
	batch := new(leveldb.Batch)

	// later records of a batch win, the overlay is written last
	for _, changes := range []map[model.Outpoint]*model.Coin{s.finished, s.pending} {
		for outpoint, coin := range changes {
			if coin == nil {
				batch.Delete(coinKey(outpoint))
			} else {
				batch.Put(coinKey(outpoint), coin.Bytes())
			}
		}
	}

	best := make([]byte, chainhash.HashSize+4)
	copy(best, blockHash[:])
	binary.LittleEndian.PutUint32(best[chainhash.HashSize:], height)
	batch.Put(bestBlockKey, best)

	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return errors.NewStorageError("[UTXO leveldb] failed to write batch at block %s", blockHash, err)
	}

	s.logger.Debugf("[UTXO leveldb] flushed %d changes at block %s height %d", batch.Len()-1, blockHash, height)

	s.finished = make(map[model.Outpoint]*model.Coin)
	s.finishedBlocks = 0

	return nil
}

func (s *Store) Rollback(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = make(map[model.Outpoint]*model.Coin)

	return nil
}

func (s *Store) BlockID() chainhash.Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.bestBlock
}

// Count returns the number of coins written to disk.
func (s *Store) Count() (int, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte{coinPrefix}), nil)
	defer iter.Release()

	var n int
	for iter.Next() {
		n++
	}

	return n, iter.Error()
}

func (s *Store) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// changes of a block that was never finished are dropped
	s.pending = make(map[model.Outpoint]*model.Coin)

	var err error
	if s.finishedBlocks > 0 {
		err = s.flush(s.bestBlock, s.height)
	}

	return errors.Join(err, s.db.Close())
}
