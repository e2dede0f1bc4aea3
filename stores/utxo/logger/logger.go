// Package logger wraps a UTXO store and logs every call at debug level.
package logger

import (
	"context"

	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/chainvalidator/stores/utxo"
	"github.com/bsv-blockchain/chainvalidator/ulogger"
	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
)

type Store struct {
	logger ulogger.Logger
	store  utxo.Store
}

func New(logger ulogger.Logger, store utxo.Store) utxo.Store {
	return &Store{
		logger: logger,
		store:  store,
	}
}

func (s *Store) Health(ctx context.Context, checkLiveness bool) (int, string, error) {
	return s.store.Health(ctx, checkLiveness)
}

func (s *Store) Find(ctx context.Context, outpoint model.Outpoint) (*model.Coin, error) {
	coin, err := s.store.Find(ctx, outpoint)
	s.logger.Debugf("[UTXOStore][logger][Find] outpoint %s found %t err %v", outpoint, coin != nil, err)

	return coin, err
}

func (s *Store) InsertAll(ctx context.Context, blockHeight uint32, txs []*bt.Tx) error {
	err := s.store.InsertAll(ctx, blockHeight, txs)
	s.logger.Debugf("[UTXOStore][logger][InsertAll] height %d txs %d err %v", blockHeight, len(txs), err)

	return err
}

func (s *Store) Remove(ctx context.Context, outpoint model.Outpoint) (*model.Coin, error) {
	coin, err := s.store.Remove(ctx, outpoint)
	s.logger.Debugf("[UTXOStore][logger][Remove] outpoint %s err %v", outpoint, err)

	return coin, err
}

func (s *Store) Insert(ctx context.Context, outpoint model.Outpoint, coin *model.Coin) error {
	err := s.store.Insert(ctx, outpoint, coin)
	s.logger.Debugf("[UTXOStore][logger][Insert] outpoint %s height %d err %v", outpoint, coin.Height, err)

	return err
}

func (s *Store) BlockFinished(ctx context.Context, height uint32, blockHash *chainhash.Hash) error {
	err := s.store.BlockFinished(ctx, height, blockHash)
	s.logger.Debugf("[UTXOStore][logger][BlockFinished] block %s height %d err %v", blockHash, height, err)

	return err
}

func (s *Store) Rollback(ctx context.Context) error {
	err := s.store.Rollback(ctx)
	s.logger.Debugf("[UTXOStore][logger][Rollback] err %v", err)

	return err
}

func (s *Store) BlockID() chainhash.Hash {
	return s.store.BlockID()
}

func (s *Store) Close(ctx context.Context) error {
	return s.store.Close(ctx)
}
