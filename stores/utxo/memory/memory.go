// Package memory keeps the UTXO set in a swiss map. Changes of the current block are
// journaled so they can be rolled back.
package memory

import (
	"context"
	"net/http"
	"sync"

	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/chainvalidator/stores/utxo"
	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/dolthub/swiss"
)

// journalEntry records the value an outpoint had before a change, nil when it did not exist.
type journalEntry struct {
	outpoint model.Outpoint
	previous *model.Coin
}

type Memory struct {
	mu        sync.RWMutex
	coins     *swiss.Map[model.Outpoint, *model.Coin]
	journal   []journalEntry
	bestBlock chainhash.Hash
	height    uint32
}

func New() *Memory {
	// the swiss map uses a lot less memory than the standard map
	return &Memory{
		coins: swiss.NewMap[model.Outpoint, *model.Coin](1024),
	}
}

func (m *Memory) Health(_ context.Context, _ bool) (int, string, error) {
	return http.StatusOK, "Memory UTXO Store", nil
}

func (m *Memory) Find(_ context.Context, outpoint model.Outpoint) (*model.Coin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	coin, ok := m.coins.Get(outpoint)
	if !ok {
		return nil, nil
	}

	return coin, nil
}

func (m *Memory) InsertAll(_ context.Context, blockHeight uint32, txs []*bt.Tx) error {
	var outputs []utxo.Output

	for _, tx := range txs {
		outputs = append(outputs, utxo.NewOutputs(tx, blockHeight)...)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, output := range outputs {
		m.put(output.Outpoint, output.Coin)
	}

	return nil
}

func (m *Memory) Remove(_ context.Context, outpoint model.Outpoint) (*model.Coin, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	coin, ok := m.coins.Get(outpoint)
	if !ok {
		return nil, utxo.NewNotFoundError(outpoint)
	}

	m.journal = append(m.journal, journalEntry{outpoint: outpoint, previous: coin})
	m.coins.Delete(outpoint)

	return coin, nil
}

func (m *Memory) Insert(_ context.Context, outpoint model.Outpoint, coin *model.Coin) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.put(outpoint, coin)

	return nil
}

func (m *Memory) put(outpoint model.Outpoint, coin *model.Coin) {
	previous, _ := m.coins.Get(outpoint)

	m.journal = append(m.journal, journalEntry{outpoint: outpoint, previous: previous})
	m.coins.Put(outpoint, coin)
}

func (m *Memory) BlockFinished(_ context.Context, height uint32, blockHash *chainhash.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.journal = m.journal[:0]
	m.bestBlock = *blockHash
	m.height = height

	return nil
}

func (m *Memory) Rollback(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.journal) - 1; i >= 0; i-- {
		entry := m.journal[i]

		if entry.previous == nil {
			m.coins.Delete(entry.outpoint)
		} else {
			m.coins.Put(entry.outpoint, entry.previous)
		}
	}

	m.journal = m.journal[:0]

	return nil
}

func (m *Memory) BlockID() chainhash.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.bestBlock
}

// Count returns the number of coins in the set.
func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.coins.Count()
}

func (m *Memory) Close(_ context.Context) error {
	return nil
}
