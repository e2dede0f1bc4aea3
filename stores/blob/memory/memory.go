// Package memory keeps blocks and undo data in memory, for tests and throwaway nodes.
package memory

import (
	"context"
	"net/http"
	"sync"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	safeconversion "github.com/bsv-blockchain/go-safe-conversion"
)

type undoRecord struct {
	blockHash chainhash.Hash
	data      []byte
}

// Memory stores every record in a slice, the position offset is the slice index.
type Memory struct {
	mu     sync.RWMutex
	blocks [][]byte
	undos  []undoRecord
}

func New() *Memory {
	return &Memory{}
}

func (m *Memory) Health(_ context.Context, _ bool) (int, string, error) {
	return http.StatusOK, "Memory Store", nil
}

func (m *Memory) WriteBlock(_ context.Context, block []byte) (model.DiskPos, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	offset, err := safeconversion.IntToUint32(len(m.blocks))
	if err != nil {
		return model.NullDiskPos, errors.NewStorageError("[Memory] store is full", err)
	}

	m.blocks = append(m.blocks, append([]byte(nil), block...))

	return model.DiskPos{File: 0, Offset: offset}, nil
}

func (m *Memory) LoadBlock(_ context.Context, pos model.DiskPos) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if pos.File != 0 || int(pos.Offset) >= len(m.blocks) {
		return nil, errors.NewNotFoundError("[Memory] no block at %s", pos)
	}

	return append([]byte(nil), m.blocks[pos.Offset]...), nil
}

func (m *Memory) WriteUndoBlock(_ context.Context, undo *model.BlockUndo, blockHash *chainhash.Hash) (model.DiskPos, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	offset, err := safeconversion.IntToUint32(len(m.undos))
	if err != nil {
		return model.NullDiskPos, errors.NewStorageError("[Memory] store is full", err)
	}

	m.undos = append(m.undos, undoRecord{blockHash: *blockHash, data: undo.Bytes()})

	return model.DiskPos{File: 0, Offset: offset}, nil
}

func (m *Memory) LoadUndoBlock(_ context.Context, pos model.DiskPos, blockHash *chainhash.Hash) (*model.BlockUndo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if pos.File != 0 || int(pos.Offset) >= len(m.undos) {
		return nil, errors.NewNotFoundError("[Memory] no undo data at %s", pos)
	}

	record := m.undos[pos.Offset]
	if record.blockHash != *blockHash {
		return nil, errors.NewCorruptionError("undo data at %s belongs to block %s, not %s", pos, record.blockHash, blockHash)
	}

	return model.NewBlockUndoFromBytes(record.data)
}

func (m *Memory) Flush(_ context.Context) error {
	return nil
}

func (m *Memory) Close(_ context.Context) error {
	return nil
}
