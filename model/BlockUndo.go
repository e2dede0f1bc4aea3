package model

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/go-bt/v2"
)

// TxUndo holds the coins spent by one transaction, in input order.
type TxUndo struct {
	Coins []*Coin
}

// BlockUndo holds the spent coins of every non-coinbase transaction of a block, in block
// order, so the block can be disconnected.
type BlockUndo struct {
	Txs []*TxUndo
}

// Bytes serializes the undo data. Each coin is written as its height and coinbase flag packed
// into one uint32, the value and the length prefixed locking script.
func (u *BlockUndo) Bytes() []byte {
	var buf bytes.Buffer

	buf.Write(bt.VarInt(uint64(len(u.Txs))).Bytes())

	var b8 [8]byte

	for _, txUndo := range u.Txs {
		buf.Write(bt.VarInt(uint64(len(txUndo.Coins))).Bytes())

		for _, coin := range txUndo.Coins {
			code := coin.Height << 1
			if coin.IsCoinbase {
				code |= 1
			}

			binary.LittleEndian.PutUint32(b8[:4], code)
			buf.Write(b8[:4])

			binary.LittleEndian.PutUint64(b8[:], coin.Satoshis)
			buf.Write(b8[:])

			buf.Write(bt.VarInt(uint64(len(coin.LockingScript))).Bytes())
			buf.Write(coin.LockingScript)
		}
	}

	return buf.Bytes()
}

// NewBlockUndoFromBytes parses undo data written by Bytes.
func NewBlockUndoFromBytes(b []byte) (*BlockUndo, error) {
	r := bytes.NewReader(b)

	txCount, err := readVarInt(r)
	if err != nil {
		return nil, err
	}

	if txCount > uint64(len(b)) {
		return nil, errors.NewCorruptionError("undo tx count %d exceeds data size", txCount)
	}

	undo := &BlockUndo{Txs: make([]*TxUndo, 0, txCount)}

	var b8 [8]byte

	for i := uint64(0); i < txCount; i++ {
		coinCount, err := readVarInt(r)
		if err != nil {
			return nil, err
		}

		if coinCount > uint64(r.Len()) {
			return nil, errors.NewCorruptionError("undo coin count %d exceeds data size", coinCount)
		}

		txUndo := &TxUndo{Coins: make([]*Coin, 0, coinCount)}

		for j := uint64(0); j < coinCount; j++ {
			if _, err = io.ReadFull(r, b8[:4]); err != nil {
				return nil, errors.NewCorruptionError("failed to read undo coin height", err)
			}

			code := binary.LittleEndian.Uint32(b8[:4])

			if _, err = io.ReadFull(r, b8[:]); err != nil {
				return nil, errors.NewCorruptionError("failed to read undo coin value", err)
			}

			coin := &Coin{
				Height:     code >> 1,
				IsCoinbase: code&1 == 1,
				Satoshis:   binary.LittleEndian.Uint64(b8[:]),
			}

			scriptLen, err := readVarInt(r)
			if err != nil {
				return nil, err
			}

			if scriptLen > uint64(r.Len()) {
				return nil, errors.NewCorruptionError("undo script length %d exceeds data size", scriptLen)
			}

			coin.LockingScript = make([]byte, scriptLen)
			if _, err = io.ReadFull(r, coin.LockingScript); err != nil {
				return nil, errors.NewCorruptionError("failed to read undo coin script", err)
			}

			txUndo.Coins = append(txUndo.Coins, coin)
		}

		undo.Txs = append(undo.Txs, txUndo)
	}

	if r.Len() != 0 {
		return nil, errors.NewCorruptionError("%d trailing bytes after undo data", r.Len())
	}

	return undo, nil
}

func readVarInt(r *bytes.Reader) (uint64, error) {
	var vi bt.VarInt

	if _, err := vi.ReadFrom(r); err != nil {
		return 0, errors.NewCorruptionError("failed to read varint", err)
	}

	return uint64(vi), nil
}
