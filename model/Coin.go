package model

import (
	"encoding/binary"
	"fmt"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
)

// Outpoint identifies a transaction output.
type Outpoint struct {
	TxID  chainhash.Hash
	Index uint32
}

func NewOutpoint(txID chainhash.Hash, index uint32) Outpoint {
	return Outpoint{TxID: txID, Index: index}
}

// IsNull reports whether the outpoint is the null prevout of a coinbase input.
func (o Outpoint) IsNull() bool {
	return o.Index == 0xffffffff && o.TxID == chainhash.Hash{}
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID, o.Index)
}

// Bytes returns the 36 byte key used by the stores: txid followed by the little endian index.
func (o Outpoint) Bytes() []byte {
	b := make([]byte, chainhash.HashSize+4)
	copy(b, o.TxID[:])
	binary.LittleEndian.PutUint32(b[chainhash.HashSize:], o.Index)

	return b
}

// Coin is an unspent output together with the block height it was created at.
type Coin struct {
	Satoshis      uint64
	LockingScript []byte
	Height        uint32
	IsCoinbase    bool
}

// IsSpendable reports whether the coin can ever be spent. Scripts starting with OP_RETURN are
// pruned.
func (c *Coin) IsSpendable() bool {
	return len(c.LockingScript) == 0 || c.LockingScript[0] != 0x6a
}

// Bytes serializes the coin as its height and coinbase flag packed into a uint32, the value
// and the locking script.
func (c *Coin) Bytes() []byte {
	b := make([]byte, 12, 12+len(c.LockingScript))

	code := c.Height << 1
	if c.IsCoinbase {
		code |= 1
	}

	binary.LittleEndian.PutUint32(b, code)
	binary.LittleEndian.PutUint64(b[4:], c.Satoshis)

	return append(b, c.LockingScript...)
}

// NewCoinFromBytes parses a coin written by Bytes.
func NewCoinFromBytes(b []byte) (*Coin, error) {
	if len(b) < 12 {
		return nil, errors.NewCorruptionError("coin record of %d bytes is too short", len(b))
	}

	code := binary.LittleEndian.Uint32(b)

	return &Coin{
		Height:        code >> 1,
		IsCoinbase:    code&1 == 1,
		Satoshis:      binary.LittleEndian.Uint64(b[4:]),
		LockingScript: append([]byte(nil), b[12:]...),
	}, nil
}
