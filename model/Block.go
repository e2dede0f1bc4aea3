package model

import (
	"bytes"
	"encoding/binary"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/bscript"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
)

// Block is a fully parsed block. The transaction ids are computed once when the block is
// created and are read concurrently by the validation chunks.
type Block struct {
	Header       *BlockHeader
	Transactions []*bt.Tx

	txIDs []chainhash.Hash
	size  int
}

func NewBlock(header *BlockHeader, txs []*bt.Tx) *Block {
	b := &Block{
		Header:       header,
		Transactions: txs,
	}

	b.computeTxIDs()
	b.size = len(b.Bytes())

	return b
}

// NewBlockFromBytes parses a serialized block. Trailing bytes after the last transaction are
// rejected.
func NewBlockFromBytes(blockBytes []byte) (*Block, error) {
	if len(blockBytes) < BlockHeaderSize+1 {
		return nil, errors.NewBlockRejectError(errors.RejectMalformed, 100, "bad-blk-length", errors.NewInvalidArgumentError("block of %d bytes is too short", len(blockBytes)))
	}

	header, err := NewBlockHeaderFromBytes(blockBytes[:BlockHeaderSize])
	if err != nil {
		return nil, err
	}

	offset := BlockHeaderSize

	txCount, n := bt.NewVarIntFromBytes(blockBytes[offset:])
	offset += n

	// every transaction is at least 10 bytes, this bounds the allocation
	if uint64(txCount) > uint64(len(blockBytes)-offset)/10+1 {
		return nil, errors.NewBlockRejectError(errors.RejectMalformed, 100, "bad-blk-length", errors.NewInvalidArgumentError("transaction count %d exceeds block size", uint64(txCount)))
	}

	txs := make([]*bt.Tx, 0, txCount)

	for i := uint64(0); i < uint64(txCount); i++ {
		tx, size, err := bt.NewTxFromStream(blockBytes[offset:])
		if err != nil {
			return nil, errors.NewBlockRejectError(errors.RejectMalformed, 100, "bad-tx-serialization", errors.NewInvalidArgumentError("could not read transaction %d", i, err))
		}

		offset += size
		txs = append(txs, tx)
	}

	if offset != len(blockBytes) {
		return nil, errors.NewBlockRejectError(errors.RejectMalformed, 100, "bad-blk-length", errors.NewInvalidArgumentError("%d trailing bytes after block", len(blockBytes)-offset))
	}

	block := &Block{
		Header:       header,
		Transactions: txs,
		size:         len(blockBytes),
	}

	block.computeTxIDs()

	return block, nil
}

func (b *Block) computeTxIDs() {
	b.txIDs = make([]chainhash.Hash, len(b.Transactions))

	for i, tx := range b.Transactions {
		b.txIDs[i] = *tx.TxIDChainHash()
	}
}

func (b *Block) Hash() *chainhash.Hash {
	return b.Header.Hash()
}

func (b *Block) String() string {
	return b.Hash().String()
}

// Size returns the serialized size in bytes.
func (b *Block) Size() int {
	return b.size
}

// TxIDs returns the transaction ids in block order.
func (b *Block) TxIDs() []chainhash.Hash {
	return b.txIDs
}

// CoinbaseTx returns the first transaction, or nil for an empty block.
func (b *Block) CoinbaseTx() *bt.Tx {
	if len(b.Transactions) == 0 {
		return nil
	}

	return b.Transactions[0]
}

func (b *Block) Bytes() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, BlockHeaderSize+9+b.size))

	buf.Write(b.Header.Bytes())
	buf.Write(bt.VarInt(uint64(len(b.Transactions))).Bytes())

	for _, tx := range b.Transactions {
		buf.Write(tx.Bytes())
	}

	return buf.Bytes()
}

// CalcMerkleRoot computes the merkle root of the transactions. mutated reports whether two
// identical hashes were paired at any level, which allows a different transaction list to
// produce the same root (CVE-2012-2459).
func (b *Block) CalcMerkleRoot() (root chainhash.Hash, mutated bool) {
	return CalcMerkleRoot(b.txIDs)
}

// CalcMerkleRoot computes the merkle root of hashes, duplicating the last hash on odd levels.
func CalcMerkleRoot(hashes []chainhash.Hash) (root chainhash.Hash, mutated bool) {
	if len(hashes) == 0 {
		return chainhash.Hash{}, false
	}

	level := make([]chainhash.Hash, len(hashes))
	copy(level, hashes)

	var buf [chainhash.HashSize * 2]byte

	for len(level) > 1 {
		for i := 0; i+1 < len(level); i += 2 {
			if level[i] == level[i+1] {
				mutated = true
			}
		}

		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}

		next := level[:0:0]

		for i := 0; i < len(level); i += 2 {
			copy(buf[:chainhash.HashSize], level[i][:])
			copy(buf[chainhash.HashSize:], level[i+1][:])
			next = append(next, chainhash.DoubleHashH(buf[:]))
		}

		level = next
	}

	return level[0], mutated
}

// CheckMerkleRoot validates the header merkle root against the transactions.
func (b *Block) CheckMerkleRoot() error {
	root, mutated := b.CalcMerkleRoot()

	if b.Header.HashMerkleRoot == nil || !root.IsEqual(b.Header.HashMerkleRoot) {
		return errors.NewBlockRejectError(errors.RejectInvalid, 100, "bad-txnmrklroot")
	}

	if mutated {
		// the same root is reachable with a different transaction list, the block may be
		// fine with the right transactions so the sender is not punished
		return errors.NewBlockRejectError(errors.RejectInvalid, 0, "bad-txns-duplicate")
	}

	return nil
}

// ExtractCoinbaseHeight attempts to extract the height of the block from the scriptSig of
// the coinbase transaction. Coinbase heights are only present in blocks of version 2 or
// later. This was added as part of BIP0034.
func (b *Block) ExtractCoinbaseHeight() (uint32, error) {
	coinbase := b.CoinbaseTx()
	if coinbase == nil || len(coinbase.Inputs) != 1 {
		return 0, errors.NewBlockRejectError(errors.RejectInvalid, 100, "bad-cb-missing")
	}

	sigScript := *coinbase.Inputs[0].UnlockingScript
	if len(sigScript) < 1 {
		return 0, errors.NewBlockRejectError(errors.RejectInvalid, 100, "bad-cb-height")
	}

	// Detect the case when the block height is a small integer encoded with a single byte.
	opcode := sigScript[0]
	if opcode == bscript.Op0 {
		return 0, nil
	}

	if opcode >= bscript.Op1 && opcode <= bscript.Op16 {
		return uint32(opcode - (bscript.Op1 - 1)), nil
	}

	// Otherwise, the opcode is the length of the following bytes which encode the height.
	serializedLen := int(sigScript[0])
	if serializedLen > 8 || len(sigScript[1:]) < serializedLen {
		return 0, errors.NewBlockRejectError(errors.RejectInvalid, 100, "bad-cb-height")
	}

	serializedHeightBytes := make([]byte, 8)
	copy(serializedHeightBytes, sigScript[1:serializedLen+1])

	return uint32(binary.LittleEndian.Uint64(serializedHeightBytes)), nil
}

// CoinbaseHeightScript returns the script prefix BIP34 requires at the start of the coinbase
// scriptSig of a block at height.
func CoinbaseHeightScript(height int32) []byte {
	switch {
	case height == 0:
		return []byte{bscript.Op0}
	case height > 0 && height <= 16:
		return []byte{bscript.Op1 - 1 + byte(height)}
	}

	// minimal script number: little endian with a sign byte when the top bit is set
	var num []byte

	for v := uint32(height); v > 0; v >>= 8 { //nolint:gosec // height is positive
		num = append(num, byte(v&0xff))
	}

	if num[len(num)-1]&0x80 != 0 {
		num = append(num, 0x00)
	}

	return append([]byte{byte(len(num))}, num...)
}
