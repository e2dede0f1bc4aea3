package errors

import (
	"fmt"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
)

// DoubleSpendData is attached to a transaction rejected because one of its inputs is already
// spent by another transaction in the mempool. ProofID references the stored double-spend
// proof so it can be broadcast; it is -1 when no proof could be created.
type DoubleSpendData struct {
	RejectData
	SpentTxID         chainhash.Hash `json:"spentTxId"`
	SpentVout         uint32         `json:"spentVout"`
	FirstSpendTxID    chainhash.Hash `json:"firstSpendTxId"`
	ConflictingTxID   chainhash.Hash `json:"conflictingTxId"`
	ConflictingTxData []byte         `json:"conflictingTx"`
	ProofID           int            `json:"proofId"`
}

func (e *DoubleSpendData) Error() string {
	return fmt.Sprintf("output %s:%d already spent by %s, conflicting tx %s, proof %d", e.SpentTxID, e.SpentVout, e.FirstSpendTxID, e.ConflictingTxID, e.ProofID)
}

func (e *DoubleSpendData) GetData(key string) interface{} {
	switch key {
	case "proofId":
		return e.ProofID
	case "conflictingTxId":
		return e.ConflictingTxID
	case "firstSpendTxId":
		return e.FirstSpendTxID
	}

	return e.RejectData.GetData(key)
}

func (e *DoubleSpendData) rejectData() *RejectData {
	return &e.RejectData
}

// NewDoubleSpendError creates the double-spend variant of a transaction rejection.
// conflictingTx is the serialized transaction that tried to spend spentTxID:vout.
func NewDoubleSpendError(spentTxID chainhash.Hash, vout uint32, firstSpend chainhash.Hash, conflictingTxID chainhash.Hash, conflictingTx []byte, proofID int) error {
	data := &DoubleSpendData{
		RejectData: RejectData{
			RejectCode: RejectConflict,
			Punishment: 0,
			Reason:     "txn-mempool-conflict",
		},
		SpentTxID:         spentTxID,
		SpentVout:         vout,
		FirstSpendTxID:    firstSpend,
		ConflictingTxID:   conflictingTxID,
		ConflictingTxData: conflictingTx,
		ProofID:           proofID,
	}

	return New(ERR_TX_INVALID_DOUBLE_SPEND, data.Reason).WithData(data)
}
