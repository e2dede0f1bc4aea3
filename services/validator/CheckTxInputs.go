package validator

import (
	"github.com/bsv-blockchain/chainvalidator/chaincfg"
	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/go-bt/v2"
)

// CheckTxInputs checks tx against the coins it spends, coins[i] being the coin spent by
// input i, and returns the fee. spendHeight is the height of the block the transaction is
// (or would be) included in.
func CheckTxInputs(tx *bt.Tx, coins []*model.Coin, spendHeight int32, params *chaincfg.Params) (uint64, error) {
	if len(coins) != len(tx.Inputs) {
		return 0, errors.NewTxRejectError(errors.RejectInvalid, 100, "bad-txns-inputs-missingorspent", errors.NewTxInvalidError("%d coins for %d inputs", len(coins), len(tx.Inputs)))
	}

	var valueIn uint64

	for i, coin := range coins {
		if coin == nil {
			return 0, errors.NewTxRejectError(errors.RejectInvalid, 100, "bad-txns-inputs-missingorspent", errors.NewTxInvalidError("input %d spends an unknown or spent output", i))
		}

		if coin.IsCoinbase && int64(spendHeight)-int64(coin.Height) < int64(params.CoinbaseMaturity) {
			return 0, errors.NewTxRejectError(errors.RejectInvalid, 0, "bad-txns-premature-spend-of-coinbase", errors.NewTxInvalidError("tried to spend coinbase at depth %d", int64(spendHeight)-int64(coin.Height)))
		}

		if coin.Satoshis > MaxMoney {
			return 0, errors.NewTxRejectError(errors.RejectInvalid, 100, "bad-txns-inputvalues-outofrange")
		}

		valueIn += coin.Satoshis
		if valueIn > MaxMoney {
			return 0, errors.NewTxRejectError(errors.RejectInvalid, 100, "bad-txns-inputvalues-outofrange")
		}
	}

	valueOut := tx.TotalOutputSatoshis()

	if valueIn < valueOut {
		return 0, errors.NewTxRejectError(errors.RejectInvalid, 100, "bad-txns-in-belowout", errors.NewTxInvalidError("value in (%d) < value out (%d)", valueIn, valueOut))
	}

	fee := valueIn - valueOut
	if fee > MaxMoney {
		return 0, errors.NewTxRejectError(errors.RejectInvalid, 100, "bad-txns-fee-outofrange")
	}

	return fee, nil
}
