// Package factory creates the UTXO store configured by URL:
//
//	memory:///utxo
//	leveldb://./data/utxo     relative folder
//	leveldb:///var/utxo       absolute folder
//
// Adding logging=true to the query wraps the store in a debug logger.
package factory

import (
	"context"
	"net/url"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/settings"
	"github.com/bsv-blockchain/chainvalidator/stores/utxo"
	"github.com/bsv-blockchain/chainvalidator/stores/utxo/leveldb"
	utxologger "github.com/bsv-blockchain/chainvalidator/stores/utxo/logger"
	"github.com/bsv-blockchain/chainvalidator/stores/utxo/memory"
	"github.com/bsv-blockchain/chainvalidator/ulogger"
)

func NewStore(_ context.Context, logger ulogger.Logger, storeURL *url.URL, tSettings *settings.Settings) (utxo.Store, error) {
	if storeURL == nil {
		return nil, errors.NewConfigurationError("utxo store URL is nil")
	}

	var (
		store utxo.Store
		err   error
	)

	switch storeURL.Scheme {
	case "memory":
		store = memory.New()

	case "leveldb":
		path := storeURL.Path
		if storeURL.Host == "." {
			path = storeURL.Path[1:]
		}

		store, err = leveldb.New(logger, path, tSettings.Stores.UtxoFlushInterval)
		if err != nil {
			return nil, err
		}

	default:
		return nil, errors.NewConfigurationError("unknown utxo store type: %s", storeURL.Scheme)
	}

	if storeURL.Query().Get("logging") == "true" {
		logger.Infof("[UTXOStore] logging every call to the %s store", storeURL.Scheme)
		store = utxologger.New(logger.New("utxolog"), store)
	}

	return store, nil
}
