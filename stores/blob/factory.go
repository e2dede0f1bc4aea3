package blob

import (
	"net/url"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/settings"
	"github.com/bsv-blockchain/chainvalidator/stores/blob/file"
	"github.com/bsv-blockchain/chainvalidator/stores/blob/memory"
	"github.com/bsv-blockchain/chainvalidator/ulogger"
)

// NewStore creates the block store described by storeURL:
//
//	file://./data/blocks   relative folder
//	file:///var/blocks     absolute folder
//	memory:///blocks       in memory
func NewStore(logger ulogger.Logger, storeURL *url.URL, tSettings *settings.Settings) (Store, error) {
	if storeURL == nil {
		return nil, errors.NewConfigurationError("block store URL is nil")
	}

	switch storeURL.Scheme {
	case "memory":
		return memory.New(), nil

	case "file":
		store, err := file.New(logger, storeURL,
			file.WithMaxFileSize(tSettings.Stores.MaxBlockFileSize),
			file.WithNetwork(tSettings.ChainCfgParams.Net),
		)
		if err != nil {
			return nil, errors.NewStorageError("error creating file block store", err)
		}

		return store, nil
	}

	return nil, errors.NewConfigurationError("unknown block store type: %s", storeURL.Scheme)
}
