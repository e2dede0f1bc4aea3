package blockchain

import (
	"net/url"

	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/settings"
	"github.com/bsv-blockchain/chainvalidator/stores/blockchain/sql"
	"github.com/bsv-blockchain/chainvalidator/ulogger"
)

func NewStore(logger ulogger.Logger, storeURL *url.URL, tSettings *settings.Settings) (Store, error) {
	if storeURL == nil {
		return nil, errors.NewConfigurationError("block index store URL is nil")
	}

	switch storeURL.Scheme {
	case "postgres", "sqlitememory", "sqlite":
		return sql.New(logger, storeURL, tSettings)
	}

	return nil, errors.NewConfigurationError("unknown block index store scheme: %s", storeURL.Scheme)
}
