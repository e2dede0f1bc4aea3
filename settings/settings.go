package settings

import (
	"runtime"
	"time"

	"github.com/bsv-blockchain/chainvalidator/chaincfg"
)

// NewSettings assembles the settings from the gocore configuration, falling back to the
// defaults of a full node.
func NewSettings() *Settings {
	params, err := chaincfg.GetChainParams(getString("network", "mainnet"))
	if err != nil {
		panic(err)
	}

	return newSettings(params)
}

// NewSettingsForNetwork returns the settings for the named network with in-memory stores.
// It is intended for tests and tools that must not touch the data folder.
func NewSettingsForNetwork(network string) *Settings {
	params, err := chaincfg.GetChainParams(network)
	if err != nil {
		panic(err)
	}

	s := newSettings(params)
	s.Stores.BlockStore = mustParseURL("memory:///blocks")
	s.Stores.UtxoStore = mustParseURL("memory:///utxo")
	s.Stores.BlockIndexStore = mustParseURL("sqlitememory:///blockindex")

	return s
}

func newSettings(params *chaincfg.Params) *Settings {
	return &Settings{
		ClientName:     getString("clientName", "chainvalidator"),
		DataFolder:     getString("dataFolder", "data"),
		LogLevel:       getString("logLevel", "INFO"),
		ChainCfgParams: params,
		Policy: &PolicySettings{
			MaxTxSizePolicy:      getInt("maxtxsizepolicy", 100000),
			MaxTxSigOpsPolicy:    getInt("maxtxsigopspolicy", 4000),
			DustRelayFee:         getInt64("dustrelayfee", 1000),
			AcceptNonStdOutputs:  getBool("acceptnonstdoutputs", false),
			DataCarrier:          getBool("datacarrier", true),
			DataCarrierSize:      getInt("datacarriersize", 223),
			MaxScriptSigSize:     getInt("maxscriptsigsize", 1650),
			PermitBareMultisig:   getBool("permitbaremultisig", true),
			AbsurdFeeMultiplier:  getInt64("absurdfeemultiplier", 10000),
			RequireStandard:      getBool("requirestandard", params.RequireStandard),
			BlockMinTxFeePerKB:   getInt64("blockmintxfee", 1000),
			MaxMempoolSizeBytes:  getInt64("maxmempool", 300) * 1000000,
			MempoolExpiry:        getDuration("mempoolexpiry", 336*time.Hour),
			RejectAbsurdFeeLocal: getBool("rejectabsurdfee", true),
		},
		BlockValidation: BlockValidationSettings{
			Concurrency:             getInt("blockvalidation_concurrency", runtime.NumCPU()),
			AssumeValidDepth:        int32(getInt("blockvalidation_assumeValidDepth", 1008)),
			MaxAutoReorgDepth:       int32(getInt("blockvalidation_maxAutoReorgDepth", 6)),
			MempoolReinsertMaxDepth: int32(getInt("blockvalidation_mempoolReinsertMaxDepth", 3)),
			MaxFutureBlockTime:      getDuration("blockvalidation_maxFutureBlockTime", 2*time.Hour),
			MaxOrphanBlocks:         getInt("blockvalidation_maxOrphanBlocks", 1000),
			CheckpointsEnabled:      getBool("checkpoints", true),
		},
		Mempool: MempoolSettings{
			LimitAncestorCount:      getInt("limitancestorcount", 25),
			LimitAncestorSize:       getInt64("limitancestorsize", 101) * 1000,
			LimitDescendantCount:    getInt("limitdescendantcount", 25),
			LimitDescendantSize:     getInt64("limitdescendantsize", 101) * 1000,
			MinRelayTxFee:           getInt64("minrelaytxfee", 1000),
			LimitFreeRelay:          getInt64("limitfreerelay", 15),
			FreeRelayHalfLife:       getDuration("freerelayhalflife", 10*time.Minute),
			MaxOrphanTxs:            getInt("maxorphantx", 100),
			MaxOrphanTxSize:         getInt("maxorphantxsize", 100000),
			OrphanTxExpiry:          getDuration("orphantxexpiry", 20*time.Minute),
			RecentRejectsSize:       getInt("recentrejects_size", 120000),
			RecentRejectsFPRate:     getFloat64("recentrejects_fprate", 0.000001),
			DoubleSpendProofsExpiry: getDuration("dsproof_expiry", time.Hour),
		},
		Stores: StoreSettings{
			BlockStore:        getURL("blockstore", "file://./data/blocks"),
			UtxoStore:         getURL("utxostore", "leveldb://./data/utxo"),
			BlockIndexStore:   getURL("blockindex_store", "sqlite:///blockindex"),
			MaxBlockFileSize:  getInt64("maxblockfilesize", 128) * 1024 * 1024,
			UtxoFlushInterval: getInt("utxo_flushInterval", 1),

			PostgresMaxIdleConns: getInt("postgres_maxIdleConns", 10),
			PostgresMaxOpenConns: getInt("postgres_maxOpenConns", 80),
		},
	}
}
