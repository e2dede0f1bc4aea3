package settings

import (
	"net/url"
	"time"

	"github.com/bsv-blockchain/chainvalidator/chaincfg"
)

// PolicySettings are the node's relay policy limits. They gate mempool acceptance only,
// blocks are checked against the consensus limits in chaincfg.Params.
type PolicySettings struct {
	MaxTxSizePolicy      int
	MaxTxSigOpsPolicy    int
	DustRelayFee         int64 // satoshis per kB
	AcceptNonStdOutputs  bool
	DataCarrier          bool
	DataCarrierSize      int
	MaxScriptSigSize     int
	PermitBareMultisig   bool
	AbsurdFeeMultiplier  int64 // times the min relay fee
	RequireStandard      bool
	BlockMinTxFeePerKB   int64
	MaxMempoolSizeBytes  int64
	MempoolExpiry        time.Duration
	RejectAbsurdFeeLocal bool
}

type BlockValidationSettings struct {
	// Concurrency caps both headers and blocks in flight, and the number of
	// signature chunks a block is split into.
	Concurrency             int
	AssumeValidDepth        int32
	MaxAutoReorgDepth       int32
	MempoolReinsertMaxDepth int32
	MaxFutureBlockTime      time.Duration
	MaxOrphanBlocks         int
	CheckpointsEnabled      bool
}

type MempoolSettings struct {
	LimitAncestorCount      int
	LimitAncestorSize       int64 // bytes
	LimitDescendantCount    int
	LimitDescendantSize     int64 // bytes
	MinRelayTxFee           int64 // satoshis per kB
	LimitFreeRelay          int64 // kB per minute
	FreeRelayHalfLife       time.Duration
	MaxOrphanTxs            int
	MaxOrphanTxSize         int
	OrphanTxExpiry          time.Duration
	RecentRejectsSize       int
	RecentRejectsFPRate     float64
	DoubleSpendProofsExpiry time.Duration
}

type StoreSettings struct {
	BlockStore        *url.URL
	UtxoStore         *url.URL
	BlockIndexStore   *url.URL
	MaxBlockFileSize  int64
	UtxoFlushInterval int

	PostgresMaxIdleConns int
	PostgresMaxOpenConns int
}

type Settings struct {
	ClientName      string
	DataFolder      string
	LogLevel        string
	ChainCfgParams  *chaincfg.Params
	Policy          *PolicySettings
	BlockValidation BlockValidationSettings
	Mempool         MempoolSettings
	Stores          StoreSettings
}
