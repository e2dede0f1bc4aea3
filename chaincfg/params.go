// Copyright (c) 2014-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chaincfg

import (
	"bytes"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/bsv-blockchain/chainvalidator/errors"
	gochaincfg "github.com/bsv-blockchain/go-chaincfg"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
)

// These variables are the chain proof-of-work limit parameters for each default
// network.
var (
	// baseSubsidy is the block reward before the first halving.
	baseSubsidy = uint64(50 * 1e8)

	// bigOne is 1 represented as a big.Int.  It is defined here to avoid
	// the overhead of creating it multiple times.
	bigOne = big.NewInt(1)

	// mainPowLimit is the highest proof of work value a block can have for the
	// main network.  It is the value 2^224 - 1.
	mainPowLimit = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 224), bigOne)

	// regressionPowLimit is the highest proof of work value a block can have for
	// the regression test network.  It is the value 2^255 - 1.
	regressionPowLimit = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 255), bigOne)

	// testNet3PowLimit is the highest proof of work value a block can have for
	// the test network (version 3).  It is the value 2^224 - 1.
	testNet3PowLimit = new(big.Int).Sub(new(big.Int).Lsh(bigOne, 224), bigOne)
)

// Checkpoint identifies a known good point in the block chain.  A block at a
// checkpoint height whose hash differs is rejected, which also prevents forks
// from old blocks.
type Checkpoint struct {
	Height int32
	Hash   *chainhash.Hash
}

// ASERTAnchor is the block the ASERT difficulty algorithm measures from.
// PrevBlockTime is the timestamp of the anchor's parent, as the algorithm requires.
type ASERTAnchor struct {
	Height        int32
	Bits          uint32
	PrevBlockTime int64
}

// Params defines a Bitcoin Cash network by its consensus parameters.
//
// Activation heights follow the convention that a rule is enforced for a block
// when its parent's height is greater than or equal to the configured height.
type Params struct {
	// Name defines a human-readable identifier for the network.
	Name string

	// Net defines the magic bytes used to identify the network.
	Net uint32

	// DefaultPort defines the default peer-to-peer port for the network.
	DefaultPort string

	// GenesisBlock is the serialized first block of the chain.
	GenesisBlock []byte

	// GenesisHash is the starting block hash.
	GenesisHash *chainhash.Hash

	// PowLimit defines the highest allowed proof of work value for a block
	// as a uint256.
	PowLimit *big.Int

	// PowLimitBits defines the highest allowed proof of work value for a
	// block in compact form.
	PowLimitBits uint32

	// These fields define the block heights at which the specified softfork
	// BIP became active.
	BIP0034Height int32
	BIP0065Height int32
	BIP0066Height int32
	CSVHeight     int32

	// The following are the heights at which the Bitcoin Cash upgrades
	// became active.
	UAHFHeight            int32 // August 1, 2017: SIGHASH_FORKID, EDA
	DAAHeight             int32 // November 13, 2017: CW144, LOW_S, NULLFAIL
	MagneticAnomalyHeight int32 // November 15, 2018: CTOR, CHECKDATASIG, min tx size
	GravitonHeight        int32 // November 15, 2019: Schnorr multisig, MINIMALDATA
	PhononHeight          int32 // May 15, 2020: OP_REVERSEBYTES, sigchecks
	AxionHeight           int32 // November 15, 2020: ASERT

	// ASERTAnchor pins the anchor block for networks where it is known. When
	// nil the anchor is discovered by walking back to the first block at
	// AxionHeight.
	ASERTAnchor *ASERTAnchor

	// ASERTHalfLife is the time in seconds for the target to double or halve
	// when blocks are one half-life behind or ahead of schedule.
	ASERTHalfLife int64

	// CoinbaseMaturity is the number of blocks required before newly mined
	// coins (coinbase transactions) can be spent.
	CoinbaseMaturity uint16

	// SubsidyReductionInterval is the interval of blocks before the subsidy
	// is reduced.
	SubsidyReductionInterval int32

	// MaxBlockSize is the consensus block size limit in bytes.
	MaxBlockSize uint64

	// TargetTimespan is the desired amount of time that should elapse
	// before the block difficulty requirement is examined to determine how
	// it should be changed in order to maintain the desired block
	// generation rate.
	TargetTimespan time.Duration

	// TargetTimePerBlock is the desired amount of time to generate each
	// block.
	TargetTimePerBlock time.Duration

	// RetargetAdjustmentFactor is the adjustment factor used to limit
	// the minimum and maximum amount of adjustment that can occur between
	// difficulty retargets.
	RetargetAdjustmentFactor int64

	// ReduceMinDifficulty defines whether the network should reduce the
	// minimum required difficulty after a long enough period of time has
	// passed without finding a block.  This is really only useful for test
	// networks and should not be set on a main network.
	ReduceMinDifficulty bool

	// NoDifficultyAdjustment defines whether the network should skip the
	// normal difficulty adjustment and keep the current difficulty.
	NoDifficultyAdjustment bool

	// MinDiffReductionTime is the amount of time after which the minimum
	// required difficulty should be reduced when a block hasn't been found.
	//
	// NOTE: This only applies if ReduceMinDifficulty is true.
	MinDiffReductionTime time.Duration

	// Checkpoints ordered from oldest to newest.
	Checkpoints []Checkpoint

	// RequireStandard enables the standardness policy for mempool acceptance.
	RequireStandard bool
}

// RetargetInterval is the number of blocks between legacy difficulty retargets.
func (p *Params) RetargetInterval() int32 {
	return int32(p.TargetTimespan / p.TargetTimePerBlock)
}

// CheckpointAt returns the checkpoint hash pinned at height, if any.
func (p *Params) CheckpointAt(height int32) (*chainhash.Hash, bool) {
	for _, cp := range p.Checkpoints {
		if cp.Height == height {
			return cp.Hash, true
		}
	}

	return nil, false
}

// BlockSubsidy returns the newly created satoshis a coinbase at height may claim. The reward
// starts at 50 coins and halves every SubsidyReductionInterval blocks.
func (p *Params) BlockSubsidy(height int32) uint64 {
	if p.SubsidyReductionInterval <= 0 {
		return baseSubsidy
	}

	halvings := height / p.SubsidyReductionInterval
	if halvings >= 64 {
		return 0
	}

	return baseSubsidy >> uint(halvings) //nolint:gosec // halvings is below 64
}

// LastCheckpointHeight returns the height of the newest checkpoint, or -1.
func (p *Params) LastCheckpointHeight() int32 {
	if len(p.Checkpoints) == 0 {
		return -1
	}

	return p.Checkpoints[len(p.Checkpoints)-1].Height
}

// MainNetParams defines the network parameters for the main Bitcoin Cash network.
var MainNetParams = Params{
	Name:        "mainnet",
	Net:         0xe8f3e1e3,
	DefaultPort: "8333",

	GenesisBlock: genesisFrom(&gochaincfg.MainNetParams),
	GenesisHash:  newHashFromStr("000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"),
	PowLimit:     mainPowLimit,
	PowLimitBits: 0x1d00ffff,

	BIP0034Height: 227931, // 000000000000024b89b42a942fe0d9fea3bb44ab7bd1b19115dd6a759c0808b8
	BIP0065Height: 388381, // 000000000000000004c2b624ed5d7756c508d90fd0da2c7c679febfa6c4735f0
	BIP0066Height: 363725, // 00000000000000000379eaa19dce8c9b722d46ae6a57c2f1a988119488b50931
	CSVHeight:     419328, // 000000000000000004a1b34462cb8aeebd5799177f7a29cf28f2d1961716b5b5

	UAHFHeight:            478558,
	DAAHeight:             504031,
	MagneticAnomalyHeight: 556766,
	GravitonHeight:        582679,
	PhononHeight:          635258,
	AxionHeight:           661647,

	ASERTAnchor: &ASERTAnchor{
		Height:        661647,
		Bits:          0x1804dafe,
		PrevBlockTime: 1605447844,
	},
	ASERTHalfLife: 2 * 24 * 60 * 60,

	CoinbaseMaturity:         100,
	SubsidyReductionInterval: 210000,
	MaxBlockSize:             32000000,
	TargetTimespan:           time.Hour * 24 * 14, // 14 days
	TargetTimePerBlock:       time.Minute * 10,    // 10 minutes
	RetargetAdjustmentFactor: 4,                   // 25% less, 400% more
	ReduceMinDifficulty:      false,
	MinDiffReductionTime:     0,

	// Checkpoints ordered from oldest to newest.
	Checkpoints: []Checkpoint{
		{11111, newHashFromStr("0000000069e244f73d78e8fd29ba2fd2ed618bd6fa2ee92559f542fdb26e7c1d")},
		{33333, newHashFromStr("000000002dd5588a74784eaa7ab0507a18ad16a236e7b1ce69f00d7ddfb5d0a6")},
		{74000, newHashFromStr("0000000000573993a3c9e41ce34471c079dcf5f52a0e824a81e7f953b8661a20")},
		{105000, newHashFromStr("00000000000291ce28027faea320c8d2b054b2e0fe44a773f3eefb151d6bdc97")},
		{134444, newHashFromStr("00000000000005b12ffd4cd315cd34ffd4a594f430ac814c91184a0d42d2b0fe")},
		{168000, newHashFromStr("000000000000099e61ea72015e79632f216fe6cb33d7899acb35b75c8303b763")},
		{193000, newHashFromStr("000000000000059f452a5f7340de6682a977387c17010ff6e6c3bd83ca8b1317")},
		{210000, newHashFromStr("000000000000048b95347e83192f69cf0366076336c639f9b7228e9ba171342e")},
		{216116, newHashFromStr("00000000000001b4f4b433e81ee46494af945cf96014816a4e2370f11b23df4e")},
		{225430, newHashFromStr("00000000000001c108384350f74090433e7fcf79a606b8e797f065b130575932")},
		{250000, newHashFromStr("000000000000003887df1f29024b06fc2200b55f8af8f35453d7be294df2d214")},
		{279000, newHashFromStr("0000000000000001ae8c72a0b0c301f67e3afca10e819efa9041e458e9bd7e40")},
		{295000, newHashFromStr("00000000000000004d9b4ef50f0f9d686fd69db2e03af35a100370c64632a983")},
		{478559, newHashFromStr("000000000000000000651ef99cb9fcbe0dadde1d424bd9f15ff20136191a5eec")},
		{556767, newHashFromStr("0000000000000000004626ff6e3b936941d341c5932ece4357eeccac44e6d56c")},
	},

	RequireStandard: true,
}

// TestNetParams defines the network parameters for the test Bitcoin Cash
// network (version 3).
var TestNetParams = Params{
	Name:        "testnet",
	Net:         0xf4f3e5f4,
	DefaultPort: "18333",

	GenesisBlock: genesisFrom(&gochaincfg.TestNetParams),
	GenesisHash:  newHashFromStr("000000000933ea01ad0ee984209779baaec3ced90fa3f408719526f8d77f4943"),
	PowLimit:     testNet3PowLimit,
	PowLimitBits: 0x1d00ffff,

	BIP0034Height: 21111,  // 0000000023b3a96d3484e5abb3755c413e7d41500f8e2a5c3f0dd01299cd8ef8
	BIP0065Height: 581885, // 00000000007f6655f22f98e72ed80d8b06dc761d5da09df0fa1dc4be4f861eb6
	BIP0066Height: 330776, // 000000002104c8c45e99a8853285a3b592602a3ccde2b832481da85e9e4ba182
	CSVHeight:     770112, // 00000000025e930139bac5c6c31a403776da130831ab85be56578f3fa75369bb

	UAHFHeight:            1155875,
	DAAHeight:             1188697,
	MagneticAnomalyHeight: 1267996,
	GravitonHeight:        1303884,
	PhononHeight:          1378460,
	AxionHeight:           1421481,

	ASERTAnchor: &ASERTAnchor{
		Height:        1421481,
		Bits:          0x1d00ffff,
		PrevBlockTime: 1605445400,
	},
	ASERTHalfLife: 60 * 60,

	CoinbaseMaturity:         100,
	SubsidyReductionInterval: 210000,
	MaxBlockSize:             32000000,
	TargetTimespan:           time.Hour * 24 * 14, // 14 days
	TargetTimePerBlock:       time.Minute * 10,    // 10 minutes
	RetargetAdjustmentFactor: 4,                   // 25% less, 400% more
	ReduceMinDifficulty:      true,
	MinDiffReductionTime:     time.Minute * 20, // TargetTimePerBlock * 2

	// Checkpoints ordered from oldest to newest.
	Checkpoints: []Checkpoint{
		{546, newHashFromStr("000000002a936ca763904c3c35fce2f3556c559c0214345d31b1bcebf76acb70")},
		{100000, newHashFromStr("00000000009e2958c15ff9290d571bf9459e93b19765c6801ddeccadbb160a1e")},
		{200000, newHashFromStr("0000000000287bffd321963ef05feab753ebe274e1d78b2fd4e2bfe9ad3aa6f2")},
		{300001, newHashFromStr("0000000000004829474748f3d1bc8fcf893c88be255e6d7f571c548aff57abf4")},
		{400002, newHashFromStr("0000000005e2c73b8ecb82ae2dbc2e8274614ebad7172b53528aba7501f5a089")},
		{500011, newHashFromStr("00000000000929f63977fbac92ff570a9bd9e7715401ee96f2848f7b07750b02")},
		{600002, newHashFromStr("000000000001f471389afd6ee94dcace5ccc44adc18e8bff402443f034b07240")},
		{700000, newHashFromStr("000000000000406178b12a4dea3b27e13b3c4fe4510994fd667d7c1e6a3f4dc1")},
		{800010, newHashFromStr("000000000017ed35296433190b6829db01e657d80631d43f5983fa403bfdb4c1")},
		{900000, newHashFromStr("0000000000356f8d8924556e765b7a94aaebc6b5c8685dcfa2b1ee8b41acd89b")},
		{1000007, newHashFromStr("00000000001ccb893d8a1f25b70ad173ce955e5f50124261bbbc50379a612ddf")},
	},

	RequireStandard: false,
}

// RegressionNetParams defines the network parameters for the regression test
// network. Every upgrade is active from the first block and the difficulty
// never changes.
var RegressionNetParams = Params{
	Name:        "regtest",
	Net:         0xfabfb5da,
	DefaultPort: "18444",

	GenesisBlock: genesisFrom(&gochaincfg.RegressionNetParams),
	GenesisHash:  newHashFromStr("0f9188f13cb7b2c71f2a335e3a4fc328bf5beb436012afca590b1a11466e2206"),
	PowLimit:     regressionPowLimit,
	PowLimitBits: 0x207fffff,

	BIP0034Height: 100000000, // Not active - Permit ver 1 blocks
	BIP0065Height: 1351,      // Used by regression tests
	BIP0066Height: 1251,      // Used by regression tests
	CSVHeight:     576,

	UAHFHeight:            0,
	DAAHeight:             0,
	MagneticAnomalyHeight: 0,
	GravitonHeight:        0,
	PhononHeight:          0,
	AxionHeight:           0,

	ASERTHalfLife: 2 * 24 * 60 * 60,

	CoinbaseMaturity:         100,
	SubsidyReductionInterval: 150,
	MaxBlockSize:             32000000,
	TargetTimespan:           time.Hour * 24 * 14, // 14 days
	TargetTimePerBlock:       time.Minute * 10,    // 10 minutes
	RetargetAdjustmentFactor: 4,                   // 25% less, 400% more
	ReduceMinDifficulty:      true,
	NoDifficultyAdjustment:   true,
	MinDiffReductionTime:     time.Minute * 20, // TargetTimePerBlock * 2

	RequireStandard: false,
}

var registeredNets = map[string]*Params{}

func init() {
	mustRegister(&MainNetParams)
	mustRegister(&TestNetParams)
	mustRegister(&RegressionNetParams)
}

// Register registers the network parameters under their name so GetChainParams
// can find them. It fails if the name is already taken.
func Register(params *Params) error {
	if _, ok := registeredNets[params.Name]; ok {
		return errors.NewConfigurationError("duplicate network %s", params.Name)
	}

	registeredNets[params.Name] = params

	return nil
}

// mustRegister performs the same function as Register except it panics if there
// is an error.  This should only be called from package init functions.
func mustRegister(params *Params) {
	if err := Register(params); err != nil {
		panic("failed to register network: " + err.Error())
	}
}

// GetChainParams returns the registered parameters for network. "main" and
// "test" are accepted as aliases.
func GetChainParams(network string) (*Params, error) {
	switch strings.ToLower(network) {
	case "main":
		network = "mainnet"
	case "test", "testnet3":
		network = "testnet"
	case "regression":
		network = "regtest"
	}

	params, ok := registeredNets[strings.ToLower(network)]
	if !ok {
		return nil, errors.NewConfigurationError("unknown network %s", network)
	}

	return params, nil
}

// newHashFromStr converts the passed big-endian hex string into a
// chainhash.Hash.  It only differs from the one available in chainhash in that
// it panics on an error since it will only (and must only) be called with
// hard-coded, and therefore known good, hashes.
func newHashFromStr(hexStr string) *chainhash.Hash {
	hash, err := chainhash.NewHashFromStr(hexStr)
	if err != nil {
		// Ordinarily I don't like panics in library code since it
		// can take applications down without them having a chance to
		// recover which is extremely annoying, however an exception is
		// being made in this case because the only way this can panic
		// is if there is an error in the hard-coded hashes.  Thus it
		// will only ever potentially panic on init and therefore is
		// 100% predictable.
		panic(err)
	}

	return hash
}

// genesisFrom serializes the genesis block of the shared pre-fork history. Bitcoin Cash
// inherits the genesis blocks unchanged.
func genesisFrom(p *gochaincfg.Params) []byte {
	var buf bytes.Buffer

	if err := p.GenesisBlock.Serialize(&buf); err != nil {
		panic(fmt.Sprintf("failed to serialize %s genesis block: %v", p.Name, err))
	}

	return buf.Bytes()
}
