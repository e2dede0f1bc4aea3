package pow

import (
	"math"
	"math/big"
	"testing"

	"github.com/bsv-blockchain/chainvalidator/chaincfg"
	"github.com/bsv-blockchain/chainvalidator/errors"
	"github.com/bsv-blockchain/chainvalidator/model"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func indexAt(height int32, timestamp uint32, bits model.NBit) *model.BlockIndex {
	idx := model.NewBlockIndex(&model.BlockHeader{
		Version:        1,
		HashPrevBlock:  &chainhash.Hash{},
		HashMerkleRoot: &chainhash.Hash{},
		Timestamp:      timestamp,
		Bits:           bits,
	})
	idx.Height = height

	return idx
}

var nonce uint32

func nextIndex(prev *model.BlockIndex, interval int64, bits model.NBit) *model.BlockIndex {
	nonce++

	idx := model.NewBlockIndex(&model.BlockHeader{
		Version:        1,
		HashPrevBlock:  &prev.Hash,
		HashMerkleRoot: &chainhash.Hash{},
		Timestamp:      uint32(int64(prev.GetTime()) + interval), //nolint:gosec // test timestamps
		Bits:           bits,
		Nonce:          nonce,
	})
	idx.Link(prev)

	return idx
}

func genesisIndex(timestamp uint32, bits model.NBit) *model.BlockIndex {
	idx := indexAt(0, timestamp, bits)
	idx.Link(nil)

	return idx
}

func paramsWith(base *chaincfg.Params, fn func(p *chaincfg.Params)) *chaincfg.Params {
	p := *base
	fn(&p)

	return &p
}

func TestCalculateNextWorkRequired(t *testing.T) {
	params := &chaincfg.MainNetParams

	tests := []struct {
		name             string
		lastRetargetTime int64
		height           int32
		timestamp        uint32
		bits             model.NBit
		expect           model.NBit
	}{
		{"block 32255", 1261130161, 32255, 1262152739, 0x1d00ffff, 0x1d00d86a},
		{"first retarget stays at limit", 1231006505, 2015, 1233061996, 0x1d00ffff, 0x1d00ffff},
		{"lower bound clamp", 1279008237, 68543, 1279297671, 0x1c05a3f4, 0x1c0168fd},
		{"upper bound clamp", 1263163443, 46367, 1269211443, 0x1c387f6f, 0x1d00e1fd},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := indexAt(tt.height, tt.timestamp, tt.bits)

			bits, err := CalculateNextWorkRequired(prev, tt.lastRetargetTime, params)
			require.NoError(t, err)
			assert.Equal(t, tt.expect, bits, "expected %s, got %s", tt.expect, bits)
		})
	}
}

func TestGenesisAndNoRetarget(t *testing.T) {
	bits, err := NextWorkRequired(nil, nil, &chaincfg.MainNetParams, nil)
	require.NoError(t, err)
	assert.Equal(t, model.NBit(0x1d00ffff), bits)

	prev := indexAt(500, 1600000000, 0x207fffff)
	bits, err = NextWorkRequired(prev, &model.BlockHeader{Timestamp: 1700000000}, &chaincfg.RegressionNetParams, nil)
	require.NoError(t, err)
	assert.Equal(t, model.NBit(0x207fffff), bits)
}

func TestEmergencyDifficultyAdjustment(t *testing.T) {
	params := paramsWith(&chaincfg.MainNetParams, func(p *chaincfg.Params) {
		p.UAHFHeight = 0
		p.DAAHeight = math.MaxInt32
		p.AxionHeight = math.MaxInt32
	})

	currentPow := new(big.Int).Rsh(params.PowLimit, 1)
	initialBits := model.NBit(model.BigToCompact(currentPow))
	header := &model.BlockHeader{}

	blocks := make([]*model.BlockIndex, 115)
	blocks[0] = genesisIndex(1269211443, initialBits)

	// pile up some blocks
	for i := 1; i < 100; i++ {
		blocks[i] = nextIndex(blocks[i-1], 600, initialBits)
	}

	// 2h blocks: for the first 5 the MTP is unaffected, for the next 5 the MTP difference
	// grows but stays below 12h
	for i := 100; i < 110; i++ {
		blocks[i] = nextIndex(blocks[i-1], 2*3600, initialBits)

		bits, err := NextWorkRequired(blocks[i], header, params, nil)
		require.NoError(t, err)
		require.Equal(t, initialBits, bits, "block %d", i)
	}

	expectNext := func(prev *model.BlockIndex) model.NBit {
		target := prev.Bits().CalculateTarget()
		target.Add(target, new(big.Int).Rsh(target, 2))

		return model.NBit(model.BigToCompact(target))
	}

	// now the difficulty decreases, and keeps decreasing with 2h blocks
	blocks[110] = nextIndex(blocks[109], 2*3600, initialBits)
	bits, err := NextWorkRequired(blocks[110], header, params, nil)
	require.NoError(t, err)
	assert.Equal(t, expectNext(blocks[110]), bits)

	blocks[111] = nextIndex(blocks[110], 2*3600, bits)
	bits, err = NextWorkRequired(blocks[111], header, params, nil)
	require.NoError(t, err)
	assert.Equal(t, expectNext(blocks[111]), bits)

	blocks[112] = nextIndex(blocks[111], 2*3600, bits)
	bits, err = NextWorkRequired(blocks[112], header, params, nil)
	require.NoError(t, err)
	assert.Equal(t, expectNext(blocks[112]), bits)

	// the next step would pass the limit, so it is clamped
	blocks[113] = nextIndex(blocks[112], 2*3600, bits)
	require.NotEqual(t, model.NBit(params.PowLimitBits), expectNext(blocks[113]))
	bits, err = NextWorkRequired(blocks[113], header, params, nil)
	require.NoError(t, err)
	assert.Equal(t, model.NBit(params.PowLimitBits), bits)

	// once at the minimum difficulty it sticks
	blocks[114] = nextIndex(blocks[113], 2*3600, bits)
	bits, err = NextWorkRequired(blocks[114], header, params, nil)
	require.NoError(t, err)
	assert.Equal(t, model.NBit(params.PowLimitBits), bits)
}

func TestEDANotActiveBeforeUAHF(t *testing.T) {
	params := &chaincfg.MainNetParams
	bits := model.NBit(0x1c0168fd)

	blocks := []*model.BlockIndex{genesisIndex(1269211443, bits)}
	for i := 1; i < 30; i++ {
		blocks = append(blocks, nextIndex(blocks[i-1], 4*3600, bits))
	}

	next, err := NextWorkRequired(blocks[29], &model.BlockHeader{}, params, nil)
	require.NoError(t, err)
	assert.Equal(t, bits, next)
}

func TestTestnetMinDifficulty(t *testing.T) {
	params := paramsWith(&chaincfg.TestNetParams, func(p *chaincfg.Params) {
		p.DAAHeight = math.MaxInt32
		p.AxionHeight = math.MaxInt32
	})

	initialBits := model.NBit(model.BigToCompact(new(big.Int).Rsh(params.PowLimit, 1)))
	blocks := []*model.BlockIndex{genesisIndex(1269211443, initialBits)}

	for i := 1; i < 10; i++ {
		blocks = append(blocks, nextIndex(blocks[i-1], 600, initialBits))

		bits, err := NextWorkRequired(blocks[i], &model.BlockHeader{Timestamp: blocks[i].GetTime() + 600}, params, nil)
		require.NoError(t, err)
		require.Equal(t, initialBits, bits)
	}

	// a block more than 20 minutes late may use the minimum difficulty
	late := &model.BlockHeader{Timestamp: blocks[9].GetTime() + 2*600 + 1}
	bits, err := NextWorkRequired(blocks[9], late, params, nil)
	require.NoError(t, err)
	assert.Equal(t, model.NBit(params.PowLimitBits), bits)

	// after a min difficulty block the last real difficulty is restored
	minBlock := nextIndex(blocks[9], 2*600+1, model.NBit(params.PowLimitBits))
	bits, err = NextWorkRequired(minBlock, &model.BlockHeader{Timestamp: minBlock.GetTime() + 600}, params, nil)
	require.NoError(t, err)
	assert.Equal(t, initialBits, bits)
}

func TestCashWorkRequired(t *testing.T) {
	params := paramsWith(&chaincfg.MainNetParams, func(p *chaincfg.Params) {
		p.DAAHeight = 0
		p.AxionHeight = math.MaxInt32
	})

	header := &model.BlockHeader{}
	initialBits := model.NBit(model.BigToCompact(new(big.Int).Rsh(params.PowLimit, 4)))

	prev := genesisIndex(1269211443, initialBits)

	// pile up some blocks every 10 mins to establish some history
	for i := 1; i < 2050; i++ {
		prev = nextIndex(prev, 600, initialBits)
	}

	next := func(interval int64, bits model.NBit) model.NBit {
		prev = nextIndex(prev, interval, bits)

		nextBits, err := NextWorkRequired(prev, header, params, nil)
		require.NoError(t, err)

		return nextBits
	}

	bits, err := NextWorkRequired(prev, header, params, nil)
	require.NoError(t, err)

	// difficulty stays the same as long as we produce a block every 10 mins
	for j := 0; j < 10; j++ {
		require.Equal(t, bits, next(600, bits))
	}

	// blocks that are out of whack are skipped: one far in the future, then one with the
	// expected timestamp
	require.Equal(t, bits, next(6000, bits))
	require.Equal(t, bits, next(2*600-6000, bits))

	// the system continues unaffected by the block with a bogus timestamp
	for j := 0; j < 20; j++ {
		require.Equal(t, bits, next(600, bits))
	}

	// slightly faster blocks, the first one has no impact
	require.Equal(t, bits, next(550, bits))

	// now the difficulty increases slowly
	for j := 0; j < 10; j++ {
		nextBits := next(550, bits)

		current := bits.CalculateTarget()
		target := nextBits.CalculateTarget()
		require.Negative(t, target.Cmp(current))
		require.Negative(t, new(big.Int).Sub(current, target).Cmp(new(big.Int).Div(current, big.NewInt(1024))))

		bits = nextBits
	}

	assert.Equal(t, model.NBit(0x1c0fe7b1), bits)

	// dramatically shorter block production increases difficulty faster
	for j := 0; j < 20; j++ {
		nextBits := next(10, bits)

		current := bits.CalculateTarget()
		target := nextBits.CalculateTarget()
		require.Negative(t, target.Cmp(current))
		require.Negative(t, new(big.Int).Sub(current, target).Cmp(new(big.Int).Div(current, big.NewInt(16))))

		bits = nextBits
	}

	assert.Equal(t, model.NBit(0x1c0db19f), bits)

	// significantly slower blocks, the first one has no impact
	bits = next(6000, bits)
	assert.Equal(t, model.NBit(0x1c0d9222), bits)

	// dramatically slower block production decreases difficulty
	for j := 0; j < 93; j++ {
		nextBits := next(6000, bits)

		current := bits.CalculateTarget()
		target := nextBits.CalculateTarget()
		require.LessOrEqual(t, target.Cmp(params.PowLimit), 0)
		require.Positive(t, target.Cmp(current))
		require.Negative(t, new(big.Int).Sub(target, current).Cmp(new(big.Int).Rsh(current, 3)))

		bits = nextBits
	}

	assert.Equal(t, model.NBit(0x1c2f13b9), bits)

	// the bounded window makes the next block's difficulty actually harder
	bits = next(6000, bits)
	assert.Equal(t, model.NBit(0x1c2ee9bf), bits)

	// and it goes down again, slowly because the skewed block pushes two blocks out of
	// the window
	for j := 0; j < 192; j++ {
		nextBits := next(6000, bits)

		current := bits.CalculateTarget()
		target := nextBits.CalculateTarget()
		require.LessOrEqual(t, target.Cmp(params.PowLimit), 0)
		require.Positive(t, target.Cmp(current))
		require.Negative(t, new(big.Int).Sub(target, current).Cmp(new(big.Int).Div(current, big.NewInt(8))))

		bits = nextBits
	}

	assert.Equal(t, model.NBit(0x1d00ffff), bits)

	// once at the minimum difficulty it doesn't get any easier
	for j := 0; j < 5; j++ {
		require.Equal(t, model.NBit(params.PowLimitBits), next(6000, bits))
	}
}

func TestCashWorkNeedsHistory(t *testing.T) {
	params := paramsWith(&chaincfg.MainNetParams, func(p *chaincfg.Params) {
		p.DAAHeight = 0
		p.AxionHeight = math.MaxInt32
	})

	prev := genesisIndex(1269211443, 0x1d00ffff)
	for i := 1; i < 100; i++ {
		prev = nextIndex(prev, 600, 0x1d00ffff)
	}

	_, err := NextWorkRequired(prev, &model.BlockHeader{}, params, nil)
	require.Error(t, err)
}

func TestCalculateASERTDoublingAndHalving(t *testing.T) {
	params := &chaincfg.MainNetParams
	spacing := int64(600)
	halfLife := params.ASERTHalfLife
	ref := new(big.Int).Lsh(big.NewInt(0xabcdef), 180)

	for _, heightDiff := range []int64{0, 1, 1000, 50000} {
		onSchedule := spacing * (heightDiff + 1)

		target, err := CalculateASERT(ref, spacing, onSchedule, heightDiff, params.PowLimit, halfLife)
		require.NoError(t, err)
		assert.Equal(t, ref, target, "on schedule keeps the target")

		// two days behind schedule doubles the target
		target, err = CalculateASERT(ref, spacing, onSchedule+halfLife, heightDiff, params.PowLimit, halfLife)
		require.NoError(t, err)
		assert.Equal(t, new(big.Int).Lsh(ref, 1), target)

		// two days ahead of schedule halves it
		target, err = CalculateASERT(ref, spacing, onSchedule-halfLife, heightDiff, params.PowLimit, halfLife)
		require.NoError(t, err)
		assert.Equal(t, new(big.Int).Rsh(ref, 1), target)
	}
}

func TestCalculateASERTApproximationError(t *testing.T) {
	params := &chaincfg.MainNetParams
	spacing := int64(600)
	halfLife := params.ASERTHalfLife
	ref := new(big.Int).Lsh(big.NewInt(1), 200)
	refFloat := new(big.Float).SetInt(ref)

	for offset := -halfLife; offset <= halfLife; offset += 97 {
		timeDiff := spacing + offset

		target, err := CalculateASERT(ref, spacing, timeDiff, 0, params.PowLimit, halfLife)
		require.NoError(t, err)

		exponent := (offset * 65536) / halfLife
		expected := new(big.Float).Mul(refFloat, big.NewFloat(math.Pow(2, float64(exponent)/65536)))

		ratio, _ := new(big.Float).Quo(new(big.Float).SetInt(target), expected).Float64()
		require.InDelta(t, 1.0, ratio, 0.00012, "offset %d", offset)
	}
}

func TestCalculateASERTBounds(t *testing.T) {
	params := &chaincfg.MainNetParams

	// far behind schedule clamps to the limit
	target, err := CalculateASERT(params.PowLimit, 600, 1<<40, 0, params.PowLimit, params.ASERTHalfLife)
	require.NoError(t, err)
	assert.Equal(t, params.PowLimit, target)

	// far ahead of schedule never reaches zero
	target, err = CalculateASERT(big.NewInt(1000), 600, -(1 << 40), 0, params.PowLimit, params.ASERTHalfLife)
	require.NoError(t, err)
	assert.Equal(t, int64(1), target.Int64())

	_, err = CalculateASERT(big.NewInt(0), 600, 600, 0, params.PowLimit, params.ASERTHalfLife)
	require.Error(t, err)

	_, err = CalculateASERT(new(big.Int).Add(params.PowLimit, bigOne), 600, 600, 0, params.PowLimit, params.ASERTHalfLife)
	require.Error(t, err)

	_, err = CalculateASERT(big.NewInt(1000), 600, 600, -1, params.PowLimit, params.ASERTHalfLife)
	require.Error(t, err)
}

func TestASERTMainnetAnchor(t *testing.T) {
	params := &chaincfg.MainNetParams
	anchor := params.ASERTAnchor

	// the anchor block itself, mined exactly one spacing after its parent
	prev := indexAt(anchor.Height, uint32(anchor.PrevBlockTime+600), 0x1804dafe) //nolint:gosec // test timestamp

	bits, err := NextWorkRequired(prev, &model.BlockHeader{}, params, nil)
	require.NoError(t, err)
	assert.Equal(t, model.NBit(anchor.Bits), bits)
}

func asertParams() *chaincfg.Params {
	return paramsWith(&chaincfg.MainNetParams, func(p *chaincfg.Params) {
		p.DAAHeight = 0
		p.AxionHeight = 2100
		p.ASERTAnchor = nil
	})
}

func TestASERTCommutativity(t *testing.T) {
	params := asertParams()
	cache := NewAnchorCache()
	bits := model.NBit(model.BigToCompact(new(big.Int).Rsh(params.PowLimit, 4)))

	prev := genesisIndex(1269211443, bits)
	for i := 1; i <= 2150; i++ {
		prev = nextIndex(prev, 600, bits)
	}

	before, err := NextWorkRequired(prev, &model.BlockHeader{}, params, cache)
	require.NoError(t, err)

	for _, split := range []int64{1, 300, 600, 900, 1199} {
		first := nextIndex(prev, split, before)
		second := nextIndex(first, 1200-split, before)

		after, err := NextWorkRequired(second, &model.BlockHeader{}, params, cache)
		require.NoError(t, err)
		assert.Equal(t, before, after, "split %d", split)
	}

	// faster blocks make the target harder
	fast := nextIndex(prev, 100, before)
	harder, err := NextWorkRequired(fast, &model.BlockHeader{}, params, cache)
	require.NoError(t, err)
	assert.Negative(t, harder.CalculateTarget().Cmp(before.CalculateTarget()))
}

func TestAnchorCache(t *testing.T) {
	params := asertParams()
	cache := NewAnchorCache()

	prev := genesisIndex(1269211443, 0x1d00ffff)
	for i := 1; i <= 2200; i++ {
		prev = nextIndex(prev, 600, 0x1d00ffff)
	}

	anchor := cache.Get(prev, params)
	require.NotNil(t, anchor)
	assert.Equal(t, params.AxionHeight, anchor.Height)
	assert.Same(t, anchor, cache.Get(prev, params))

	// a competing branch forking below the anchor gets its own anchor
	fork := prev.GetAncestor(2000)
	for i := 0; i < 150; i++ {
		fork = nextIndex(fork, 601, 0x1d00ffff)
	}

	forkAnchor := cache.Get(fork, params)
	require.NotNil(t, forkAnchor)
	assert.NotSame(t, anchor, forkAnchor)
	assert.Equal(t, params.AxionHeight, forkAnchor.Height)

	cache.Reset()
	assert.Same(t, anchor, cache.Get(prev, params))

	assert.Nil(t, cache.Get(prev.GetAncestor(10), params))

	var nilCache *AnchorCache
	assert.Same(t, anchor, nilCache.Get(prev, params))
}

func TestCheckProofOfWork(t *testing.T) {
	params := &chaincfg.MainNetParams

	require.NoError(t, CheckProofOfWork(params.GenesisHash, 0x1d00ffff, params))

	err := CheckProofOfWork(params.GenesisHash, 0x1b00ffff, params)
	require.Error(t, err)
	assert.Equal(t, "16: high-hash", errors.RejectReason(err))
	assert.Equal(t, 50, errors.PunishmentOf(err))

	for _, bits := range []model.NBit{0x207fffff, 0, 0x01fedcba, 0xff123456} {
		err = CheckProofOfWork(params.GenesisHash, bits, params)
		require.Error(t, err)
		assert.Equal(t, "16: bad-diffbits", errors.RejectReason(err), "bits %s", bits)
	}

	// regtest accepts its own easy target
	require.NoError(t, CheckProofOfWork(chaincfg.RegressionNetParams.GenesisHash, 0x207fffff, &chaincfg.RegressionNetParams))
}

func TestNextWorkAlwaysWithinLimits(t *testing.T) {
	params := paramsWith(asertParams(), func(p *chaincfg.Params) {
		p.DAAHeight = math.MaxInt32
	})
	bits := model.NBit(params.PowLimitBits)

	prev := genesisIndex(1269211443, bits)
	for i := 1; i <= 2200; i++ {
		interval := int64(600)
		if i%7 == 0 {
			interval = 7200
		} else if i%5 == 0 {
			interval = 1
		}

		next, err := NextWorkRequired(prev, &model.BlockHeader{}, params, nil)
		require.NoError(t, err)

		target := next.CalculateTarget()
		require.Positive(t, target.Sign())
		require.LessOrEqual(t, target.Cmp(params.PowLimit), 0)

		prev = nextIndex(prev, interval, next)
	}
}
