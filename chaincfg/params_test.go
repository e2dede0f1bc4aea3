package chaincfg

import (
	"bytes"
	"testing"

	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetChainParams(t *testing.T) {
	tests := []struct {
		name   string
		expect *Params
	}{
		{"mainnet", &MainNetParams},
		{"main", &MainNetParams},
		{"testnet", &TestNetParams},
		{"test", &TestNetParams},
		{"TESTNET3", &TestNetParams},
		{"regtest", &RegressionNetParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := GetChainParams(tt.name)
			require.NoError(t, err)
			assert.Same(t, tt.expect, params)
		})
	}

	_, err := GetChainParams("nonet")
	require.Error(t, err)
}

func TestRegisterDuplicate(t *testing.T) {
	require.Error(t, Register(&MainNetParams))
}

func TestGenesisBlocks(t *testing.T) {
	for _, params := range []*Params{&MainNetParams, &TestNetParams, &RegressionNetParams} {
		t.Run(params.Name, func(t *testing.T) {
			require.GreaterOrEqual(t, len(params.GenesisBlock), 80)

			hash := chainhash.DoubleHashH(params.GenesisBlock[:80])
			assert.Equal(t, *params.GenesisHash, hash)
		})
	}

	// the networks share history but not genesis
	assert.False(t, bytes.Equal(MainNetParams.GenesisBlock[:80], RegressionNetParams.GenesisBlock[:80]))
}

func TestCheckpoints(t *testing.T) {
	hash, ok := MainNetParams.CheckpointAt(478559)
	require.True(t, ok)
	assert.Equal(t, "000000000000000000651ef99cb9fcbe0dadde1d424bd9f15ff20136191a5eec", hash.String())

	_, ok = MainNetParams.CheckpointAt(478560)
	assert.False(t, ok)

	assert.Equal(t, int32(556767), MainNetParams.LastCheckpointHeight())
	assert.Equal(t, int32(-1), RegressionNetParams.LastCheckpointHeight())

	for _, params := range []*Params{&MainNetParams, &TestNetParams} {
		for i := 1; i < len(params.Checkpoints); i++ {
			assert.Greater(t, params.Checkpoints[i].Height, params.Checkpoints[i-1].Height, params.Name)
		}
	}
}

func TestRetargetInterval(t *testing.T) {
	assert.Equal(t, int32(2016), MainNetParams.RetargetInterval())
}

func TestActivationOrder(t *testing.T) {
	for _, params := range []*Params{&MainNetParams, &TestNetParams} {
		assert.Less(t, params.UAHFHeight, params.DAAHeight, params.Name)
		assert.Less(t, params.DAAHeight, params.MagneticAnomalyHeight, params.Name)
		assert.Less(t, params.MagneticAnomalyHeight, params.GravitonHeight, params.Name)
		assert.Less(t, params.GravitonHeight, params.PhononHeight, params.Name)
		assert.Less(t, params.PhononHeight, params.AxionHeight, params.Name)
		require.NotNil(t, params.ASERTAnchor, params.Name)
		assert.Equal(t, params.AxionHeight, params.ASERTAnchor.Height, params.Name)
	}

	assert.Nil(t, RegressionNetParams.ASERTAnchor)
	assert.True(t, RegressionNetParams.NoDifficultyAdjustment)
}

func TestBlockSubsidy(t *testing.T) {
	params := RegressionNetParams

	assert.Equal(t, uint64(50*1e8), params.BlockSubsidy(0))
	assert.Equal(t, uint64(50*1e8), params.BlockSubsidy(149))
	assert.Equal(t, uint64(25*1e8), params.BlockSubsidy(150))
	assert.Equal(t, uint64(125*1e7), params.BlockSubsidy(300))
	assert.Equal(t, uint64(0), params.BlockSubsidy(150*64))

	assert.Equal(t, uint64(25*1e8), MainNetParams.BlockSubsidy(210000))
}
