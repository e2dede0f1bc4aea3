package blockchain

import (
	"context"
	"net/url"
	"path/filepath"
	"testing"

	"github.com/bsv-blockchain/chainvalidator/settings"
	"github.com/bsv-blockchain/chainvalidator/ulogger"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStore(t *testing.T) {
	tSettings := settings.NewSettingsForNetwork("regtest")
	tSettings.DataFolder = filepath.Join(t.TempDir(), "data")

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{name: "sqlite memory", url: "sqlitememory:///blockindex"},
		{name: "sqlite file", url: "sqlite:///blockindex"},
		{name: "unknown scheme", url: "aerospike://localhost/blockindex", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storeURL, err := url.Parse(tt.url)
			require.NoError(t, err)

			store, err := NewStore(ulogger.TestLogger{}, storeURL, tSettings)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)

			defer func() {
				_ = store.Close()
			}()

			hash := chainhash.HashH([]byte(tt.name))
			require.NoError(t, store.SetBestBlock(context.Background(), &hash))

			best, err := store.GetBestBlock(context.Background())
			require.NoError(t, err)
			assert.Equal(t, hash, *best)
		})
	}

	_, err := NewStore(ulogger.TestLogger{}, nil, tSettings)
	require.Error(t, err)
}

func TestSqliteFileSurvivesReopen(t *testing.T) {
	tSettings := settings.NewSettingsForNetwork("regtest")
	tSettings.DataFolder = filepath.Join(t.TempDir(), "data")

	storeURL, err := url.Parse("sqlite:///reopen")
	require.NoError(t, err)

	hash := chainhash.HashH([]byte("tip"))

	store, err := NewStore(ulogger.TestLogger{}, storeURL, tSettings)
	require.NoError(t, err)
	require.NoError(t, store.SetBestBlock(context.Background(), &hash))
	require.NoError(t, store.Close())

	store, err = NewStore(ulogger.TestLogger{}, storeURL, tSettings)
	require.NoError(t, err)

	defer func() {
		_ = store.Close()
	}()

	best, err := store.GetBestBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hash, *best)
}
