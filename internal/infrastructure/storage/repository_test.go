package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"txledger/internal/config"
	"txledger/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLite(t *testing.T) {
	store, err := Open(context.Background(), config.Config{
		StoreDriver: config.StoreSQLite,
		DBDSN:       filepath.Join(t.TempDir(), "nested", "ledger.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Ping(context.Background()))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.Config{StoreDriver: "oracle"})
	require.Error(t, err)
}

func TestCachedStoreWithoutRedisPassesThrough(t *testing.T) {
	ctx := context.Background()
	base, err := Open(ctx, config.Config{
		StoreDriver: config.StoreSQLite,
		DBDSN:       filepath.Join(t.TempDir(), "ledger.db"),
	})
	require.NoError(t, err)

	cached, err := NewCachedStore(base, CacheConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cached.Close() })

	rec := domain.TransactionRecord{
		Hash:        "0xaa",
		From:        "0x1111111111111111111111111111111111111111",
		To:          "0x2222222222222222222222222222222222222222",
		Amount:      "1.0",
		Asset:       domain.AssetNative,
		BlockNumber: 7,
		Status:      domain.StatusSuccess,
		Timestamp:   time.Unix(1_700_000_000, 0).UTC(),
	}
	_, inserted, err := cached.UpsertIfAbsentOrEqual(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	records, err := cached.QueryByParticipant(ctx, rec.To)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Equal(rec))

	got, ok, err := cached.GetRecord(ctx, "0xaa")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1.0", got.Amount)
}

func TestNewCachedStoreRequiresBase(t *testing.T) {
	_, err := NewCachedStore(nil, CacheConfig{})
	require.Error(t, err)
}

func TestParticipantKeyIsCaseInsensitive(t *testing.T) {
	assert.Equal(t,
		participantKey("3", "0xABCDEF0000000000000000000000000000000000"),
		participantKey("3", "0xabcdef0000000000000000000000000000000000"),
	)
	assert.NotEqual(t, participantKey("3", "0xabc"), participantKey("4", "0xabc"))
}
