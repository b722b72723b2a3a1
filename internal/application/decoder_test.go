package application

import (
	"context"
	"math/big"
	"testing"

	"txledger/internal/config"
	"txledger/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDecoder(t *testing.T, node *fakeNode, entries ...config.AssetEntry) *Decoder {
	t.Helper()
	registry, err := NewAssetRegistry(entries)
	require.NoError(t, err)
	decoder, err := NewDecoder(registry, node, 0)
	require.NoError(t, err)
	return decoder
}

func TestDecodeNativeTransfer(t *testing.T) {
	decoder := newTestDecoder(t, newFakeNode())

	transfer, err := decoder.Decode(context.Background(), domain.Transaction{
		From:  alice,
		To:    "0x2222222222222222222222222222222222222222",
		Value: ether(1, 5),
	}, domain.Receipt{Status: 1})
	require.NoError(t, err)

	assert.Equal(t, domain.AssetNative, transfer.Asset)
	assert.Equal(t, "1.5", transfer.Amount)
	assert.Equal(t, bob, transfer.Recipient)
	assert.Empty(t, transfer.AssetAddress)
}

func TestDecodeTokenTransferUsesEventRecipient(t *testing.T) {
	node := newFakeNode()
	node.decimals[usdc] = 6
	decoder := newTestDecoder(t, node, config.AssetEntry{Symbol: "USDC", Address: usdc})

	transfer, err := decoder.Decode(context.Background(), domain.Transaction{
		From:  alice,
		To:    usdc,
		Value: new(big.Int),
		Input: []byte{0xa9, 0x05, 0x9c, 0xbb},
	}, domain.Receipt{Status: 1, Logs: []domain.LogEntry{transferLog(usdc, alice, bob, big.NewInt(2_000_000))}})
	require.NoError(t, err)

	assert.Equal(t, "USDC", transfer.Asset)
	assert.Equal(t, usdc, transfer.AssetAddress)
	assert.Equal(t, "2.0", transfer.Amount)
	assert.Equal(t, bob, transfer.Recipient)
}

func TestDecodeCallWithoutTransferLog(t *testing.T) {
	decoder := newTestDecoder(t, newFakeNode())

	transfer, err := decoder.Decode(context.Background(), domain.Transaction{
		From:  alice,
		To:    usdc,
		Value: new(big.Int),
		Input: []byte{0x01},
	}, domain.Receipt{Status: 1, Logs: []domain.LogEntry{{Address: usdc, Topics: []string{hexHash(1)}}}})
	require.NoError(t, err)

	assert.Equal(t, domain.AssetNotATransfer, transfer.Asset)
	assert.Equal(t, "0", transfer.Amount)
	assert.Equal(t, usdc, transfer.Recipient)
}

func TestDecodeUnregisteredContractIsUnknown(t *testing.T) {
	const other = "0x3333333333333333333333333333333333333333"
	node := newFakeNode()
	node.decimals[other] = 18
	decoder := newTestDecoder(t, node)

	transfer, err := decoder.Decode(context.Background(), domain.Transaction{
		From:  alice,
		To:    other,
		Input: []byte{0x01},
	}, domain.Receipt{Logs: []domain.LogEntry{transferLog(other, alice, bob, ether(3, 0))}})
	require.NoError(t, err)

	assert.Equal(t, domain.AssetUnknown, transfer.Asset)
	assert.Equal(t, other, transfer.AssetAddress)
	assert.Equal(t, "3.0", transfer.Amount)
}

func TestDecodeSkipsRemovedLogs(t *testing.T) {
	node := newFakeNode()
	node.decimals[usdc] = 6
	decoder := newTestDecoder(t, node, config.AssetEntry{Symbol: "USDC", Address: usdc})

	removed := transferLog(usdc, alice, alice, big.NewInt(1))
	removed.Removed = true
	transfer, err := decoder.Decode(context.Background(), domain.Transaction{To: usdc, Input: []byte{0x01}},
		domain.Receipt{Logs: []domain.LogEntry{removed, transferLog(usdc, alice, bob, big.NewInt(1_250_000))}})
	require.NoError(t, err)

	assert.Equal(t, bob, transfer.Recipient)
	assert.Equal(t, "1.25", transfer.Amount)
}

func TestDecoderCachesTokenDecimals(t *testing.T) {
	node := newFakeNode()
	node.decimals[usdc] = 6
	decoder := newTestDecoder(t, node, config.AssetEntry{Symbol: "USDC", Address: usdc})

	tx := domain.Transaction{To: usdc, Input: []byte{0x01}}
	receipt := domain.Receipt{Logs: []domain.LogEntry{transferLog(usdc, alice, bob, big.NewInt(1))}}
	for i := 0; i < 3; i++ {
		_, err := decoder.Decode(context.Background(), tx, receipt)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, node.decimalsCalls)
}

func TestDecoderPrefersRegistryDecimals(t *testing.T) {
	node := newFakeNode()
	decoder := newTestDecoder(t, node, config.AssetEntry{Symbol: "USDC", Address: usdc, Decimals: 6, HasDecimals: true})

	transfer, err := decoder.Decode(context.Background(), domain.Transaction{To: usdc, Input: []byte{0x01}},
		domain.Receipt{Logs: []domain.LogEntry{transferLog(usdc, alice, bob, big.NewInt(500_000))}})
	require.NoError(t, err)

	assert.Equal(t, "0.5", transfer.Amount)
	assert.Zero(t, node.decimalsCalls)
}

func TestDecodeFailsWhenDecimalsUnavailable(t *testing.T) {
	decoder := newTestDecoder(t, newFakeNode())

	_, err := decoder.Decode(context.Background(), domain.Transaction{To: usdc, Input: []byte{0x01}},
		domain.Receipt{Logs: []domain.LogEntry{transferLog(usdc, alice, bob, big.NewInt(1))}})
	assert.ErrorIs(t, err, ErrNodeUnavailable)
}

func TestDecodeRejectsMalformedTransferLog(t *testing.T) {
	decoder := newTestDecoder(t, newFakeNode())

	short := transferLog(usdc, alice, bob, big.NewInt(1))
	short.Data = short.Data[:8]
	_, err := decoder.Decode(context.Background(), domain.Transaction{To: usdc, Input: []byte{0x01}},
		domain.Receipt{Logs: []domain.LogEntry{short}})
	assert.Error(t, err)
}

func TestNewDecoderRequiresTokenMetadata(t *testing.T) {
	_, err := NewDecoder(nil, nil, 18)
	assert.Error(t, err)
}

func TestFormatUnits(t *testing.T) {
	tests := []struct {
		value    *big.Int
		decimals uint8
		want     string
	}{
		{ether(1, 5), 18, "1.5"},
		{big.NewInt(2_000_000), 6, "2.0"},
		{big.NewInt(0), 18, "0.0"},
		{nil, 18, "0.0"},
		{big.NewInt(1), 18, "0.000000000000000001"},
		{big.NewInt(42), 0, "42.0"},
		{big.NewInt(-1_500_000), 6, "-1.5"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatUnits(tt.value, tt.decimals))
	}
}

func TestParseWei(t *testing.T) {
	v, ok := ParseWei(" 1000 ")
	require.True(t, ok)
	assert.Equal(t, int64(1000), v.Int64())

	for _, raw := range []string{"", "-1", "1.5", "0x10"} {
		_, ok := ParseWei(raw)
		assert.False(t, ok, raw)
	}
}

func TestAssetRegistry(t *testing.T) {
	registry, err := NewAssetRegistry([]config.AssetEntry{{Symbol: "USDC", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"}})
	require.NoError(t, err)

	symbol, ok := registry.Lookup(usdc)
	require.True(t, ok)
	assert.Equal(t, "USDC", symbol)
	assert.Equal(t, 1, registry.Len())

	_, ok = registry.Lookup(bob)
	assert.False(t, ok)

	var empty *AssetRegistry
	_, ok = empty.Lookup(usdc)
	assert.False(t, ok)
	assert.Zero(t, empty.Len())
}

func TestAssetRegistryRejectsBadEntries(t *testing.T) {
	tests := map[string][]config.AssetEntry{
		"empty symbol":    {{Symbol: " ", Address: usdc}},
		"bad address":     {{Symbol: "USDC", Address: "0x1234"}},
		"duplicate entry": {{Symbol: "USDC", Address: usdc}, {Symbol: "USDC2", Address: "0xA0B86991C6218B36C1D19D4A2E9EB0CE3606EB48"}},
	}
	for name, entries := range tests {
		_, err := NewAssetRegistry(entries)
		assert.Error(t, err, name)
	}
}
