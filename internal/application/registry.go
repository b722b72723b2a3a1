package application

import (
	"fmt"
	"strings"

	"txledger/internal/config"

	"github.com/ethereum/go-ethereum/common"
)

type registeredAsset struct {
	symbol      string
	decimals    uint8
	hasDecimals bool
}

// AssetRegistry maps token contract addresses to symbols. It is built once from
// configuration and never mutated.
type AssetRegistry struct {
	byAddress map[string]registeredAsset
}

func NewAssetRegistry(entries []config.AssetEntry) (*AssetRegistry, error) {
	registry := &AssetRegistry{byAddress: make(map[string]registeredAsset, len(entries))}
	for _, entry := range entries {
		if strings.TrimSpace(entry.Symbol) == "" {
			return nil, fmt.Errorf("asset registry: empty symbol for %s", entry.Address)
		}
		if !common.IsHexAddress(entry.Address) {
			return nil, fmt.Errorf("asset registry: invalid address %q for %s", entry.Address, entry.Symbol)
		}
		key := strings.ToLower(common.HexToAddress(entry.Address).Hex())
		if _, exists := registry.byAddress[key]; exists {
			return nil, fmt.Errorf("asset registry: duplicate address %s", key)
		}
		registry.byAddress[key] = registeredAsset{
			symbol:      entry.Symbol,
			decimals:    entry.Decimals,
			hasDecimals: entry.HasDecimals,
		}
	}
	return registry, nil
}

// Lookup returns the symbol registered for a contract address.
func (r *AssetRegistry) Lookup(address string) (string, bool) {
	if r == nil {
		return "", false
	}
	asset, ok := r.byAddress[strings.ToLower(address)]
	return asset.symbol, ok
}

func (r *AssetRegistry) decimals(address string) (uint8, bool) {
	if r == nil {
		return 0, false
	}
	asset, ok := r.byAddress[strings.ToLower(address)]
	if !ok || !asset.hasDecimals {
		return 0, false
	}
	return asset.decimals, true
}

func (r *AssetRegistry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.byAddress)
}
