package application

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"txledger/internal/domain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TransferEventTopic is topic0 of Transfer(address,address,uint256).
var TransferEventTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)")).Hex()

const defaultNativeDecimals = 18

// Transfer is what a transaction moved according to the decoder.
type Transfer struct {
	Asset        string
	AssetAddress string
	Amount       string
	Recipient    string
}

// Decoder classifies a mined transaction as a native transfer, a fungible
// token transfer or neither.
//
// Only the first Transfer log of a receipt is decoded. Calls that move several
// tokens (swaps, batched payouts) are reported by their first leg; callers
// must not treat the result as a complete economic account of the call.
type Decoder struct {
	registry       *AssetRegistry
	tokens         TokenMetadata
	nativeDecimals uint8

	mu       sync.Mutex
	decimals map[string]uint8
}

func NewDecoder(registry *AssetRegistry, tokens TokenMetadata, nativeDecimals uint8) (*Decoder, error) {
	if tokens == nil {
		return nil, errors.New("token metadata source is required")
	}
	if nativeDecimals == 0 {
		nativeDecimals = defaultNativeDecimals
	}
	return &Decoder{
		registry:       registry,
		tokens:         tokens,
		nativeDecimals: nativeDecimals,
		decimals:       make(map[string]uint8),
	}, nil
}

func (d *Decoder) Decode(ctx context.Context, tx domain.Transaction, receipt domain.Receipt) (Transfer, error) {
	recipient := tx.To
	if recipient == "" {
		recipient = receipt.ContractAddress
	}

	if len(tx.Input) == 0 {
		return Transfer{
			Asset:     domain.AssetNative,
			Amount:    FormatUnits(tx.Value, d.nativeDecimals),
			Recipient: strings.ToLower(recipient),
		}, nil
	}

	log, ok := firstTransferLog(receipt.Logs)
	if !ok {
		return Transfer{
			Asset:     domain.AssetNotATransfer,
			Amount:    "0",
			Recipient: strings.ToLower(recipient),
		}, nil
	}

	to, value, err := decodeTransferLog(log)
	if err != nil {
		return Transfer{}, err
	}

	contract := strings.ToLower(log.Address)
	asset, known := d.registry.Lookup(contract)
	if !known {
		asset = domain.AssetUnknown
	}
	decimals, err := d.tokenDecimals(ctx, contract)
	if err != nil {
		return Transfer{}, err
	}

	return Transfer{
		Asset:        asset,
		AssetAddress: contract,
		Amount:       FormatUnits(value, decimals),
		Recipient:    to,
	}, nil
}

// tokenDecimals prefers the registry's configured precision and otherwise asks
// the contract once per process.
func (d *Decoder) tokenDecimals(ctx context.Context, contract string) (uint8, error) {
	if decimals, ok := d.registry.decimals(contract); ok {
		return decimals, nil
	}

	d.mu.Lock()
	cached, ok := d.decimals[contract]
	d.mu.Unlock()
	if ok {
		return cached, nil
	}

	decimals, err := d.tokens.TokenDecimals(ctx, contract)
	if err != nil {
		return 0, fmt.Errorf("decimals for %s: %w", contract, err)
	}

	d.mu.Lock()
	d.decimals[contract] = decimals
	d.mu.Unlock()
	return decimals, nil
}

func firstTransferLog(logs []domain.LogEntry) (domain.LogEntry, bool) {
	for _, log := range logs {
		if log.Removed || len(log.Topics) == 0 {
			continue
		}
		if strings.EqualFold(log.Topics[0], TransferEventTopic) {
			return log, true
		}
	}
	return domain.LogEntry{}, false
}

// decodeTransferLog reads the indexed recipient (topic 2) and the value word
// from a Transfer log.
func decodeTransferLog(log domain.LogEntry) (string, *big.Int, error) {
	if len(log.Topics) < 3 {
		return "", nil, fmt.Errorf("transfer log %s/%d: expected 3 topics, got %d", log.TxHash, log.LogIndex, len(log.Topics))
	}
	if len(log.Data) < common.HashLength {
		return "", nil, fmt.Errorf("transfer log %s/%d: invalid data length %d", log.TxHash, log.LogIndex, len(log.Data))
	}
	to, err := topicAddress(log.Topics[2])
	if err != nil {
		return "", nil, err
	}
	value := new(big.Int).SetBytes(log.Data[:common.HashLength])
	return to, value, nil
}

func topicAddress(topic string) (string, error) {
	if !strings.HasPrefix(topic, "0x") || len(topic) != 2+2*common.HashLength {
		return "", fmt.Errorf("invalid topic address: %s", topic)
	}
	hash := common.HexToHash(topic)
	return strings.ToLower(common.BytesToAddress(hash.Bytes()[12:]).Hex()), nil
}
