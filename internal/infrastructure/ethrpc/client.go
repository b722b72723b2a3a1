package ethrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"txledger/internal/application"
	"txledger/internal/domain"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// decimalsSelector is the 4-byte selector of decimals().
var decimalsSelector = hexutil.Bytes(crypto.Keccak256([]byte("decimals()"))[:4])

// CallObserver is told about every RPC round trip.
type CallObserver interface {
	OnNodeCall(method string, err error)
}

type Client struct {
	url        string
	httpClient *http.Client
	idCounter  uint64
	observer   CallObserver
}

type Config struct {
	URL      string
	Timeout  time.Duration
	Observer CallObserver
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("rpc url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		url:        cfg.URL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		observer:   cfg.Observer,
	}, nil
}

func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var result hexutil.Uint64
	if _, err := c.call(ctx, "eth_blockNumber", []any{}, &result); err != nil {
		return 0, err
	}
	return uint64(result), nil
}

func (c *Client) GetTransaction(ctx context.Context, hash string) (domain.Transaction, bool, error) {
	var result *rpcTransaction
	found, err := c.call(ctx, "eth_getTransactionByHash", []any{hash}, &result)
	if err != nil || !found || result == nil {
		return domain.Transaction{}, false, err
	}
	return result.toDomain(), true, nil
}

// GetReceipt returns ok=false while the transaction is unmined or unknown.
func (c *Client) GetReceipt(ctx context.Context, hash string) (domain.Receipt, bool, error) {
	var result *rpcReceipt
	found, err := c.call(ctx, "eth_getTransactionReceipt", []any{hash}, &result)
	if err != nil || !found || result == nil || result.BlockNumber == nil {
		return domain.Receipt{}, false, err
	}
	return result.toDomain(), true, nil
}

func (c *Client) GetBlock(ctx context.Context, number uint64) (domain.Block, error) {
	var result *rpcBlock
	found, err := c.call(ctx, "eth_getBlockByNumber", []any{hexutil.EncodeUint64(number), false}, &result)
	if err != nil {
		return domain.Block{}, err
	}
	if !found || result == nil {
		return domain.Block{}, fmt.Errorf("%w: block %d not found", application.ErrNodeUnavailable, number)
	}
	return domain.Block{
		Number:    uint64(result.Number),
		Hash:      strings.ToLower(result.Hash.Hex()),
		Timestamp: uint64(result.Timestamp),
	}, nil
}

func (c *Client) EstimateFeeRate(ctx context.Context) (*big.Int, error) {
	var result hexutil.Big
	if _, err := c.call(ctx, "eth_gasPrice", []any{}, &result); err != nil {
		return nil, err
	}
	return result.ToInt(), nil
}

func (c *Client) ConfirmedNonce(ctx context.Context, address string) (uint64, error) {
	var result hexutil.Uint64
	if _, err := c.call(ctx, "eth_getTransactionCount", []any{address, "latest"}, &result); err != nil {
		return 0, err
	}
	return uint64(result), nil
}

func (c *Client) TokenDecimals(ctx context.Context, contract string) (uint8, error) {
	call := map[string]any{
		"to":   contract,
		"data": decimalsSelector,
	}
	var result hexutil.Bytes
	if _, err := c.call(ctx, "eth_call", []any{call, "latest"}, &result); err != nil {
		return 0, err
	}
	if len(result) < common.HashLength {
		return 0, fmt.Errorf("decimals() on %s returned %d bytes", contract, len(result))
	}
	value := new(big.Int).SetBytes(result[:common.HashLength])
	if !value.IsUint64() || value.Uint64() > 255 {
		return 0, fmt.Errorf("decimals() on %s out of range: %s", contract, value)
	}
	return uint8(value.Uint64()), nil
}

// SendTransaction asks the node to sign and broadcast from one of its managed
// accounts.
func (c *Client) SendTransaction(ctx context.Context, req application.SendRequest) (string, error) {
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	tx := map[string]any{
		"from":     req.From,
		"to":       req.To,
		"value":    (*hexutil.Big)(value),
		"nonce":    hexutil.Uint64(req.Nonce),
		"gasPrice": (*hexutil.Big)(req.GasPrice),
	}
	var hash common.Hash
	if _, err := c.call(ctx, "eth_sendTransaction", []any{tx}, &hash); err != nil {
		return "", err
	}
	return strings.ToLower(hash.Hex()), nil
}

type rpcTransaction struct {
	Hash        common.Hash     `json:"hash"`
	BlockNumber *hexutil.Uint64 `json:"blockNumber"`
	From        common.Address  `json:"from"`
	To          *common.Address `json:"to"`
	Value       *hexutil.Big    `json:"value"`
	Nonce       hexutil.Uint64  `json:"nonce"`
	GasPrice    *hexutil.Big    `json:"gasPrice"`
	Input       hexutil.Bytes   `json:"input"`
}

func (t rpcTransaction) toDomain() domain.Transaction {
	tx := domain.Transaction{
		Hash:     strings.ToLower(t.Hash.Hex()),
		From:     strings.ToLower(t.From.Hex()),
		Value:    new(big.Int),
		Nonce:    uint64(t.Nonce),
		GasPrice: new(big.Int),
		Input:    t.Input,
	}
	if t.BlockNumber != nil {
		tx.BlockNumber = uint64(*t.BlockNumber)
	}
	if t.To != nil {
		tx.To = strings.ToLower(t.To.Hex())
	}
	if t.Value != nil {
		tx.Value = t.Value.ToInt()
	}
	if t.GasPrice != nil {
		tx.GasPrice = t.GasPrice.ToInt()
	}
	return tx
}

type rpcReceipt struct {
	TxHash          common.Hash     `json:"transactionHash"`
	BlockNumber     *hexutil.Uint64 `json:"blockNumber"`
	BlockHash       common.Hash     `json:"blockHash"`
	From            common.Address  `json:"from"`
	To              *common.Address `json:"to"`
	Status          hexutil.Uint64  `json:"status"`
	ContractAddress *common.Address `json:"contractAddress"`
	Logs            []rpcLog        `json:"logs"`
}

func (r rpcReceipt) toDomain() domain.Receipt {
	receipt := domain.Receipt{
		TxHash:    strings.ToLower(r.TxHash.Hex()),
		BlockHash: strings.ToLower(r.BlockHash.Hex()),
		From:      strings.ToLower(r.From.Hex()),
		Status:    uint64(r.Status),
		Logs:      make([]domain.LogEntry, 0, len(r.Logs)),
	}
	if r.BlockNumber != nil {
		receipt.BlockNumber = uint64(*r.BlockNumber)
	}
	if r.To != nil {
		receipt.To = strings.ToLower(r.To.Hex())
	}
	if r.ContractAddress != nil {
		receipt.ContractAddress = strings.ToLower(r.ContractAddress.Hex())
	}
	for _, log := range r.Logs {
		topics := make([]string, 0, len(log.Topics))
		for _, topic := range log.Topics {
			topics = append(topics, strings.ToLower(topic.Hex()))
		}
		receipt.Logs = append(receipt.Logs, domain.LogEntry{
			BlockNumber: uint64(log.BlockNumber),
			TxHash:      strings.ToLower(log.TxHash.Hex()),
			LogIndex:    uint64(log.LogIndex),
			Address:     strings.ToLower(log.Address.Hex()),
			Data:        log.Data,
			Topics:      topics,
			Removed:     log.Removed,
		})
	}
	return receipt
}

type rpcLog struct {
	Address     common.Address `json:"address"`
	Topics      []common.Hash  `json:"topics"`
	Data        hexutil.Bytes  `json:"data"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
	TxHash      common.Hash    `json:"transactionHash"`
	LogIndex    hexutil.Uint64 `json:"logIndex"`
	Removed     bool           `json:"removed"`
}

type rpcBlock struct {
	Number    hexutil.Uint64 `json:"number"`
	Hash      common.Hash    `json:"hash"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call performs one JSON-RPC round trip. found is false when the node answered
// with a null result.
func (c *Client) call(ctx context.Context, method string, params []any, result any) (found bool, err error) {
	defer func() {
		if c.observer != nil {
			c.observer.OnNodeCall(method, err)
		}
	}()

	id := atomic.AddUint64(&c.idCounter, 1)
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", application.ErrNodeUnavailable, method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("%w: %s: rpc status %d", application.ErrNodeUnavailable, method, resp.StatusCode)
	}

	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return false, fmt.Errorf("%w: %s: decode response: %v", application.ErrNodeUnavailable, method, err)
	}
	if decoded.Error != nil {
		return false, classifyRPCError(method, decoded.Error)
	}
	if len(decoded.Result) == 0 || bytes.Equal(decoded.Result, []byte("null")) {
		return false, nil
	}
	if result == nil {
		return true, nil
	}
	if err := json.Unmarshal(decoded.Result, result); err != nil {
		return false, fmt.Errorf("%w: %s: decode result: %v", application.ErrNodeUnavailable, method, err)
	}
	return true, nil
}

func classifyRPCError(method string, rpcErr *rpcError) error {
	message := strings.ToLower(rpcErr.Message)
	switch {
	case strings.Contains(message, "nonce too low"),
		strings.Contains(message, "nonce has already been used"):
		return fmt.Errorf("%w: %s: %s", application.ErrNonceRace, method, rpcErr.Message)
	case strings.Contains(message, "already known"):
		return fmt.Errorf("%w: %s: %s", application.ErrAlreadySubmitted, method, rpcErr.Message)
	case strings.Contains(message, "replacement transaction underpriced"),
		strings.Contains(message, "underpriced"):
		return fmt.Errorf("%w: %s: %s", application.ErrReplacementUnderpriced, method, rpcErr.Message)
	default:
		return fmt.Errorf("%w: %s: rpc error %d: %s", application.ErrNodeUnavailable, method, rpcErr.Code, rpcErr.Message)
	}
}
