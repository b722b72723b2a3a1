package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"txledger/internal/domain"
)

// StatusError is a non-success answer from ledgerd.
type StatusError struct {
	Code    int
	Message string
	// Record is the mined winner attached to a cancellation conflict.
	Record *domain.TransactionRecord
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ledgerd returned %d: %s", e.Code, e.Message)
}

// Client talks to a running ledgerd over its HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Classify asks ledgerd to classify hash. created is true when this call wrote
// the record.
func (c *Client) Classify(ctx context.Context, hash string) (domain.TransactionRecord, bool, error) {
	var record domain.TransactionRecord
	status, err := c.do(ctx, http.MethodPost, "/transactions/"+url.PathEscape(hash), nil, &record, http.StatusOK, http.StatusCreated)
	if err != nil {
		return domain.TransactionRecord{}, false, err
	}
	c.logger.Debug("classified", "hash", hash, "status", status)
	return record, status == http.StatusCreated, nil
}

func (c *Client) Ledger(ctx context.Context, address string) ([]domain.TransactionRecord, error) {
	var records []domain.TransactionRecord
	if _, err := c.do(ctx, http.MethodGet, "/ledger/"+url.PathEscape(address), nil, &records, http.StatusOK); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Client) History(ctx context.Context, address string) ([]domain.DisplayEntry, error) {
	var entries []domain.DisplayEntry
	if _, err := c.do(ctx, http.MethodGet, "/history/"+url.PathEscape(address), nil, &entries, http.StatusOK); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Client) Track(ctx context.Context, sub domain.PendingSubmission) error {
	_, err := c.do(ctx, http.MethodPost, "/pending", sub, nil, http.StatusAccepted)
	return err
}

// Cancel returns the replacement hash. A lost race comes back as a
// *StatusError with Code 409 and, when mined, the winning record.
func (c *Client) Cancel(ctx context.Context, hash string) (string, error) {
	var out struct {
		Hash string `json:"hash"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/pending/"+url.PathEscape(hash)+"/cancel", nil, &out, http.StatusAccepted); err != nil {
		return "", err
	}
	return out.Hash, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, accept ...int) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	for _, code := range accept {
		if resp.StatusCode != code {
			continue
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return resp.StatusCode, nil
	}
	return resp.StatusCode, parseErrorResponse(resp)
}

func parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error  string                    `json:"error"`
		Record *domain.TransactionRecord `json:"record"`
	}
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &StatusError{Code: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return &StatusError{Code: resp.StatusCode, Message: errResp.Error, Record: errResp.Record}
}
