package vaultrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bitvault-labs/vault-tracker/internal/btckey"
	"github.com/bitvault-labs/vault-tracker/internal/pegin"
)

var (
	ErrInvalidConfig    = errors.New("vaultrpc: invalid config")
	ErrInvalidInput     = errors.New("vaultrpc: invalid input")
	ErrRPC              = errors.New("vaultrpc: rpc error")
	ErrResponseTooLarge = errors.New("vaultrpc: response too large")
)

// RPCError is a structured JSON-RPC error from the vault provider.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	if e == nil {
		return "vaultrpc: nil rpc error"
	}
	return fmt.Sprintf("vaultrpc: rpc error code %d: %s", e.Code, e.Message)
}

func (e *RPCError) Unwrap() error { return ErrRPC }

type Option func(*Client) error

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("%w: timeout must be > 0", ErrInvalidConfig)
		}
		if c.hc == nil {
			c.hc = &http.Client{}
		}
		c.hc.Timeout = d
		return nil
	}
}

func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

// WithBasicAuth sets credentials for providers that gate the presign RPC.
func WithBasicAuth(user, pass string) Option {
	return func(c *Client) error {
		if user == "" || pass == "" {
			return fmt.Errorf("%w: empty basic auth credentials", ErrInvalidConfig)
		}
		c.user = user
		c.pass = pass
		return nil
	}
}

// Client speaks the vault provider's JSON-RPC presigning API.
type Client struct {
	url          string
	user         string
	pass         string
	hc           *http.Client
	maxRespBytes int64
	nextID       atomic.Uint64
}

func New(url string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("%w: missing url", ErrInvalidConfig)
	}
	c := &Client{
		url:          url,
		hc:           &http.Client{Timeout: 10 * time.Second},
		maxRespBytes: 5 << 20, // 5 MiB: presigned tx sets are large
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     string          `json:"id"`
}

// ProviderInfo describes the provider build and the controller it serves.
type ProviderInfo struct {
	Version    string         `json:"version"`
	Network    string         `json:"network"`
	Controller common.Address `json:"controller"`
}

func (c *Client) GetInfo(ctx context.Context) (ProviderInfo, error) {
	var out ProviderInfo
	if err := c.call(ctx, "vault_getinfo", nil, &out); err != nil {
		return ProviderInfo{}, err
	}
	return out, nil
}

// PayoutTransactions fetches the per-claimer presigned transaction sets for
// one peg-in. An empty result means the multi-party presigning has not
// finished yet; callers should poll again later. It is returned as
// (nil, nil), not as an error.
func (c *Client) PayoutTransactions(ctx context.Context, peginTxID, depositorPubkey string, controller common.Address) ([]pegin.ClaimerTransactionSet, error) {
	txid, err := normalizeTxID(peginTxID)
	if err != nil {
		return nil, err
	}
	pubkey, err := btckey.NormalizeCompressed(depositorPubkey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if controller == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero controller address", ErrInvalidInput)
	}

	var sets []pegin.ClaimerTransactionSet
	err = c.call(ctx, "vault_getpayouttransactions", []any{txid, pubkey, controller.Hex()}, &sets)
	if err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return nil, nil
	}
	for _, s := range sets {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("vaultrpc: malformed payout set: %w", err)
		}
	}
	return sets, nil
}

func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	if params == nil {
		params = []any{}
	}
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("vaultrpc: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("vaultrpc: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("vaultrpc: http do: %w", err)
	}
	defer resp.Body.Close()

	raw, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: http status %d: %s", ErrRPC, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("vaultrpc: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return &RPCError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if rpcResp.ID != id {
		return fmt.Errorf("%w: mismatched response id %q", ErrRPC, rpcResp.ID)
	}
	if out == nil || len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("vaultrpc: decode result for %s: %w", method, err)
	}
	return nil
}

func normalizeTxID(raw string) (string, error) {
	v, err := pegin.NormalizeTxID(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return v, nil
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("%w: maxBytes must be > 0", ErrInvalidConfig)
	}
	lr := &io.LimitedReader{R: r, N: maxBytes + 1}
	b, err := io.ReadAll(lr)
	if err != nil {
		return nil, fmt.Errorf("vaultrpc: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, ErrResponseTooLarge
	}
	return b, nil
}
