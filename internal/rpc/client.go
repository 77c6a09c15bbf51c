// Package rpc provides the node connection used by the toolbox: an ethclient
// with readiness probing, retries for transient failures and the account
// endpoints ethclient does not cover.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/websocket"
)

// ClientConfig holds configuration for the RPC client.
type ClientConfig struct {
	URL            string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// ReadyTimeout bounds how long Dial waits for the node to come up.
	ReadyTimeout time.Duration
	Logger       *slog.Logger
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		Timeout:        2 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		ReadyTimeout:   10 * time.Second,
	}
}

// Client is an ethclient bound to a single node, plus retrying helpers.
type Client struct {
	*ethclient.Client

	raw        *gethrpc.Client
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
}

// Dial connects to the node at cfg.URL and waits until it answers eth_chainId.
// http(s) and ws(s) endpoints are supported. Failed connects and failed
// readiness checks are retried with backoff until cfg.ReadyTimeout elapses.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid node url %q: %w", cfg.URL, err)
	}

	var opts []gethrpc.ClientOption
	switch u.Scheme {
	case "http", "https":
		opts = append(opts, gethrpc.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        16,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: cfg.Timeout,
		}))
	case "ws", "wss":
		opts = append(opts, gethrpc.WithWebsocketDialer(websocket.Dialer{
			HandshakeTimeout: cfg.Timeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		}))
	default:
		return nil, fmt.Errorf("unsupported node url scheme %q", u.Scheme)
	}

	raw, chainID, err := waitReady(ctx, cfg, logger, opts)
	if err != nil {
		return nil, fmt.Errorf("node %s not ready: %w", cfg.URL, err)
	}

	logger.Info("Connected to node",
		slog.String("url", cfg.URL),
		slog.String("chain_id", chainID.String()),
	)
	return &Client{
		Client:     ethclient.NewClient(raw),
		raw:        raw,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.InitialBackoff,
		maxBackoff: cfg.MaxBackoff,
		logger:     logger,
	}, nil
}

// waitReady dials and asks for the chain id until both succeed, the node
// answers with a JSON-RPC error, or the readiness deadline passes.
func waitReady(parent context.Context, cfg ClientConfig, logger *slog.Logger, opts []gethrpc.ClientOption) (*gethrpc.Client, *big.Int, error) {
	ctx := parent
	if cfg.ReadyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ReadyTimeout)
		defer cancel()
	}

	var (
		raw     *gethrpc.Client
		lastErr error
	)
	backoff, maxBackoff := cfg.InitialBackoff, cfg.MaxBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	if maxBackoff < backoff {
		maxBackoff = backoff
	}
	for attempt := 1; ; attempt++ {
		if raw == nil {
			raw, lastErr = gethrpc.DialOptions(ctx, cfg.URL, opts...)
			if lastErr != nil {
				raw = nil
				lastErr = fmt.Errorf("dial: %w", lastErr)
			}
		}
		if raw != nil {
			var result hexutil.Big
			lastErr = raw.CallContext(ctx, &result, "eth_chainId")
			if lastErr == nil {
				return raw, (*big.Int)(&result), nil
			}
			if isRPCError(lastErr) || cfg.ReadyTimeout <= 0 {
				raw.Close()
				return nil, nil, lastErr
			}
		} else if cfg.ReadyTimeout <= 0 {
			return nil, nil, lastErr
		}

		logger.Debug("Node not ready, retrying",
			slog.String("url", cfg.URL),
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()),
			slog.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			if raw != nil {
				raw.Close()
			}
			if err := parent.Err(); err != nil {
				return nil, nil, err
			}
			return nil, nil, fmt.Errorf("gave up after %s and %d attempts: %w", cfg.ReadyTimeout, attempt, lastErr)
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// ChainID returns the chain id reported by the node, retrying transient failures.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var result hexutil.Big
	if err := c.call(ctx, &result, "eth_chainId"); err != nil {
		return nil, err
	}
	return (*big.Int)(&result), nil
}

// Accounts returns the accounts managed by the node (eth_accounts).
func (c *Client) Accounts(ctx context.Context) ([]common.Address, error) {
	var result []common.Address
	if err := c.call(ctx, &result, "eth_accounts"); err != nil {
		return nil, err
	}
	return result, nil
}

// SignTransaction asks the node to sign tx on behalf of from (eth_signTransaction).
// Nodes answer either with the raw transaction or with an object carrying it.
func (c *Client) SignTransaction(ctx context.Context, from common.Address, tx *types.Transaction) (*types.Transaction, error) {
	var result json.RawMessage
	if err := c.call(ctx, &result, "eth_signTransaction", toSignArgs(from, tx)); err != nil {
		return nil, err
	}

	raw, err := decodeSignResult(result)
	if err != nil {
		return nil, err
	}

	signed := new(types.Transaction)
	if err := signed.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("decode signed transaction: %w", err)
	}
	return signed, nil
}

func toSignArgs(from common.Address, tx *types.Transaction) map[string]interface{} {
	args := map[string]interface{}{
		"from":  from,
		"gas":   hexutil.Uint64(tx.Gas()),
		"value": (*hexutil.Big)(tx.Value()),
		"nonce": hexutil.Uint64(tx.Nonce()),
		"input": hexutil.Bytes(tx.Data()),
	}
	if tx.To() != nil {
		args["to"] = tx.To()
	}
	if tx.ChainId() != nil && tx.ChainId().Sign() > 0 {
		args["chainId"] = (*hexutil.Big)(tx.ChainId())
	}
	if tx.Type() == types.DynamicFeeTxType {
		args["maxFeePerGas"] = (*hexutil.Big)(tx.GasFeeCap())
		args["maxPriorityFeePerGas"] = (*hexutil.Big)(tx.GasTipCap())
	} else {
		args["gasPrice"] = (*hexutil.Big)(tx.GasPrice())
	}
	return args
}

func decodeSignResult(result json.RawMessage) ([]byte, error) {
	var raw hexutil.Bytes
	if err := json.Unmarshal(result, &raw); err == nil {
		return raw, nil
	}
	var obj struct {
		Raw hexutil.Bytes `json:"raw"`
	}
	if err := json.Unmarshal(result, &obj); err != nil {
		return nil, fmt.Errorf("unexpected eth_signTransaction result: %w", err)
	}
	if len(obj.Raw) == 0 {
		return nil, errors.New("eth_signTransaction result has no raw transaction")
	}
	return obj.Raw, nil
}

// call makes a JSON-RPC call with retry logic.
func (c *Client) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	var lastErr error
	backoff := c.backoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.maxBackoff)
		}

		err := c.raw.CallContext(ctx, result, method, args...)
		if err == nil {
			return nil
		}

		lastErr = err

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if isRetryableHTTPError(err) {
			c.logger.Debug("RPC got retryable HTTP error, retrying",
				slog.String("method", method),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			continue
		}

		// Application-level and permanent HTTP errors are final.
		if isRPCError(err) || isHTTPError(err) {
			return err
		}

		c.logger.Debug("RPC call failed, retrying",
			slog.String("method", method),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return fmt.Errorf("all retries failed: %w", lastErr)
}

func isRPCError(err error) bool {
	var rpcErr gethrpc.Error
	return errors.As(err, &rpcErr)
}

func isHTTPError(err error) bool {
	var httpErr gethrpc.HTTPError
	return errors.As(err, &httpErr)
}

// isRetryableHTTPError reports 429 Too Many Requests, 502 Bad Gateway,
// 503 Service Unavailable and 504 Gateway Timeout.
func isRetryableHTTPError(err error) bool {
	var httpErr gethrpc.HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	switch httpErr.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
