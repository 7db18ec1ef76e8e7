package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/garnizeh/chainlance/internal/apperr"
	"github.com/garnizeh/chainlance/internal/config"
	"github.com/garnizeh/chainlance/internal/metrics"
)

// ErrCircuitOpen is returned while the read channel is failing fast.
var ErrCircuitOpen = fmt.Errorf("chain circuit open: %w", apperr.ErrTransient)

// Backend is the read surface of a chain endpoint.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// TxBackend adds what submitting and confirming a transaction needs.
// *ethclient.Client satisfies it.
type TxBackend interface {
	Backend
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Client is the read-only channel. It wraps a Backend and adds retries,
// per-call timeout, and circuit breaker. It never needs a wallet.
type Client struct {
	backend Backend
	cfg     config.ChainConfig

	// simple circuit breaker state
	failures  int32
	openUntil int64 // unix nano
	closed    int32
}

// package-level logger for pkg/chain; can be replaced by callers
var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// SetLogger sets the logger used by pkg/chain. Passing nil is a no-op.
func SetLogger(l *slog.Logger) {
	if l != nil {
		logger = l
	}
}

// Dial opens the read channel against cfg.RPCURL.
func Dial(ctx context.Context, cfg config.ChainConfig) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	return NewClient(cfg, ec), nil
}

// NewClient wraps an existing backend.
func NewClient(cfg config.ChainConfig, backend Backend) *Client {
	def := config.DefaultChainConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CircuitFailureThreshold <= 0 {
		cfg.CircuitFailureThreshold = def.CircuitFailureThreshold
	}
	if cfg.CircuitReset <= 0 {
		cfg.CircuitReset = def.CircuitReset
	}
	logger.Info("chain: NewClient created", slog.String("rpc_url", cfg.RPCURL), slog.Duration("timeout", cfg.Timeout))
	return &Client{backend: backend, cfg: cfg}
}

// Close releases the underlying connection. Close is idempotent.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	if cl, ok := c.backend.(interface{ Close() }); ok {
		cl.Close()
		logger.Info("chain: client Close() called")
	}
	return nil
}

func (c *Client) isCircuitOpen() bool {
	if atomic.LoadInt32(&c.failures) < int32(c.cfg.CircuitFailureThreshold) {
		return false
	}

	if time.Now().UnixNano() < atomic.LoadInt64(&c.openUntil) {
		return true
	}

	// attempt half-open: reset failures and allow a request
	atomic.StoreInt32(&c.failures, 0)
	metrics.CircuitOpen.Set(0)
	return false
}

func (c *Client) recordFailure() {
	v := atomic.AddInt32(&c.failures, 1)
	if v >= int32(c.cfg.CircuitFailureThreshold) {
		atomic.StoreInt64(&c.openUntil, time.Now().Add(c.cfg.CircuitReset).UnixNano())
		metrics.CircuitOpen.Set(1)
	}
}

func (c *Client) recordSuccess() {
	atomic.StoreInt32(&c.failures, 0)
}

// answered reports whether the endpoint processed the request and replied
// with an error. Such replies are authoritative: retrying cannot change them
// and they say nothing about endpoint health.
func answered(err error) bool {
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr) || errors.Is(err, ethereum.NotFound)
}

// do runs fn with retries. Reads are idempotent, so transport failures are
// retried up to cfg.Retries times with linear backoff.
func do[T any](ctx context.Context, c *Client, method string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if c.isCircuitOpen() {
		metrics.RPCRequests.WithLabelValues(method, "circuit_open").Inc()
		return zero, ErrCircuitOpen
	}

	start := time.Now()
	defer func() { metrics.RPCDuration.WithLabelValues(method).Observe(time.Since(start).Seconds()) }()

	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		ctxReq, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		v, err := fn(ctxReq)
		cancel()
		if err == nil {
			c.recordSuccess()
			metrics.RPCRequests.WithLabelValues(method, "ok").Inc()
			return v, nil
		}
		if answered(err) {
			c.recordSuccess()
			metrics.RPCRequests.WithLabelValues(method, "rejected").Inc()
			return zero, err
		}

		lastErr = err
		c.recordFailure()
		logger.Warn("chain: call failed", slog.String("method", method), slog.Int("attempt", attempt+1), slog.String("error", err.Error()))

		if ctx.Err() != nil {
			break
		}
		if attempt == c.cfg.Retries {
			break
		}
		// backoff
		t := time.NewTimer(c.cfg.Backoff * time.Duration(attempt+1))
		select {
		case <-ctx.Done():
			t.Stop()
			metrics.RPCRequests.WithLabelValues(method, "error").Inc()
			return zero, fmt.Errorf("%s: %w", method, ctx.Err())
		case <-t.C:
		}
		if c.isCircuitOpen() {
			metrics.RPCRequests.WithLabelValues(method, "circuit_open").Inc()
			return zero, ErrCircuitOpen
		}
	}

	metrics.RPCRequests.WithLabelValues(method, "error").Inc()
	return zero, fmt.Errorf("%s failed after retries: %w", method, errors.Join(lastErr, apperr.ErrTransient))
}

func (c *Client) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return do(ctx, c, "eth_call", func(ctx context.Context) ([]byte, error) {
		return c.backend.CallContract(ctx, call, blockNumber)
	})
}

func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return do(ctx, c, "eth_getLogs", func(ctx context.Context) ([]types.Log, error) {
		return c.backend.FilterLogs(ctx, q)
	})
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return do(ctx, c, "eth_blockNumber", c.backend.BlockNumber)
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return do(ctx, c, "eth_chainId", c.backend.ChainID)
}

// Health checks that the endpoint answers and reports a chain id.
func (c *Client) Health(ctx context.Context) error {
	id, err := c.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if id == nil || id.Sign() == 0 {
		return errors.New("health check failed: endpoint reported no chain id")
	}
	return nil
}
