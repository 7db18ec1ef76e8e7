package chain

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/garnizeh/chainlance/internal/apperr"
	"github.com/garnizeh/chainlance/internal/config"
)

type stubRPCError struct{ code int }

func (e stubRPCError) Error() string  { return "execution reverted" }
func (e stubRPCError) ErrorCode() int { return e.code }

// flakyBackend fails the first n calls with err, then succeeds.
type flakyBackend struct {
	calls  int32
	failN  int32
	err    error
	closed int32
}

func (b *flakyBackend) next() error {
	n := atomic.AddInt32(&b.calls, 1)
	if n <= b.failN {
		return b.err
	}
	return nil
}

func (b *flakyBackend) CallContract(ctx context.Context, call ethereum.CallMsg, block *big.Int) ([]byte, error) {
	if err := b.next(); err != nil {
		return nil, err
	}
	return []byte{1}, nil
}

func (b *flakyBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := b.next(); err != nil {
		return nil, err
	}
	return []types.Log{}, nil
}

func (b *flakyBackend) BlockNumber(ctx context.Context) (uint64, error) {
	if err := b.next(); err != nil {
		return 0, err
	}
	return 42, nil
}

func (b *flakyBackend) ChainID(ctx context.Context) (*big.Int, error) {
	if err := b.next(); err != nil {
		return nil, err
	}
	return big.NewInt(10143), nil
}

func (b *flakyBackend) Close() { atomic.AddInt32(&b.closed, 1) }

func testChainConfig() config.ChainConfig {
	return config.ChainConfig{
		RPCURL:                  "http://127.0.0.1:0",
		Timeout:                 time.Second,
		Retries:                 2,
		Backoff:                 time.Millisecond,
		CircuitFailureThreshold: 3,
		CircuitReset:            time.Hour,
	}
}

func TestClient_RetriesTransportFailures(t *testing.T) {
	be := &flakyBackend{failN: 2, err: errors.New("connection refused")}
	c := NewClient(testChainConfig(), be)

	n, err := c.BlockNumber(context.Background())
	if err != nil {
		t.Fatalf("BlockNumber: %v", err)
	}
	if n != 42 || atomic.LoadInt32(&be.calls) != 3 {
		t.Fatalf("expected success on third attempt, got n=%d calls=%d", n, be.calls)
	}
}

func TestClient_ExhaustedRetriesAreNetworkErrors(t *testing.T) {
	be := &flakyBackend{failN: 100, err: errors.New("connection refused")}
	cfg := testChainConfig()
	cfg.CircuitFailureThreshold = 100
	c := NewClient(cfg, be)

	_, err := c.ChainID(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if k := apperr.Normalize("read", err).Kind; k != apperr.NetworkError {
		t.Fatalf("expected NetworkError, got %s", k)
	}
	if got := atomic.LoadInt32(&be.calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestClient_AnsweredErrorsAreNotRetried(t *testing.T) {
	be := &flakyBackend{failN: 100, err: stubRPCError{code: 3}}
	c := NewClient(testChainConfig(), be)

	_, err := c.CallContract(context.Background(), ethereum.CallMsg{}, nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := atomic.LoadInt32(&be.calls); got != 1 {
		t.Fatalf("answered error retried: %d calls", got)
	}
	if c.isCircuitOpen() {
		t.Fatalf("answered errors must not open the circuit")
	}
}

func TestClient_CircuitOpensAfterThreshold(t *testing.T) {
	be := &flakyBackend{failN: 100, err: errors.New("dial tcp: i/o timeout")}
	cfg := testChainConfig()
	cfg.Retries = 0
	c := NewClient(cfg, be)

	for i := 0; i < cfg.CircuitFailureThreshold; i++ {
		_, _ = c.FilterLogs(context.Background(), ethereum.FilterQuery{})
	}
	before := atomic.LoadInt32(&be.calls)

	_, err := c.FilterLogs(context.Background(), ethereum.FilterQuery{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if atomic.LoadInt32(&be.calls) != before {
		t.Fatalf("open circuit must not reach the backend")
	}
	if k := apperr.Normalize("read", err).Kind; k != apperr.NetworkError {
		t.Fatalf("circuit open should be a NetworkError, got %s", k)
	}
}

func TestClient_CanceledContextStopsRetrying(t *testing.T) {
	be := &flakyBackend{failN: 100, err: errors.New("connection reset")}
	cfg := testChainConfig()
	cfg.Retries = 50
	cfg.Backoff = time.Hour
	cfg.CircuitFailureThreshold = 1000
	c := NewClient(cfg, be)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.BlockNumber(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestClient_CloseIdempotent(t *testing.T) {
	be := &flakyBackend{}
	c := NewClient(testChainConfig(), be)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := atomic.LoadInt32(&be.closed); got != 1 {
		t.Fatalf("expected backend closed once, got %d", got)
	}
	var nilClient *Client
	if err := nilClient.Close(); err != nil {
		t.Fatalf("nil Close: %v", err)
	}
}

func TestClient_Health(t *testing.T) {
	c := NewClient(testChainConfig(), &flakyBackend{})
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
}
