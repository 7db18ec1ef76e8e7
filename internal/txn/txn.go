// Package txn runs every state-changing contract operation as one unit:
// local precheck, submit, wait for confirmation, report, then refresh the
// synchronized view. Submission alone is never reported as success.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"

	"github.com/garnizeh/chainlance/internal/apperr"
	"github.com/garnizeh/chainlance/internal/metrics"
	"github.com/garnizeh/chainlance/pkg/binding"
	"github.com/garnizeh/chainlance/pkg/chain"
)

type Config struct {
	Address            common.Address
	ConfirmTimeout     time.Duration
	PollInterval       time.Duration
	GasLimitMultiplier float64
}

// Sessions yields the current signing session.
type Sessions interface {
	Current() *chain.Session
}

// State is the read side the prechecks consult. *syncer.Synchronizer
// satisfies it.
type State interface {
	Offer(ctx context.Context, id common.Hash) (binding.OfferedWork, bool, error)
	Agreement(ctx context.Context, id common.Hash) (binding.Agreement, bool, error)
	Candidates(ctx context.Context, offerID common.Hash) ([]common.Address, error)
}

// Refresher re-synchronizes dependent state after a confirmed write.
type Refresher func(ctx context.Context, who common.Address) error

// Receipt reports a confirmed operation.
type Receipt struct {
	OpID    string          `json:"opId"`
	Op      string          `json:"op"`
	From    common.Address  `json:"from"`
	TxHash  common.Hash     `json:"txHash"`
	Block   uint64          `json:"block"`
	GasUsed uint64          `json:"gasUsed"`
	Events  []binding.Event `json:"events"`
	// RefreshErr is set when the write confirmed but the follow-up refresh
	// failed. The write itself still succeeded.
	RefreshErr   error  `json:"-"`
	RefreshError string `json:"refreshError,omitempty"`
}

type Orchestrator struct {
	b        *binding.Binding
	sessions Sessions
	state    State
	refresh  Refresher
	cfg      Config
	logger   *slog.Logger

	busy atomic.Bool
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRefresher sets the hook run after every confirmed write.
func WithRefresher(r Refresher) Option {
	return func(o *Orchestrator) { o.refresh = r }
}

func New(b *binding.Binding, sessions Sessions, state State, cfg Config, opts ...Option) *Orchestrator {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.GasLimitMultiplier < 1 {
		cfg.GasLimitMultiplier = 1
	}
	o := &Orchestrator{
		b:        b,
		sessions: sessions,
		state:    state,
		cfg:      cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Pending reports whether a write is in flight.
func (o *Orchestrator) Pending() bool { return o.busy.Load() }

// request is one mutating call before submission.
type request struct {
	op       string
	method   string
	value    *big.Int
	args     []any
	precheck func(ctx context.Context, s *chain.Session) error
}

func (o *Orchestrator) run(ctx context.Context, req request) (*Receipt, error) {
	opID := uuid.NewString()
	log := o.logger.With(slog.String("op", req.op), slog.String("op_id", opID))

	if !o.busy.CompareAndSwap(false, true) {
		return nil, o.fail(log, req.op, apperr.Precondition(req.op, "transaction pending"))
	}
	defer o.busy.Store(false)

	sess := o.sessions.Current()
	if !sess.Connected() || sess.Wallet() == nil {
		return nil, o.fail(log, req.op, apperr.New(apperr.WalletUnavailable, req.op, "no wallet connected"))
	}
	log = log.With(slog.String("from", sess.Address.Hex()))

	if req.precheck != nil {
		if err := req.precheck(ctx, sess); err != nil {
			return nil, o.fail(log, req.op, err)
		}
	}

	data, err := o.b.Pack(req.method, req.args...)
	if err != nil {
		return nil, o.fail(log, req.op, apperr.Precondition(req.op, "invalid arguments: %v", err))
	}

	tx, err := o.submit(ctx, sess, req, data)
	if err != nil {
		return nil, o.fail(log, req.op, err)
	}
	log = log.With(slog.String("tx", tx.Hash().Hex()))
	log.Info("transaction submitted", slog.Uint64("nonce", tx.Nonce()), slog.Uint64("gas", tx.Gas()))

	start := time.Now()
	rcpt, err := o.confirm(ctx, sess.Wallet().Backend(), tx.Hash())
	if err != nil {
		return nil, o.fail(log, req.op, apperr.Normalize(req.op, err))
	}
	metrics.TxConfirmDuration.WithLabelValues(req.op).Observe(time.Since(start).Seconds())

	if rcpt.Status != types.ReceiptStatusSuccessful {
		return nil, o.fail(log, req.op, o.reverted(ctx, sess, req, data, rcpt))
	}

	out := &Receipt{
		OpID:    opID,
		Op:      req.op,
		From:    sess.Address,
		TxHash:  rcpt.TxHash,
		GasUsed: rcpt.GasUsed,
		Events:  o.events(rcpt),
	}
	if rcpt.BlockNumber != nil {
		out.Block = rcpt.BlockNumber.Uint64()
	}
	metrics.TxTotal.WithLabelValues(req.op, "ok").Inc()
	log.Info("transaction confirmed", slog.Uint64("block", out.Block), slog.Uint64("gas_used", out.GasUsed))

	// refresh is sequenced strictly after confirmation
	if o.refresh != nil {
		if err := o.refresh(ctx, sess.Address); err != nil {
			out.RefreshErr = apperr.Normalize("refresh", err)
			out.RefreshError = out.RefreshErr.Error()
			log.Warn("refresh after write failed", slog.Any("error", err))
		}
	}
	return out, nil
}

func (o *Orchestrator) fail(log *slog.Logger, op string, err error) error {
	e := apperr.Normalize(op, err)
	metrics.TxTotal.WithLabelValues(op, string(e.Kind)).Inc()
	log.Warn("transaction failed", slog.String("kind", string(e.Kind)), slog.String("reason", e.Message))
	return e
}

func (o *Orchestrator) submit(ctx context.Context, sess *chain.Session, req request, data []byte) (*types.Transaction, error) {
	wallet := sess.Wallet()
	backend := wallet.Backend()
	if backend == nil {
		return nil, apperr.New(apperr.WalletUnavailable, req.op, "wallet has no endpoint")
	}
	to := o.cfg.Address
	value := req.value
	if value == nil {
		value = new(big.Int)
	}

	nonce, err := backend.PendingNonceAt(ctx, sess.Address)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	// a revert here is the contract refusing the call; nothing was signed
	gas, err := backend.EstimateGas(ctx, ethereum.CallMsg{From: sess.Address, To: &to, Value: value, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas = uint64(math.Ceil(float64(gas) * o.cfg.GasLimitMultiplier))

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := wallet.SignTx(ctx, sess.Address, tx)
	if err != nil {
		return nil, err
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	return signed, nil
}

// ErrConfirmTimeout is returned when no receipt appeared in time. The
// transaction may still be mined later.
var ErrConfirmTimeout = fmt.Errorf("confirmation timed out, transaction may still be pending: %w", apperr.ErrTransient)

func (o *Orchestrator) confirm(ctx context.Context, backend chain.TxBackend, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		rcpt, err := backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && rcpt != nil:
			return rcpt, nil
		case err == nil, errors.Is(err, ethereum.NotFound):
		case ctx.Err() != nil:
		default:
			o.logger.Debug("receipt poll failed", slog.String("tx", hash.Hex()), slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%s: %w", hash.Hex(), ErrConfirmTimeout)
			}
			return nil, fmt.Errorf("%s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// reverted replays the failed call at its block to recover the reason.
func (o *Orchestrator) reverted(ctx context.Context, sess *chain.Session, req request, data []byte, rcpt *types.Receipt) error {
	to := o.cfg.Address
	_, err := sess.Wallet().Backend().CallContract(ctx, ethereum.CallMsg{
		From: sess.Address, To: &to, Value: req.value, Data: data,
	}, rcpt.BlockNumber)
	if err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrReverted, err)
	}
	return fmt.Errorf("%s: %w", rcpt.TxHash.Hex(), apperr.ErrReverted)
}

func (o *Orchestrator) events(rcpt *types.Receipt) []binding.Event {
	out := []binding.Event{}
	for _, l := range rcpt.Logs {
		if l == nil || l.Address != o.cfg.Address {
			continue
		}
		ev, err := o.b.DecodeLog(*l)
		if err != nil {
			o.logger.Warn("undecodable receipt log", slog.String("tx", rcpt.TxHash.Hex()), slog.Any("error", err))
			continue
		}
		out = append(out, ev)
	}
	return out
}
