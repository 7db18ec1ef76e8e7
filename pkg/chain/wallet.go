package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/garnizeh/chainlance/internal/apperr"
	"github.com/garnizeh/chainlance/internal/config"
)

var (
	ErrNoWallet       = apperr.ErrNoWallet
	ErrUserDeclined   = apperr.ErrUserDeclined
	ErrNotAuthorized  = fmt.Errorf("account not authorized: %w", apperr.ErrNoWallet)
	ErrUnknownAccount = fmt.Errorf("unknown account: %w", apperr.ErrNoWallet)
	ErrNoKeyMaterial  = errors.New("wallet: no key material configured")
)

// Wallet is the signing channel: the surface a browser wallet extension
// offers, expressed for a server process.
type Wallet interface {
	// Accounts lists already-authorized accounts without prompting.
	Accounts(ctx context.Context) ([]common.Address, error)
	// RequestAccounts asks the user to authorize and returns the result.
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SignTx(ctx context.Context, from common.Address, tx *types.Transaction) (*types.Transaction, error)
	// Backend is the endpoint signed transactions are sent through.
	Backend() TxBackend
	// Subscribe registers fn for account and network changes.
	Subscribe(fn func(WalletEvent)) (unsubscribe func())
}

type WalletEventKind int

const (
	AccountsChanged WalletEventKind = iota + 1
	ChainChanged
)

func (k WalletEventKind) String() string {
	switch k {
	case AccountsChanged:
		return "accountsChanged"
	case ChainChanged:
		return "chainChanged"
	}
	return "unknown"
}

type WalletEvent struct {
	Kind     WalletEventKind
	Accounts []common.Address
	ChainID  *big.Int
}

// PromptKind names what the user is asked to approve.
type PromptKind string

const (
	PromptConnect PromptKind = "connect"
	PromptSign    PromptKind = "sign"
)

type Prompt struct {
	Kind    PromptKind
	Account common.Address
	Tx      *types.Transaction
}

// Approver decides a prompt. A non-nil error declines it.
type Approver func(ctx context.Context, p Prompt) error

// AutoApprove accepts every prompt. It suits a daemon whose operator already
// consented by configuring the key.
func AutoApprove(context.Context, Prompt) error { return nil }

// LocalWallet signs with in-process keys and behaves like an extension:
// nothing is visible until RequestAccounts is approved.
type LocalWallet struct {
	mu         sync.RWMutex
	keys       map[common.Address]*ecdsa.PrivateKey
	order      []common.Address
	selected   common.Address
	authorized bool
	chainID    *big.Int
	backend    TxBackend
	approve    Approver

	subMu  sync.Mutex
	subs   map[int]func(WalletEvent)
	nextID int
}

type WalletOption func(*LocalWallet)

// WithApprover installs the prompt handler. Default is AutoApprove.
func WithApprover(a Approver) WalletOption {
	return func(w *LocalWallet) {
		if a != nil {
			w.approve = a
		}
	}
}

// WithPreauthorized starts the wallet with its first account already
// authorized, as after a previous session.
func WithPreauthorized() WalletOption {
	return func(w *LocalWallet) { w.authorized = true }
}

func NewLocalWallet(backend TxBackend, chainID *big.Int, keys []*ecdsa.PrivateKey, opts ...WalletOption) *LocalWallet {
	w := &LocalWallet{
		keys:    make(map[common.Address]*ecdsa.PrivateKey, len(keys)),
		chainID: new(big.Int).Set(chainID),
		backend: backend,
		approve: AutoApprove,
		subs:    make(map[int]func(WalletEvent)),
	}
	for _, k := range keys {
		addr := crypto.PubkeyToAddress(k.PublicKey)
		if _, dup := w.keys[addr]; dup {
			continue
		}
		w.keys[addr] = k
		w.order = append(w.order, addr)
	}
	if len(w.order) > 0 {
		w.selected = w.order[0]
	}
	for _, o := range opts {
		o(w)
	}
	if len(w.order) == 0 {
		w.authorized = false
	}
	return w
}

// LoadWallet builds a wallet from a keystore file or a raw hex key named by
// cfg. It returns ErrNoKeyMaterial when neither is configured.
func LoadWallet(cfg config.WalletConfig, backend TxBackend, chainID *big.Int, opts ...WalletOption) (*LocalWallet, error) {
	var key *ecdsa.PrivateKey
	switch {
	case cfg.KeystorePath != "":
		blob, err := os.ReadFile(cfg.KeystorePath)
		if err != nil {
			return nil, fmt.Errorf("read keystore: %w", err)
		}
		k, err := keystore.DecryptKey(blob, os.Getenv(cfg.PassphraseEnv))
		if err != nil {
			return nil, fmt.Errorf("decrypt keystore: %w", err)
		}
		key = k.PrivateKey
	case cfg.PrivateKeyEnv != "" && os.Getenv(cfg.PrivateKeyEnv) != "":
		k, err := crypto.HexToECDSA(strings.TrimPrefix(os.Getenv(cfg.PrivateKeyEnv), "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", cfg.PrivateKeyEnv, err)
		}
		key = k
	default:
		return nil, ErrNoKeyMaterial
	}
	return NewLocalWallet(backend, chainID, []*ecdsa.PrivateKey{key}, opts...), nil
}

func (w *LocalWallet) Accounts(ctx context.Context) ([]common.Address, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.authorized {
		return []common.Address{}, nil
	}
	return []common.Address{w.selected}, nil
}

func (w *LocalWallet) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	w.mu.RLock()
	selected, n := w.selected, len(w.order)
	w.mu.RUnlock()
	if n == 0 {
		return nil, ErrNoWallet
	}

	if err := w.approve(ctx, Prompt{Kind: PromptConnect, Account: selected}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUserDeclined, err)
	}

	w.mu.Lock()
	w.authorized = true
	selected = w.selected
	w.mu.Unlock()
	return []common.Address{selected}, nil
}

func (w *LocalWallet) ChainID(ctx context.Context) (*big.Int, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return new(big.Int).Set(w.chainID), nil
}

func (w *LocalWallet) SignTx(ctx context.Context, from common.Address, tx *types.Transaction) (*types.Transaction, error) {
	w.mu.RLock()
	key, ok := w.keys[from]
	authorized := w.authorized && w.selected == from
	chainID := new(big.Int).Set(w.chainID)
	w.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, from.Hex())
	}
	if !authorized {
		return nil, fmt.Errorf("%w: %s", ErrNotAuthorized, from.Hex())
	}

	if err := w.approve(ctx, Prompt{Kind: PromptSign, Account: from, Tx: tx}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUserDeclined, err)
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
}

func (w *LocalWallet) Backend() TxBackend {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.backend
}

func (w *LocalWallet) Subscribe(fn func(WalletEvent)) func() {
	w.subMu.Lock()
	id := w.nextID
	w.nextID++
	w.subs[id] = fn
	w.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.subMu.Lock()
			delete(w.subs, id)
			w.subMu.Unlock()
		})
	}
}

func (w *LocalWallet) emit(ev WalletEvent) {
	w.subMu.Lock()
	fns := make([]func(WalletEvent), 0, len(w.subs))
	for _, fn := range w.subs {
		fns = append(fns, fn)
	}
	w.subMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// SelectAccount switches the active account, like picking another account
// in an extension. Subscribers see AccountsChanged.
func (w *LocalWallet) SelectAccount(addr common.Address) error {
	w.mu.Lock()
	if _, ok := w.keys[addr]; !ok {
		w.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAccount, addr.Hex())
	}
	changed := w.selected != addr
	w.selected = addr
	authorized := w.authorized
	w.mu.Unlock()

	if changed && authorized {
		w.emit(WalletEvent{Kind: AccountsChanged, Accounts: []common.Address{addr}})
	}
	return nil
}

// Revoke withdraws authorization. Subscribers see an empty account list.
func (w *LocalWallet) Revoke() {
	w.mu.Lock()
	was := w.authorized
	w.authorized = false
	w.mu.Unlock()
	if was {
		w.emit(WalletEvent{Kind: AccountsChanged, Accounts: []common.Address{}})
	}
}

// SwitchChain points the wallet at another network.
func (w *LocalWallet) SwitchChain(chainID *big.Int, backend TxBackend) {
	w.mu.Lock()
	changed := w.chainID.Cmp(chainID) != 0
	w.chainID = new(big.Int).Set(chainID)
	if backend != nil {
		w.backend = backend
	}
	w.mu.Unlock()
	if changed {
		w.emit(WalletEvent{Kind: ChainChanged, ChainID: new(big.Int).Set(chainID)})
	}
}
