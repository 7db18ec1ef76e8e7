package chain

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/garnizeh/chainlance/internal/apperr"
	"github.com/garnizeh/chainlance/pkg/binding"
)

// ErrSessionChanged is wrapped when another transition, such as a
// Disconnect, replaced the session while a new one was being established.
var ErrSessionChanged = errors.New("session changed while connecting")

// Session is one immutable identity bundle. The manager swaps whole
// sessions; fields are never updated in place.
type Session struct {
	Address      common.Address  `json:"address"`
	ChainID      *big.Int        `json:"chainId,omitempty"`
	Capabilities binding.Account `json:"capabilities"`
	Registered   bool            `json:"registered"`
	// Epoch increases with every replacement so observers can drop stale work.
	Epoch uint64 `json:"epoch"`

	wallet Wallet
}

// Connected reports whether a signing session is active.
func (s *Session) Connected() bool {
	return s != nil && s.Address != (common.Address{})
}

// Wallet returns the signer of the session, or nil when disconnected.
func (s *Session) Wallet() Wallet {
	if s == nil {
		return nil
	}
	return s.wallet
}

// CapabilityResolver looks up the on-chain capabilities of an address.
// ok is false for an address that never registered.
type CapabilityResolver interface {
	Capabilities(ctx context.Context, addr common.Address) (acct binding.Account, ok bool, err error)
}

// Manager owns the read channel and the current signing session.
type Manager struct {
	read     Backend
	wallet   Wallet
	resolver CapabilityResolver
	timeout  time.Duration

	session atomic.Pointer[Session]
	epoch   atomic.Uint64
	// serializes session transitions; reads stay lock-free
	mu sync.Mutex

	obsMu     sync.Mutex
	observers map[int]func(*Session)
	reloaders map[int]func(chainID *big.Int)
	nextID    int

	unwatch func()
	closed  atomic.Bool
}

type ManagerOption func(*Manager)

// WithResolver installs the capability lookup used to fill sessions.
func WithResolver(r CapabilityResolver) ManagerOption {
	return func(m *Manager) { m.resolver = r }
}

// WithEventTimeout bounds work triggered by wallet notifications.
func WithEventTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// NewManager builds a manager. wallet may be nil, in which case reads work
// through read and every write fails with WalletUnavailable.
func NewManager(read Backend, wallet Wallet, opts ...ManagerOption) *Manager {
	m := &Manager{
		read:      read,
		wallet:    wallet,
		timeout:   15 * time.Second,
		observers: make(map[int]func(*Session)),
		reloaders: make(map[int]func(*big.Int)),
	}
	for _, o := range opts {
		o(m)
	}
	m.session.Store(&Session{})
	return m
}

// Reader returns the read-only channel. It is usable without a wallet.
func (m *Manager) Reader() Backend { return m.read }

// Current returns the active session snapshot. It is never nil.
func (m *Manager) Current() *Session { return m.session.Load() }

// Init starts watching the wallet and silently restores a session the
// wallet already authorized. It never prompts.
func (m *Manager) Init(ctx context.Context) error {
	if m.wallet == nil {
		logger.Info("chain: no wallet configured; read-only mode")
		return nil
	}
	m.mu.Lock()
	if m.unwatch == nil {
		m.unwatch = m.wallet.Subscribe(m.handleWalletEvent)
	}
	m.mu.Unlock()

	accounts, err := m.wallet.Accounts(ctx)
	if err != nil {
		return apperr.Normalize("init", err)
	}
	if len(accounts) == 0 {
		return nil
	}
	if _, err := m.establish(ctx, accounts[0]); err != nil {
		return err
	}
	logger.Info("chain: session restored", slog.String("address", accounts[0].Hex()))
	return nil
}

// Connect asks the wallet for authorization and opens a session.
func (m *Manager) Connect(ctx context.Context) (common.Address, error) {
	if m.wallet == nil {
		return common.Address{}, apperr.New(apperr.WalletUnavailable, "connect", "no wallet extension detected")
	}
	accounts, err := m.wallet.RequestAccounts(ctx)
	if err != nil {
		return common.Address{}, apperr.Normalize("connect", err)
	}
	if len(accounts) == 0 {
		return common.Address{}, apperr.New(apperr.UserRejected, "connect", "no account was authorized")
	}
	s, err := m.establish(ctx, accounts[0])
	if err != nil {
		return common.Address{}, err
	}
	logger.Info("chain: connected", slog.String("address", s.Address.Hex()), slog.String("chain_id", s.ChainID.String()))
	return s.Address, nil
}

// Disconnect clears the session. Calling it while disconnected is a no-op.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectLocked()
}

func (m *Manager) disconnectLocked() {
	if !m.Current().Connected() {
		return
	}
	m.swap(&Session{})
	logger.Info("chain: disconnected")
}

// RefreshCapabilities re-reads the capabilities of the connected address,
// for instance after it registered.
func (m *Manager) RefreshCapabilities(ctx context.Context) (*Session, error) {
	cur := m.Current()
	if !cur.Connected() {
		return cur, apperr.New(apperr.WalletUnavailable, "refresh capabilities", "no connected account")
	}
	s, err := m.establish(ctx, cur.Address)
	if errors.Is(err, ErrSessionChanged) {
		// the newer session already carries fresh capabilities
		return m.Current(), nil
	}
	return s, err
}

// establish resolves a session for addr and swaps it in, unless another
// transition happened while resolving.
func (m *Manager) establish(ctx context.Context, addr common.Address) (*Session, error) {
	base := m.epoch.Load()
	chainID, err := m.wallet.ChainID(ctx)
	if err != nil {
		return nil, apperr.Normalize("connect", err)
	}
	next := &Session{Address: addr, ChainID: chainID, wallet: m.wallet}
	next.Capabilities.Address = addr
	if m.resolver != nil {
		acct, ok, err := m.resolver.Capabilities(ctx, addr)
		if err != nil {
			// capabilities stay unknown; the session is still usable for writes
			logger.Warn("chain: capability lookup failed", slog.String("address", addr.Hex()), slog.String("error", err.Error()))
		} else if ok {
			next.Capabilities = acct
			next.Registered = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch.Load() != base {
		logger.Info("chain: superseded session dropped", slog.String("address", addr.Hex()))
		return nil, &apperr.Error{Kind: apperr.PreconditionFailed, Op: "connect", Message: "session changed, try again", Err: ErrSessionChanged}
	}
	m.swap(next)
	return next, nil
}

// swap publishes next and notifies observers. Callers hold m.mu.
func (m *Manager) swap(next *Session) {
	next.Epoch = m.epoch.Add(1)
	m.session.Store(next)
	for _, fn := range m.snapshotObservers() {
		fn(next)
	}
}

func (m *Manager) snapshotObservers() []func(*Session) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	out := make([]func(*Session), 0, len(m.observers))
	for _, fn := range m.observers {
		out = append(out, fn)
	}
	return out
}

// Subscribe registers fn for every session replacement. fn runs while the
// transition lock is held and must not call Connect, Disconnect or
// RefreshCapabilities.
func (m *Manager) Subscribe(fn func(*Session)) (unsubscribe func()) {
	m.obsMu.Lock()
	id := m.nextID
	m.nextID++
	m.observers[id] = fn
	m.obsMu.Unlock()
	return m.remover(func() { delete(m.observers, id) })
}

// OnReload registers fn for network changes. Everything derived from the
// previous network must be discarded and rebuilt.
func (m *Manager) OnReload(fn func(chainID *big.Int)) (unsubscribe func()) {
	m.obsMu.Lock()
	id := m.nextID
	m.nextID++
	m.reloaders[id] = fn
	m.obsMu.Unlock()
	return m.remover(func() { delete(m.reloaders, id) })
}

func (m *Manager) remover(del func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.obsMu.Lock()
			del()
			m.obsMu.Unlock()
		})
	}
}

func (m *Manager) handleWalletEvent(ev WalletEvent) {
	if m.closed.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	logger.Info("chain: wallet event", slog.String("kind", ev.Kind.String()))
	switch ev.Kind {
	case AccountsChanged:
		if len(ev.Accounts) == 0 {
			m.Disconnect()
			return
		}
		if ev.Accounts[0] == m.Current().Address {
			return
		}
		// a different account gets a fresh session, never a patched one
		m.Disconnect()
		if _, err := m.establish(ctx, ev.Accounts[0]); err != nil {
			logger.Error("chain: session reset failed", slog.String("error", err.Error()))
		}
	case ChainChanged:
		cur := m.Current()
		if cur.Connected() {
			if _, err := m.establish(ctx, cur.Address); err != nil {
				logger.Error("chain: session rebuild failed", slog.String("error", err.Error()))
			}
		}
		m.obsMu.Lock()
		fns := make([]func(*big.Int), 0, len(m.reloaders))
		for _, fn := range m.reloaders {
			fns = append(fns, fn)
		}
		m.obsMu.Unlock()
		for _, fn := range fns {
			fn(ev.ChainID)
		}
	}
}

// Close stops watching the wallet. Close is idempotent.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.mu.Lock()
	unwatch := m.unwatch
	m.unwatch = nil
	m.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
	return nil
}
