// Package dashboard composes the connection manager, synchronizer,
// orchestrator and profile store into the service the HTTP surface drives.
// It owns the live feed and keeps the published view in step with the
// session and the network.
package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/garnizeh/chainlance/internal/apperr"
	"github.com/garnizeh/chainlance/internal/profile"
	"github.com/garnizeh/chainlance/internal/syncer"
	"github.com/garnizeh/chainlance/internal/txn"
	"github.com/garnizeh/chainlance/pkg/binding"
	"github.com/garnizeh/chainlance/pkg/chain"
	"github.com/garnizeh/chainlance/pkg/models"
	"github.com/garnizeh/chainlance/pkg/repository"
)

type Config struct {
	// RefreshInterval is the period of background view refreshes. Zero
	// disables them.
	RefreshInterval time.Duration
	JobAttempts     int
	RefreshTimeout  time.Duration
}

// Enqueuer hands refreshes to the background job queue.
// *jobs.WorkerPool satisfies it.
type Enqueuer interface {
	EnqueueRefresh(ctx context.Context, account string, maxAttempts int) (int64, error)
}

type Service struct {
	mgr      *chain.Manager
	sync     *syncer.Synchronizer
	orch     *txn.Orchestrator
	profiles *profile.Service
	hub      *Hub
	enq      Enqueuer
	cfg      Config
	logger   *slog.Logger

	kick chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	lastAddr common.Address
	unsubs   []func()
	started  bool
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithEnqueuer routes background refreshes through the job queue. Without
// one they run inline on the service goroutine.
func WithEnqueuer(e Enqueuer) Option {
	return func(s *Service) { s.enq = e }
}

func New(mgr *chain.Manager, syn *syncer.Synchronizer, orch *txn.Orchestrator, profiles *profile.Service, hub *Hub, cfg Config, opts ...Option) *Service {
	if cfg.JobAttempts <= 0 {
		cfg.JobAttempts = 3
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	if hub == nil {
		hub = NewHub(nil)
	}
	s := &Service{
		mgr:      mgr,
		sync:     syn,
		orch:     orch,
		profiles: profiles,
		hub:      hub,
		cfg:      cfg,
		logger:   slog.Default(),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	hub.SetSnapshot(s.snapshot)
	// only the session account's view is ever published
	syn.Follow(func() common.Address { return mgr.Current().Address })
	return s
}

// NewRefresher returns the hook the orchestrator runs after a confirmed
// write: the view of who is rebuilt and, when who is the session account,
// its capabilities are re-read.
func NewRefresher(mgr *chain.Manager, s *syncer.Synchronizer) txn.Refresher {
	return func(ctx context.Context, who common.Address) error {
		if _, err := s.Refresh(ctx, who); err != nil {
			return err
		}
		if cur := mgr.Current(); cur.Connected() && cur.Address == who {
			if _, err := mgr.RefreshCapabilities(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func (s *Service) Hub() *Hub { return s.hub }

func (s *Service) Manager() *chain.Manager { return s.mgr }

func (s *Service) Sync() *syncer.Synchronizer { return s.sync }

func (s *Service) Orchestrator() *txn.Orchestrator { return s.orch }

func (s *Service) Profiles() *profile.Service { return s.profiles }

// Session returns the current session snapshot.
func (s *Service) Session() *chain.Session { return s.mgr.Current() }

// Start wires the observers and launches the refresh loop. Start is a no-op
// on a started service.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.lastAddr = s.mgr.Current().Address
	s.unsubs = append(s.unsubs,
		s.mgr.Subscribe(s.onSession),
		s.mgr.OnReload(s.onReload),
		s.sync.Subscribe(func(v *syncer.View) { s.hub.Broadcast(MsgView, NewView(v)) }),
	)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	s.RequestRefresh()
}

// Stop detaches the observers, stops the loop and closes the feed.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	close(s.stop)
	s.wg.Wait()
	s.hub.Close()
}

// RequestRefresh schedules a refresh of the session view. Requests made
// while one is already scheduled are coalesced.
func (s *Service) RequestRefresh() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Service) loop(ctx context.Context) {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.cfg.RefreshInterval > 0 {
		t := time.NewTicker(s.cfg.RefreshInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-s.kick:
			s.refreshSession(ctx)
		case <-tick:
			s.refreshSession(ctx)
		}
	}
}

func account(who common.Address) string {
	if who == (common.Address{}) {
		return ""
	}
	return who.Hex()
}

func (s *Service) refreshSession(ctx context.Context) {
	who := s.mgr.Current().Address
	if s.enq != nil {
		if _, err := s.enq.EnqueueRefresh(ctx, account(who), s.cfg.JobAttempts); err != nil {
			s.logger.Error("enqueue refresh", slog.String("account", who.Hex()), slog.Any("error", err))
		}
		return
	}
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RefreshTimeout)
	defer cancel()
	if err := s.RefreshAccount(rctx, who); err != nil {
		s.logger.Warn("background refresh failed", slog.String("account", who.Hex()), slog.Any("error", err))
	}
}

// RefreshAccount rebuilds the view of who unless the session has moved to
// another account in the meantime, in which case the request is stale and
// dropped.
func (s *Service) RefreshAccount(ctx context.Context, who common.Address) error {
	if cur := s.mgr.Current(); cur.Address != who {
		s.logger.Debug("stale refresh dropped", slog.String("account", who.Hex()))
		return nil
	}
	_, err := s.sync.Refresh(ctx, who)
	return err
}

// onSession runs under the manager's transition lock. It must not call
// back into the manager.
func (s *Service) onSession(sess *chain.Session) {
	s.hub.Broadcast(MsgSession, sess)

	s.mu.Lock()
	changed := sess.Address != s.lastAddr
	s.lastAddr = sess.Address
	s.mu.Unlock()
	if changed {
		s.RequestRefresh()
	}
}

// ReloadNotice is the feed payload of a network change.
type ReloadNotice struct {
	ChainID *big.Int `json:"chainId"`
}

func (s *Service) onReload(chainID *big.Int) {
	s.logger.Info("network changed, discarding view", slog.Any("chain_id", chainID))
	s.sync.Reset()
	s.hub.Broadcast(MsgReload, ReloadNotice{ChainID: chainID})
	s.RequestRefresh()
}

func (s *Service) snapshot() []Message {
	out := []Message{{Type: MsgSession, Data: s.mgr.Current()}}
	if v := s.sync.View(); v != nil {
		out = append(out, Message{Type: MsgView, Data: NewView(v)})
	}
	return out
}

// Do runs one orchestrated operation, records it in the session profile and
// announces the receipt on the feed.
func (s *Service) Do(ctx context.Context, op func(ctx context.Context, o *txn.Orchestrator) (*txn.Receipt, error)) (*txn.Receipt, error) {
	r, err := op(ctx, s.orch)
	if err != nil {
		return nil, err
	}
	s.Record(ctx, r)
	s.hub.Broadcast(MsgReceipt, NewReceipt(r))
	return r, nil
}

// Record appends the ids a confirmed operation produced to the lists of the
// sender's profile. Senders without a profile are skipped.
func (s *Service) Record(ctx context.Context, r *txn.Receipt) {
	if s.profiles == nil || r == nil {
		return
	}
	for _, ev := range r.Events {
		var (
			list models.ProfileList
			id   common.Hash
		)
		switch e := ev.(type) {
		case binding.WorkOffered:
			if e.OfferedBy != r.From {
				continue
			}
			list, id = models.ListPostedJobs, e.OfferedWorkID
		case binding.AppliedToWork:
			if e.Applicant != r.From {
				continue
			}
			list, id = models.ListAppliedJobs, e.OfferedWorkID
		case binding.EmployeeDone:
			list, id = models.ListCompletedJobs, e.AgreementID
		case binding.DisputeResolved:
			list, id = models.ListPastMediations, e.AgreementID
		default:
			continue
		}
		_, err := s.profiles.Append(ctx, r.From.Hex(), list, id.Hex())
		switch {
		case err == nil:
		case errors.Is(err, repository.ErrNotFound):
			return
		default:
			s.logger.Warn("profile bookkeeping failed",
				slog.String("wallet", r.From.Hex()), slog.String("list", string(list)), slog.Any("error", err))
		}
	}
}

type RegisterRequest struct {
	Role     binding.Role `json:"role"`
	Username string       `json:"username"`
	PhotoURL string       `json:"photoUrl,omitempty"`
}

// Registration reports a confirmed on-chain registration. ProfileError is
// set when the account was created but the local profile could not be
// saved.
type Registration struct {
	Receipt      *Receipt        `json:"receipt"`
	Profile      *models.Profile `json:"profile,omitempty"`
	ProfileError string          `json:"profileError,omitempty"`
}

const opRegister = "register"

// Register creates the on-chain account of the session with one role and,
// only once that is confirmed, saves the local profile. The profile is
// validated first so a bad one never costs a transaction.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Registration, error) {
	cur := s.mgr.Current()
	if !cur.Connected() {
		return nil, apperr.New(apperr.WalletUnavailable, opRegister, "no wallet connected")
	}
	p := &models.Profile{
		WalletAddress: cur.Address.Hex(),
		Username:      req.Username,
		Role:          string(req.Role),
		PhotoURL:      req.PhotoURL,
	}
	if s.profiles != nil {
		if err := s.profiles.Validate(ctx, p); err != nil {
			return nil, err
		}
	}

	r, err := s.Do(ctx, func(ctx context.Context, o *txn.Orchestrator) (*txn.Receipt, error) {
		return o.CreateAccount(ctx, req.Role)
	})
	if err != nil {
		return nil, err
	}
	out := &Registration{Receipt: NewReceipt(r)}
	if s.profiles == nil {
		return out, nil
	}
	saved, err := s.profiles.Upsert(ctx, p)
	if err != nil {
		out.ProfileError = err.Error()
		s.logger.Warn("account registered but profile not saved",
			slog.String("wallet", p.WalletAddress), slog.Any("error", err))
		return out, nil
	}
	out.Profile = saved
	return out, nil
}
