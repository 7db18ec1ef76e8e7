// Package syncer mirrors contract state into a local view. Offers are found
// in two stages: keys are discovered from the workOffered log, then each key
// is refreshed with a point read, because a log only proves that an offer
// existed at some past block. Agreements and candidates come from the
// contract's aggregate getters directly.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/garnizeh/chainlance/internal/apperr"
	"github.com/garnizeh/chainlance/internal/metrics"
	"github.com/garnizeh/chainlance/pkg/binding"
	"github.com/garnizeh/chainlance/pkg/chain"
)

// MaxAskedMiddlemen bounds how many invitations AskedMiddlemen reads for one
// agreement. The count comes from the contract, not from this process.
const MaxAskedMiddlemen = 256

type Config struct {
	Address         common.Address
	FromBlock       uint64
	LogBlockRange   uint64
	ReadConcurrency int
}

// Stats are the contract-wide counters.
type Stats struct {
	Balance          *big.Int `json:"balance"`
	NumAgreements    *big.Int `json:"numAgreements"`
	NumOfferedWorks  *big.Int `json:"numOfferedWorks"`
	OfferedWorkCount int      `json:"offeredWorkIds"`
}

type Synchronizer struct {
	b       *binding.Binding
	backend chain.Backend
	caller  *binding.Caller
	cfg     Config
	offers  KeyDiscoverer
	logger  *slog.Logger

	view atomic.Pointer[View]

	// gen stamps every Refresh when it starts. A view is only published
	// when its stamp is newer than the one already published, so a refresh
	// that started earlier never replaces one that started later.
	gen       atomic.Uint64
	pubMu     sync.Mutex
	published uint64
	follow    func() common.Address

	mu        sync.Mutex
	listeners map[int]func(*View)
	nextID    int
}

type Option func(*Synchronizer)

func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithOfferDiscoverer replaces the log-based first stage, for instance with
// an external index.
func WithOfferDiscoverer(d KeyDiscoverer) Option {
	return func(s *Synchronizer) {
		if d != nil {
			s.offers = d
		}
	}
}

func New(b *binding.Binding, backend chain.Backend, cfg Config, opts ...Option) *Synchronizer {
	if cfg.ReadConcurrency <= 0 {
		cfg.ReadConcurrency = 8
	}
	s := &Synchronizer{
		b:         b,
		backend:   backend,
		caller:    binding.NewCaller(b, cfg.Address, backend),
		cfg:       cfg,
		logger:    slog.Default(),
		listeners: make(map[int]func(*View)),
	}
	s.offers = OfferKeys(s.scan(""))
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Synchronizer) scan(event string) LogScan {
	return LogScan{
		Source:     s.backend,
		Binding:    s.b,
		Address:    s.cfg.Address,
		Event:      event,
		FromBlock:  s.cfg.FromBlock,
		BlockRange: s.cfg.LogBlockRange,
	}
}

func observe(view string, start time.Time) {
	metrics.SyncDuration.WithLabelValues(view).Observe(time.Since(start).Seconds())
}

// DiscoverOfferIDs runs the first stage only.
func (s *Synchronizer) DiscoverOfferIDs(ctx context.Context) ([]common.Hash, error) {
	ids, err := s.offers.Discover(ctx)
	if err != nil {
		return nil, apperr.Normalize("discover offers", err)
	}
	return ids, nil
}

// RefreshOffers runs the second stage: a point read per key, bounded by
// ReadConcurrency, results in key order. Keys that never existed are dropped.
func (s *Synchronizer) RefreshOffers(ctx context.Context, ids []common.Hash) ([]binding.OfferedWork, error) {
	ids = dedupe(ids)
	out := make([]binding.OfferedWork, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ReadConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			w, err := s.caller.OfferedWork(gctx, binding.CallOpts{}, id)
			if err != nil {
				return err
			}
			out[i] = w
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, apperr.Normalize("refresh offers", err)
	}

	live := out[:0]
	for _, w := range out {
		if w.Exists() {
			live = append(live, w)
		}
	}
	return live, nil
}

func dedupe(ids []common.Hash) []common.Hash {
	seen := make(map[common.Hash]struct{}, len(ids))
	out := make([]common.Hash, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// OpenOffers returns every unsealed offer in discovery order. An empty
// result is a valid answer, not an error.
func (s *Synchronizer) OpenOffers(ctx context.Context) ([]binding.OfferedWork, error) {
	defer observe("open_offers", time.Now())

	ids, err := s.DiscoverOfferIDs(ctx)
	if err != nil {
		return nil, err
	}
	offers, err := s.RefreshOffers(ctx, ids)
	if err != nil {
		return nil, err
	}
	open := make([]binding.OfferedWork, 0, len(offers))
	for _, w := range offers {
		if !w.Sealed {
			open = append(open, w)
		}
	}
	metrics.SyncItems.WithLabelValues("open_offers").Set(float64(len(open)))
	s.logger.Debug("open offers synchronized", slog.Int("discovered", len(ids)), slog.Int("open", len(open)))
	return open, nil
}

// OffersBy returns the offers of employer. The aggregate getter is called as
// employer, and its answer is still filtered here: an unscoped response
// must not be presented as the caller's own offers.
func (s *Synchronizer) OffersBy(ctx context.Context, employer common.Address) ([]binding.OfferedWork, error) {
	defer observe("my_offers", time.Now())

	all, err := s.caller.OfferedWorks(ctx, binding.CallOpts{From: employer})
	if err != nil {
		return nil, apperr.Normalize("my offers", err)
	}
	mine := make([]binding.OfferedWork, 0, len(all))
	for _, w := range all {
		if w.Employer == employer {
			mine = append(mine, w)
		}
	}
	return mine, nil
}

// Agreements returns the agreements visible to who, as the contract lists them.
func (s *Synchronizer) Agreements(ctx context.Context, who common.Address) ([]binding.Agreement, error) {
	defer observe("agreements", time.Now())

	out, err := s.caller.Agreements(ctx, binding.CallOpts{From: who})
	if err != nil {
		return nil, apperr.Normalize("agreements", err)
	}
	metrics.SyncItems.WithLabelValues("agreements").Set(float64(len(out)))
	return out, nil
}

// AgreementIDs returns the ids of the agreements visible to who.
func (s *Synchronizer) AgreementIDs(ctx context.Context, who common.Address) ([]common.Hash, error) {
	ids, err := s.caller.AgreementIDs(ctx, binding.CallOpts{From: who})
	if err != nil {
		return nil, apperr.Normalize("agreement ids", err)
	}
	return ids, nil
}

// Agreement reads one agreement. ok is false when it does not exist.
func (s *Synchronizer) Agreement(ctx context.Context, id common.Hash) (binding.Agreement, bool, error) {
	a, err := s.caller.GetAgreement(ctx, binding.CallOpts{}, id)
	if err != nil {
		return binding.Agreement{}, false, apperr.Normalize("agreement", err)
	}
	return a, a.Exists(), nil
}

// Offer reads one offer. ok is false when it does not exist.
func (s *Synchronizer) Offer(ctx context.Context, id common.Hash) (binding.OfferedWork, bool, error) {
	w, err := s.caller.OfferedWork(ctx, binding.CallOpts{}, id)
	if err != nil {
		return binding.OfferedWork{}, false, apperr.Normalize("offer", err)
	}
	return w, w.Exists(), nil
}

// Candidates returns the applicants of an offer in application order. The
// order is what recruit indexes address, so it is never changed.
func (s *Synchronizer) Candidates(ctx context.Context, offerID common.Hash) ([]common.Address, error) {
	out, err := s.caller.Candidates(ctx, binding.CallOpts{}, offerID)
	if err != nil {
		return nil, apperr.Normalize("candidates", err)
	}
	return out, nil
}

// AskedMiddleman returns the which-th middleman invited on an agreement.
func (s *Synchronizer) AskedMiddleman(ctx context.Context, agreementID common.Hash, which uint64) (common.Address, error) {
	out, err := s.caller.AskedMiddleman(ctx, binding.CallOpts{}, agreementID, which)
	if err != nil {
		return common.Address{}, apperr.Normalize("asked middleman", err)
	}
	return out, nil
}

// AskedMiddlemen lists every invited middleman of an agreement in order.
func (s *Synchronizer) AskedMiddlemen(ctx context.Context, agreementID common.Hash) ([]common.Address, error) {
	a, ok, err := s.Agreement(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []common.Address{}, nil
	}
	if a.AskedMiddlemanCount > MaxAskedMiddlemen {
		return nil, apperr.New(apperr.RemoteRejected, "asked middlemen",
			fmt.Sprintf("agreement reports %d asked middlemen, limit is %d", a.AskedMiddlemanCount, MaxAskedMiddlemen))
	}
	out := make([]common.Address, 0, a.AskedMiddlemanCount)
	for i := uint64(0); i < a.AskedMiddlemanCount; i++ {
		m, err := s.AskedMiddleman(ctx, agreementID, i)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Middleman returns the accepted middleman, or the zero address.
func (s *Synchronizer) Middleman(ctx context.Context, agreementID common.Hash) (common.Address, error) {
	out, err := s.caller.Middleman(ctx, binding.CallOpts{}, agreementID)
	if err != nil {
		return common.Address{}, apperr.Normalize("middleman", err)
	}
	return out, nil
}

// Stats reads the contract-wide counters.
func (s *Synchronizer) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		st.Balance, err = s.caller.BalanceReceived(gctx, binding.CallOpts{})
		return err
	})
	g.Go(func() (err error) {
		st.NumAgreements, err = s.caller.NumOfAgreements(gctx, binding.CallOpts{})
		return err
	})
	g.Go(func() (err error) {
		st.NumOfferedWorks, err = s.caller.NumOfOfferedWorks(gctx, binding.CallOpts{})
		return err
	})
	g.Go(func() error {
		ids, err := s.caller.OfferedWorkIDs(gctx, binding.CallOpts{})
		st.OfferedWorkCount = len(ids)
		return err
	})
	if err := g.Wait(); err != nil {
		return Stats{}, apperr.Normalize("stats", err)
	}
	return st, nil
}

// Capabilities implements chain.CapabilityResolver by replaying the
// accountCreated log filtered on the indexed address. The latest entry wins.
func (s *Synchronizer) Capabilities(ctx context.Context, addr common.Address) (binding.Account, bool, error) {
	scan := s.scan(binding.EventAccountCreated)
	scan.Topics = [][]common.Hash{{common.BytesToHash(addr.Bytes())}}
	events, err := scan.Events(ctx)
	if err != nil {
		return binding.Account{}, false, apperr.Normalize("capabilities", err)
	}
	var (
		acct  binding.Account
		found bool
	)
	for _, ev := range events {
		if ac, ok := ev.(binding.AccountCreated); ok && ac.Account == addr {
			acct = binding.Account{Address: addr, IsEmployee: ac.IsEmployee, IsEmployer: ac.IsEmployer, IsMiddleman: ac.IsMiddleman}
			found = true
		}
	}
	return acct, found, nil
}
