package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/garnizeh/chainlance/internal/apperr"
	"github.com/garnizeh/chainlance/pkg/binding"
)

// View is one consistent snapshot of everything the dashboard renders for an
// account. It is replaced whole and never mutated after publication.
type View struct {
	Account     common.Address        `json:"account"`
	Block       uint64                `json:"block"`
	OpenOffers  []binding.OfferedWork `json:"openOffers"`
	MyOffers    []binding.OfferedWork `json:"myOffers"`
	Agreements  []binding.Agreement   `json:"agreements"`
	Stats       Stats                 `json:"stats"`
	RefreshedAt time.Time             `json:"refreshedAt"`
}

// Refresh rebuilds the view for who and publishes it. With a zero address
// only the account-independent parts are read. On error the previous view
// stays published. A view superseded while it was being read is returned but
// not published.
func (s *Synchronizer) Refresh(ctx context.Context, who common.Address) (*View, error) {
	defer observe("refresh", time.Now())
	gen := s.gen.Add(1)

	block, err := s.backend.BlockNumber(ctx)
	if err != nil {
		return nil, normalizeRefresh(err)
	}
	v := &View{Account: who, Block: block, MyOffers: []binding.OfferedWork{}, Agreements: []binding.Agreement{}}

	if v.OpenOffers, err = s.OpenOffers(ctx); err != nil {
		return nil, err
	}
	if v.Stats, err = s.Stats(ctx); err != nil {
		return nil, err
	}
	if who != (common.Address{}) {
		if v.MyOffers, err = s.OffersBy(ctx, who); err != nil {
			return nil, err
		}
		if v.Agreements, err = s.Agreements(ctx, who); err != nil {
			return nil, err
		}
	}
	v.RefreshedAt = time.Now().UTC()

	if !s.publish(gen, v) {
		s.logger.Debug("superseded view dropped", slog.String("account", who.Hex()), slog.Uint64("block", block))
		return v, nil
	}
	s.logger.Info("view refreshed",
		slog.String("account", who.Hex()),
		slog.Uint64("block", block),
		slog.Int("open_offers", len(v.OpenOffers)),
		slog.Int("agreements", len(v.Agreements)))
	return v, nil
}

// View returns the last published snapshot, or nil before the first refresh.
func (s *Synchronizer) View() *View { return s.view.Load() }

// Reset drops the published view, as after a network change. Refreshes
// already running when Reset is called are not published.
func (s *Synchronizer) Reset() {
	s.pubMu.Lock()
	s.published = s.gen.Load()
	s.view.Store(nil)
	s.pubMu.Unlock()
	s.logger.Info("view reset")
}

// Follow makes publication conditional on the view's account still being
// account(). Views of any other account are dropped.
func (s *Synchronizer) Follow(account func() common.Address) {
	s.pubMu.Lock()
	s.follow = account
	s.pubMu.Unlock()
}

// publish stores v unless a later refresh already published or v belongs to
// an account no longer followed. Listeners run under pubMu so they observe
// views in publication order.
func (s *Synchronizer) publish(gen uint64, v *View) bool {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	if gen <= s.published {
		return false
	}
	if s.follow != nil && s.follow() != v.Account {
		return false
	}
	s.published = gen
	s.view.Store(v)

	s.mu.Lock()
	fns := make([]func(*View), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
	return true
}

// Subscribe registers fn for every published view.
func (s *Synchronizer) Subscribe(fn func(*View)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

func normalizeRefresh(err error) error {
	return apperr.Normalize("refresh", err)
}
