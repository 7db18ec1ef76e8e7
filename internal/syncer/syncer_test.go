package syncer_test

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/garnizeh/chainlance/internal/apperr"
	"github.com/garnizeh/chainlance/internal/chaintest"
	"github.com/garnizeh/chainlance/internal/syncer"
	"github.com/garnizeh/chainlance/pkg/binding"
)

var (
	employer  = chaintest.Key(1)
	applicant = chaintest.Key(2)
	other     = chaintest.Key(3)
	middleman = chaintest.Key(5)
)

type countingBackend struct {
	*chaintest.Contract
	filterCalls atomic.Int32
}

func (c *countingBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.filterCalls.Add(1)
	return c.Contract.FilterLogs(ctx, q)
}

func setup(t *testing.T, cfg syncer.Config) (*chaintest.Contract, *countingBackend, *syncer.Synchronizer) {
	t.Helper()
	b, err := binding.New()
	if err != nil {
		t.Fatalf("binding: %v", err)
	}
	c := chaintest.New(b)
	cfg.Address = c.Address()
	backend := &countingBackend{Contract: c}
	return c, backend, syncer.New(b, backend, cfg)
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

func ids(ws []binding.OfferedWork) []common.Hash {
	out := make([]common.Hash, len(ws))
	for i, w := range ws {
		out[i] = w.ID
	}
	return out
}

func sameHashes(a, b []common.Hash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestOpenOffers_EmptyChainIsEmptyNotError(t *testing.T) {
	_, _, s := setup(t, syncer.Config{})
	got, err := s.OpenOffers(context.Background())
	if err != nil {
		t.Fatalf("OpenOffers: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

func TestOpenOffers_DiscoveryOrderIsStableAndIdempotent(t *testing.T) {
	c, _, s := setup(t, syncer.Config{})
	c.Register(t, employer, binding.RoleEmployer)
	first := c.Offer(t, employer, ether(1))
	second := c.Offer(t, employer, ether(2))

	ctx := context.Background()
	a, err := s.OpenOffers(ctx)
	if err != nil {
		t.Fatalf("OpenOffers: %v", err)
	}
	b, err := s.OpenOffers(ctx)
	if err != nil {
		t.Fatalf("OpenOffers again: %v", err)
	}
	want := []common.Hash{first, second}
	if !sameHashes(ids(a), want) || !sameHashes(ids(b), want) {
		t.Fatalf("unexpected order: %v / %v", ids(a), ids(b))
	}
	if a[1].StakedAmount.Cmp(ether(2)) != 0 {
		t.Fatalf("stake not refreshed from point read: %s", a[1].StakedAmount)
	}
}

func TestOpenOffers_SealedOffersAreExcluded(t *testing.T) {
	c, _, s := setup(t, syncer.Config{})
	c.Register(t, employer, binding.RoleEmployer)
	c.Register(t, applicant, binding.RoleEmployee)
	deleted := c.Offer(t, employer, ether(1))
	recruited := c.Offer(t, employer, ether(1))
	open := c.Offer(t, employer, ether(1))

	c.Delete(t, employer, deleted)
	c.Apply(t, applicant, recruited)
	c.Recruit(t, employer, recruited, 0)

	got, err := s.OpenOffers(context.Background())
	if err != nil {
		t.Fatalf("OpenOffers: %v", err)
	}
	if !sameHashes(ids(got), []common.Hash{open}) {
		t.Fatalf("want only %s, got %v", open.Hex(), ids(got))
	}

	// the sealed offers still exist and read back as such
	w, ok, err := s.Offer(context.Background(), recruited)
	if err != nil || !ok || !w.Sealed {
		t.Fatalf("recruited offer: %+v ok=%v err=%v", w, ok, err)
	}
}

func TestDiscoverOfferIDs_DuplicateLogsCollapse(t *testing.T) {
	c, _, s := setup(t, syncer.Config{})
	c.Register(t, employer, binding.RoleEmployer)
	id := c.Offer(t, employer, ether(1))

	for _, l := range c.Logs() {
		if len(l.Topics) > 0 && len(l.Data) > 0 {
			dup := l
			dup.Topics = append([]common.Hash{}, l.Topics...)
			c.InjectLog(dup)
		}
	}

	got, err := s.DiscoverOfferIDs(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if !sameHashes(got, []common.Hash{id}) {
		t.Fatalf("want single id, got %v", got)
	}
}

func TestDiscoverOfferIDs_ChunkedRangesMatchSingleQuery(t *testing.T) {
	c, whole, s := setup(t, syncer.Config{})
	c.Register(t, employer, binding.RoleEmployer)
	for i := 0; i < 4; i++ {
		c.Offer(t, employer, ether(1))
	}

	b, _ := binding.New()
	chunked := &countingBackend{Contract: c}
	sc := syncer.New(b, chunked, syncer.Config{Address: c.Address(), LogBlockRange: 2})

	ctx := context.Background()
	want, err := s.DiscoverOfferIDs(ctx)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	got, err := sc.DiscoverOfferIDs(ctx)
	if err != nil {
		t.Fatalf("chunked discover: %v", err)
	}
	if len(want) != 4 || !sameHashes(got, want) {
		t.Fatalf("chunked %v != single %v", got, want)
	}
	if whole.filterCalls.Load() != 1 {
		t.Fatalf("unbounded scan should issue one query, got %d", whole.filterCalls.Load())
	}
	if chunked.filterCalls.Load() < 3 {
		t.Fatalf("expected several windows, got %d", chunked.filterCalls.Load())
	}
}

func TestOpenOffers_NetworkFailureIsNotAnEmptyList(t *testing.T) {
	c, _, s := setup(t, syncer.Config{})
	c.Register(t, employer, binding.RoleEmployer)
	c.Offer(t, employer, ether(1))

	for _, method := range []string{"eth_getLogs", "eth_call", "eth_blockNumber"} {
		t.Run(method, func(t *testing.T) {
			c.SetFault(func(m string) error {
				if m == method {
					return errors.New("connection reset by peer")
				}
				return nil
			})
			defer c.SetFault(nil)

			got, err := s.OpenOffers(context.Background())
			if err == nil {
				t.Fatalf("expected error, got %d offers", len(got))
			}
			if got != nil {
				t.Fatalf("failed read must not yield a list")
			}
			if k := apperr.KindOf(err); k != apperr.NetworkError {
				t.Fatalf("kind = %s, want NetworkError", k)
			}
		})
	}
}

func TestOpenOffers_MalformedLogIsShapeDrift(t *testing.T) {
	c, _, s := setup(t, syncer.Config{})
	b, _ := binding.New()
	topic, err := b.Topic(binding.EventWorkOffered)
	if err != nil {
		t.Fatal(err)
	}
	c.InjectLog(types.Log{Topics: []common.Hash{topic, common.BytesToHash(chaintest.Addr(1).Bytes())}})

	_, err = s.OpenOffers(context.Background())
	if k := apperr.KindOf(err); k != apperr.RemoteRejected {
		t.Fatalf("kind = %s (%v), want RemoteRejected", k, err)
	}
}

func TestOffersBy_FiltersUnscopedResponse(t *testing.T) {
	c, _, s := setup(t, syncer.Config{})
	c.Register(t, employer, binding.RoleEmployer)
	c.Register(t, other, binding.RoleEmployer)
	mine := c.Offer(t, employer, ether(1))
	c.Offer(t, other, ether(3))

	got, err := s.OffersBy(context.Background(), chaintest.Addr(1))
	if err != nil {
		t.Fatalf("OffersBy: %v", err)
	}
	if !sameHashes(ids(got), []common.Hash{mine}) {
		t.Fatalf("got %v, want only own offer", ids(got))
	}
}

func TestCandidates_KeepApplicationOrder(t *testing.T) {
	c, _, s := setup(t, syncer.Config{})
	c.Register(t, employer, binding.RoleEmployer)
	id := c.Offer(t, employer, ether(1))
	order := []int{4, 2, 3}
	for _, i := range order {
		c.Register(t, chaintest.Key(i), binding.RoleEmployee)
		c.Apply(t, chaintest.Key(i), id)
	}

	for run := 0; run < 2; run++ {
		got, err := s.Candidates(context.Background(), id)
		if err != nil {
			t.Fatalf("Candidates: %v", err)
		}
		if len(got) != len(order) {
			t.Fatalf("got %d candidates", len(got))
		}
		for j, i := range order {
			if got[j] != chaintest.Addr(i) {
				t.Fatalf("position %d = %s, want %s", j, got[j].Hex(), chaintest.Addr(i).Hex())
			}
		}
	}
}

func TestAgreements_VisibleToPartiesOnly(t *testing.T) {
	c, _, s := setup(t, syncer.Config{})
	c.Register(t, employer, binding.RoleEmployer)
	c.Register(t, applicant, binding.RoleEmployee)
	c.Register(t, middleman, binding.RoleMiddleman)
	offer := c.Offer(t, employer, ether(2))
	c.Apply(t, applicant, offer)
	aid := c.Recruit(t, employer, offer, 0)
	c.Send(t, employer, binding.MethodSuggestMiddleman, [32]byte(aid), chaintest.Addr(5))

	ctx := context.Background()
	for _, who := range []common.Address{chaintest.Addr(1), chaintest.Addr(2)} {
		got, err := s.Agreements(ctx, who)
		if err != nil {
			t.Fatalf("Agreements(%s): %v", who.Hex(), err)
		}
		if len(got) != 1 || got[0].ID != aid {
			t.Fatalf("Agreements(%s) = %+v", who.Hex(), got)
		}
		if got[0].Employee != chaintest.Addr(2) || got[0].EmployerValidated {
			t.Fatalf("unexpected agreement state %+v", got[0])
		}
	}
	none, err := s.Agreements(ctx, chaintest.Addr(9))
	if err != nil || len(none) != 0 {
		t.Fatalf("stranger sees %d agreements, err=%v", len(none), err)
	}

	asked, err := s.AskedMiddlemen(ctx, aid)
	if err != nil {
		t.Fatalf("AskedMiddlemen: %v", err)
	}
	if len(asked) != 1 || asked[0] != chaintest.Addr(5) {
		t.Fatalf("asked = %v", asked)
	}
	mid, err := s.Middleman(ctx, aid)
	if err != nil || mid != (common.Address{}) {
		t.Fatalf("middleman before acceptance = %s err=%v", mid.Hex(), err)
	}

	_, ok, err := s.Agreement(ctx, common.HexToHash("0xdead"))
	if err != nil || ok {
		t.Fatalf("unknown agreement: ok=%v err=%v", ok, err)
	}
}

// inflatedBackend answers every agreement read with the given invitation
// count and counts getAskedMiddleman calls.
type inflatedBackend struct {
	*chaintest.Contract
	b         *binding.Binding
	count     uint64
	askedRead atomic.Int32
}

func (i *inflatedBackend) CallContract(ctx context.Context, call ethereum.CallMsg, block *big.Int) ([]byte, error) {
	methods := i.b.ABI().Methods
	if m := methods[binding.MethodGetAgreement]; len(call.Data) >= 36 && bytes.Equal(call.Data[:4], m.ID) {
		return m.Outputs.Pack(binding.AgreementTuple(binding.Agreement{
			ID:                  common.BytesToHash(call.Data[4:36]),
			Employer:            chaintest.Addr(1),
			Employee:            chaintest.Addr(2),
			AmountForEmployee:   big.NewInt(1),
			AskedMiddlemanCount: i.count,
		}))
	}
	if m := methods[binding.MethodGetAskedMiddleman]; len(call.Data) >= 4 && bytes.Equal(call.Data[:4], m.ID) {
		i.askedRead.Add(1)
	}
	return i.Contract.CallContract(ctx, call, block)
}

func TestAskedMiddlemen_RejectsOversizedCount(t *testing.T) {
	b, err := binding.New()
	if err != nil {
		t.Fatalf("binding: %v", err)
	}
	c := chaintest.New(b)
	backend := &inflatedBackend{Contract: c, b: b, count: 1 << 62}
	s := syncer.New(b, backend, syncer.Config{Address: c.Address()})

	aid := common.HexToHash("0xa1")
	_, err = s.AskedMiddlemen(context.Background(), aid)
	if apperr.KindOf(err) != apperr.RemoteRejected {
		t.Fatalf("expected RemoteRejected, got %v", err)
	}
	if n := backend.askedRead.Load(); n != 0 {
		t.Fatalf("read %d invitations before rejecting the count", n)
	}

	backend.count = syncer.MaxAskedMiddlemen + 1
	if _, err := s.AskedMiddlemen(context.Background(), aid); apperr.KindOf(err) != apperr.RemoteRejected {
		t.Fatalf("count above the limit accepted: %v", err)
	}
}

func TestStats(t *testing.T) {
	c, _, s := setup(t, syncer.Config{})
	c.Register(t, employer, binding.RoleEmployer)
	c.Offer(t, employer, ether(1))
	c.Offer(t, employer, ether(2))

	st, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Balance.Cmp(ether(3)) != 0 {
		t.Fatalf("balance = %s", st.Balance)
	}
	if st.NumOfferedWorks.Int64() != 2 || st.OfferedWorkCount != 2 || st.NumAgreements.Sign() != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestCapabilities_FromAccountCreatedLog(t *testing.T) {
	c, _, s := setup(t, syncer.Config{})
	c.Register(t, employer, binding.RoleEmployer)
	c.Register(t, applicant, binding.RoleEmployee)

	ctx := context.Background()
	acct, ok, err := s.Capabilities(ctx, chaintest.Addr(1))
	if err != nil || !ok {
		t.Fatalf("Capabilities: ok=%v err=%v", ok, err)
	}
	if !acct.IsEmployer || acct.IsEmployee || acct.IsMiddleman {
		t.Fatalf("unexpected capabilities %+v", acct)
	}

	_, ok, err = s.Capabilities(ctx, chaintest.Addr(9))
	if err != nil || ok {
		t.Fatalf("unregistered account: ok=%v err=%v", ok, err)
	}
}

func TestRefresh_PublishesWholeView(t *testing.T) {
	c, _, s := setup(t, syncer.Config{})
	c.Register(t, employer, binding.RoleEmployer)
	c.Offer(t, employer, ether(1))

	var seen atomic.Int32
	unsubscribe := s.Subscribe(func(v *syncer.View) { seen.Add(1) })
	defer unsubscribe()

	if s.View() != nil {
		t.Fatalf("view before first refresh")
	}
	ctx := context.Background()
	v, err := s.Refresh(ctx, chaintest.Addr(1))
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if s.View() != v || len(v.OpenOffers) != 1 || len(v.MyOffers) != 1 || v.Block == 0 {
		t.Fatalf("unexpected view %+v", v)
	}

	// a failed refresh keeps the previous snapshot
	c.SetFault(func(string) error { return errors.New("connection refused") })
	if _, err := s.Refresh(ctx, chaintest.Addr(1)); err == nil {
		t.Fatalf("expected refresh error")
	}
	c.SetFault(nil)
	if s.View() != v {
		t.Fatalf("failed refresh replaced the view")
	}

	anon, err := s.Refresh(ctx, common.Address{})
	if err != nil {
		t.Fatalf("anonymous refresh: %v", err)
	}
	if len(anon.MyOffers) != 0 || len(anon.Agreements) != 0 {
		t.Fatalf("anonymous view has account data")
	}
	if seen.Load() != 2 {
		t.Fatalf("listener saw %d views, want 2", seen.Load())
	}

	s.Reset()
	if s.View() != nil {
		t.Fatalf("view survived reset")
	}
}

// heldBackend lets the first contract call after arm() complete against the
// chain and then parks it until release is closed.
type heldBackend struct {
	*chaintest.Contract
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (h *heldBackend) arm() {
	h.entered = make(chan struct{})
	h.release = make(chan struct{})
	h.armed.Store(true)
}

func (h *heldBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	out, err := h.Contract.CallContract(ctx, call, blockNumber)
	if h.armed.CompareAndSwap(true, false) {
		close(h.entered)
		<-h.release
	}
	return out, err
}

func TestRefresh_EarlierRefreshNeverOverwritesLater(t *testing.T) {
	b, err := binding.New()
	if err != nil {
		t.Fatalf("binding: %v", err)
	}
	c := chaintest.New(b)
	held := &heldBackend{Contract: c}
	s := syncer.New(b, held, syncer.Config{Address: c.Address()})

	c.Register(t, employer, binding.RoleEmployer)
	c.Register(t, applicant, binding.RoleEmployee)
	id := c.Offer(t, employer, ether(1))
	c.Apply(t, applicant, id)

	var last atomic.Pointer[syncer.View]
	unsubscribe := s.Subscribe(func(v *syncer.View) { last.Store(v) })
	defer unsubscribe()

	ctx := context.Background()
	who := chaintest.Addr(1)

	// the background refresh reads the offer while it is still open
	held.arm()
	type result struct {
		v   *syncer.View
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := s.Refresh(ctx, who)
		done <- result{v, err}
	}()
	<-held.entered

	// the write confirms and its own refresh publishes first
	c.Recruit(t, employer, id, 0)
	fresh, err := s.Refresh(ctx, who)
	if err != nil {
		t.Fatalf("post-write refresh: %v", err)
	}
	if len(fresh.OpenOffers) != 0 || len(fresh.Agreements) != 1 {
		t.Fatalf("post-write view %+v", fresh)
	}

	close(held.release)
	r := <-done
	if r.err != nil {
		t.Fatalf("held refresh: %v", r.err)
	}
	if len(r.v.OpenOffers) != 1 {
		t.Fatalf("held refresh should have read the open offer, got %+v", r.v.OpenOffers)
	}
	if s.View() != fresh || last.Load() != fresh {
		t.Fatalf("older refresh replaced the post-write view")
	}
}

func TestRefresh_ResetDiscardsRunningRefresh(t *testing.T) {
	b, err := binding.New()
	if err != nil {
		t.Fatalf("binding: %v", err)
	}
	c := chaintest.New(b)
	held := &heldBackend{Contract: c}
	s := syncer.New(b, held, syncer.Config{Address: c.Address()})
	c.Register(t, employer, binding.RoleEmployer)
	c.Offer(t, employer, ether(1))

	held.arm()
	done := make(chan error, 1)
	go func() {
		_, err := s.Refresh(context.Background(), common.Address{})
		done <- err
	}()
	<-held.entered
	s.Reset()
	close(held.release)
	if err := <-done; err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if s.View() != nil {
		t.Fatalf("refresh started before Reset was published")
	}
}

func TestRefresh_FollowDropsOtherAccounts(t *testing.T) {
	c, _, s := setup(t, syncer.Config{})
	c.Register(t, employer, binding.RoleEmployer)

	var session atomic.Value
	session.Store(chaintest.Addr(2))
	s.Follow(func() common.Address { return session.Load().(common.Address) })

	ctx := context.Background()
	v, err := s.Refresh(ctx, chaintest.Addr(1))
	if err != nil || v == nil {
		t.Fatalf("Refresh: %v %v", v, err)
	}
	if s.View() != nil {
		t.Fatalf("view of a previous account was published")
	}

	session.Store(chaintest.Addr(1))
	v, err = s.Refresh(ctx, chaintest.Addr(1))
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if s.View() != v {
		t.Fatalf("session account view not published")
	}
}
