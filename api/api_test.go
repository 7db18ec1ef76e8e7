package api_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/garnizeh/chainlance/api"
	dbfs "github.com/garnizeh/chainlance/db"
	"github.com/garnizeh/chainlance/internal/chaintest"
	"github.com/garnizeh/chainlance/internal/config"
	"github.com/garnizeh/chainlance/internal/dashboard"
	dbpkg "github.com/garnizeh/chainlance/internal/db"
	"github.com/garnizeh/chainlance/internal/jobs"
	"github.com/garnizeh/chainlance/internal/profile"
	sqlite "github.com/garnizeh/chainlance/internal/repository/sqlite"
	"github.com/garnizeh/chainlance/internal/syncer"
	"github.com/garnizeh/chainlance/internal/txn"
	"github.com/garnizeh/chainlance/pkg/binding"
	"github.com/garnizeh/chainlance/pkg/chain"
)

const testSecret = "testsecret"

type env struct {
	c       *chaintest.Contract
	wallet  *chain.LocalWallet
	dash    *dashboard.Service
	jobs    *jobs.Repository
	router  http.Handler
	decline atomic.Bool
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	e := &env{}

	b, err := binding.New()
	if err != nil {
		t.Fatalf("binding: %v", err)
	}
	e.c = chaintest.New(b)
	syn := syncer.New(b, e.c, syncer.Config{Address: e.c.Address()})

	e.wallet = chain.NewLocalWallet(e.c, chaintest.ChainID,
		[]*ecdsa.PrivateKey{chaintest.Key(1), chaintest.Key(2)},
		chain.WithApprover(func(_ context.Context, p chain.Prompt) error {
			if p.Kind == chain.PromptSign && e.decline.Load() {
				return errors.New("denied")
			}
			return nil
		}))
	mgr := chain.NewManager(e.c, e.wallet, chain.WithResolver(syn))
	if err := mgr.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })

	orch := txn.New(b, mgr, syn, txn.Config{
		Address:        e.c.Address(),
		PollInterval:   2 * time.Millisecond,
		ConfirmTimeout: time.Second,
	}, txn.WithRefresher(dashboard.NewRefresher(mgr, syn)))

	d, err := dbpkg.New(ctx, ":memory:", nil)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := dbpkg.Migrate(ctx, d, dbfs.Migrations, dbfs.SeedFiles); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	repo := sqlite.New(d, nil)
	loader, err := profile.NewLoader(ctx, repo)
	if err != nil {
		t.Fatalf("loader: %v", err)
	}
	profiles := profile.NewService(repo, loader, "", nil)

	e.dash = dashboard.New(mgr, syn, orch, profiles, dashboard.NewHub(nil), dashboard.Config{})
	t.Cleanup(func() { e.dash.Hub().Close() })

	e.jobs = jobs.NewRepository(d)
	pool := jobs.NewWorkerPool(e.jobs, nil, nil, 1)

	cfg := &config.Config{JWTSecret: testSecret, TokenDuration: time.Hour}
	e.router = api.SetupRoutes(cfg, "test", "now", api.Deps{
		Dashboard: e.dash,
		Schemas:   repo,
		Jobs:      e.jobs,
		Pool:      pool,
	})
	return e
}

func (e *env) call(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch v := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(v))
	default:
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func expect(t *testing.T, w *httptest.ResponseRecorder, status int) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d: %s", w.Code, status, w.Body.String())
	}
}

type errBody struct {
	Kind     string   `json:"kind"`
	Op       string   `json:"op"`
	Message  string   `json:"message"`
	Problems []string `json:"problems"`
}

func (e *env) connect(t *testing.T) string {
	t.Helper()
	w := e.call(t, http.MethodPost, "/v1/session/connect", "", nil)
	expect(t, w, http.StatusOK)
	resp := decode[struct {
		Token   string         `json:"token"`
		Address common.Address `json:"address"`
	}](t, w)
	if resp.Token == "" {
		t.Fatalf("connect issued no token")
	}
	return resp.Token
}

type receipt struct {
	Op     string `json:"op"`
	Events []struct {
		Name string          `json:"name"`
		Data json.RawMessage `json:"data"`
	} `json:"events"`
	RefreshError string `json:"refreshError"`
}

func eventData[T any](t *testing.T, r receipt, name string) T {
	t.Helper()
	for _, ev := range r.Events {
		if ev.Name == name {
			var out T
			if err := json.Unmarshal(ev.Data, &out); err != nil {
				t.Fatalf("event %s: %v", name, err)
			}
			return out
		}
	}
	t.Fatalf("no %s event in %+v", name, r)
	var zero T
	return zero
}

func TestSession_ConnectIssuesWalletBoundToken(t *testing.T) {
	e := newEnv(t)

	w := e.call(t, http.MethodGet, "/v1/session", "", nil)
	expect(t, w, http.StatusOK)
	if s := decode[struct{ Connected bool }](t, w); s.Connected {
		t.Fatalf("session connected before connect")
	}

	// writes need a token
	expect(t, e.call(t, http.MethodPost, "/v1/offers", "", map[string]string{"stake": "1"}), http.StatusUnauthorized)

	tok := e.connect(t)
	w = e.call(t, http.MethodGet, "/v1/session", "", nil)
	s := decode[struct {
		Connected bool
		Session   struct {
			Address    common.Address `json:"address"`
			Registered bool           `json:"registered"`
		}
	}](t, w)
	if !s.Connected || s.Session.Address != chaintest.Addr(1) || s.Session.Registered {
		t.Fatalf("unexpected session %+v", s)
	}

	// switching accounts in the wallet invalidates the token
	if err := e.wallet.SelectAccount(chaintest.Addr(2)); err != nil {
		t.Fatalf("SelectAccount: %v", err)
	}
	expect(t, e.call(t, http.MethodPost, "/v1/offers", tok, map[string]string{"stake": "1"}), http.StatusUnauthorized)

	tok2 := e.connect(t)
	expect(t, e.call(t, http.MethodPost, "/v1/session/disconnect", tok2, nil), http.StatusNoContent)
	expect(t, e.call(t, http.MethodPost, "/v1/session/disconnect", tok2, nil), http.StatusUnauthorized)
}

func TestFlow_RegisterOfferApplyRecruit(t *testing.T) {
	e := newEnv(t)
	tok := e.connect(t)

	w := e.call(t, http.MethodPost, "/v1/register", tok, map[string]string{"role": "Employer", "username": "alice"})
	expect(t, w, http.StatusCreated)
	reg := decode[struct {
		Receipt receipt `json:"receipt"`
		Profile struct {
			WalletAddress string `json:"walletAddress"`
			Role          string `json:"role"`
		} `json:"profile"`
	}](t, w)
	if reg.Receipt.Op != txn.OpCreateAccount || reg.Profile.Role != "Employer" {
		t.Fatalf("unexpected registration %+v", reg)
	}

	w = e.call(t, http.MethodPost, "/v1/offers", tok, map[string]string{"stake": "1.5"})
	expect(t, w, http.StatusOK)
	offered := eventData[struct{ OfferedWorkID common.Hash }](t, decode[receipt](t, w), binding.EventWorkOffered)
	id := offered.OfferedWorkID.Hex()

	w = e.call(t, http.MethodGet, "/v1/offers", "", nil)
	expect(t, w, http.StatusOK)
	offers := decode[[]dashboard.Offer](t, w)
	if len(offers) != 1 || offers[0].ID.Hex() != id || offers[0].Stake.Ether != "1.5" || offers[0].Stake.Wei != "1500000000000000000" {
		t.Fatalf("unexpected open offers %+v", offers)
	}
	w = e.call(t, http.MethodGet, "/v1/offers/mine", "", nil)
	expect(t, w, http.StatusOK)
	if mine := decode[[]dashboard.Offer](t, w); len(mine) != 1 {
		t.Fatalf("my offers = %+v", mine)
	}
	expect(t, e.call(t, http.MethodGet, "/v1/offers/"+id, "", nil), http.StatusOK)

	// the confirmed offer is recorded in the profile
	w = e.call(t, http.MethodGet, "/v1/profiles/"+chaintest.Addr(1).Hex(), "", nil)
	expect(t, w, http.StatusOK)
	if p := decode[struct{ PostedJobs []string }](t, w); len(p.PostedJobs) != 1 || p.PostedJobs[0] != id {
		t.Fatalf("posted jobs = %v", p.PostedJobs)
	}

	// another party applies directly on chain
	e.c.Register(t, chaintest.Key(3), binding.RoleEmployee)
	e.c.Apply(t, chaintest.Key(3), offered.OfferedWorkID)

	w = e.call(t, http.MethodGet, "/v1/offers/"+id+"/candidates", "", nil)
	expect(t, w, http.StatusOK)
	cands := decode[[]struct {
		Index   int
		Address common.Address
	}](t, w)
	if len(cands) != 1 || cands[0].Index != 0 || cands[0].Address != chaintest.Addr(3) {
		t.Fatalf("candidates = %+v", cands)
	}

	expect(t, e.call(t, http.MethodPost, "/v1/offers/"+id+"/recruit", tok, map[string]any{}), http.StatusBadRequest)
	w = e.call(t, http.MethodPost, "/v1/offers/"+id+"/recruit", tok, map[string]any{"candidate": 0})
	expect(t, w, http.StatusOK)
	recruited := eventData[struct{ AgreementID common.Hash }](t, decode[receipt](t, w), binding.EventRecruitedEmployee)
	aid := recruited.AgreementID.Hex()

	w = e.call(t, http.MethodGet, "/v1/offers", "", nil)
	if open := decode[[]dashboard.Offer](t, w); len(open) != 0 {
		t.Fatalf("recruited offer still open: %+v", open)
	}
	w = e.call(t, http.MethodGet, "/v1/agreements", "", nil)
	expect(t, w, http.StatusOK)
	if as := decode[[]dashboard.Agreement](t, w); len(as) != 1 || as[0].ID.Hex() != aid || as[0].Employee != chaintest.Addr(3) {
		t.Fatalf("agreements = %+v", as)
	}
	w = e.call(t, http.MethodGet, "/v1/agreements/"+aid, "", nil)
	expect(t, w, http.StatusOK)
	if a := decode[dashboard.Agreement](t, w); a.Middleman != nil || a.Amount.Ether != "1.5" {
		t.Fatalf("agreement = %+v", a)
	}
	w = e.call(t, http.MethodGet, "/v1/agreements/"+aid+"/middleman", "", nil)
	expect(t, w, http.StatusOK)
	if !strings.Contains(w.Body.String(), `"middleman":null`) {
		t.Fatalf("middleman = %s", w.Body.String())
	}

	w = e.call(t, http.MethodGet, "/v1/capabilities/"+chaintest.Addr(1).Hex(), "", nil)
	expect(t, w, http.StatusOK)
	caps := decode[struct {
		Registered   bool
		Capabilities binding.Account
	}](t, w)
	if !caps.Registered || !caps.Capabilities.IsEmployer || caps.Capabilities.IsEmployee {
		t.Fatalf("capabilities = %+v", caps)
	}
}

func TestErrors_MapToStatus(t *testing.T) {
	e := newEnv(t)
	tok := e.connect(t)

	// bad stakes never reach the wallet
	w := e.call(t, http.MethodPost, "/v1/offers", tok, map[string]string{"stake": "-1"})
	expect(t, w, http.StatusConflict)
	if b := decode[errBody](t, w); b.Kind != "PreconditionFailed" || b.Op != txn.OpOfferWork {
		t.Fatalf("unexpected body %+v", b)
	}

	w = e.call(t, http.MethodPost, "/v1/agreements/0x01/done", tok, nil)
	expect(t, w, http.StatusBadRequest)

	missing := common.HexToHash("0x42").Hex()
	expect(t, e.call(t, http.MethodGet, "/v1/offers/"+missing, "", nil), http.StatusNotFound)
	expect(t, e.call(t, http.MethodPost, "/v1/agreements/"+missing+"/done", tok, nil), http.StatusConflict)

	w = e.call(t, http.MethodPost, "/v1/agreements/"+missing+"/dispute/resolve", tok,
		map[string]uint64{"employeePercent": 60, "employerPercent": 30})
	expect(t, w, http.StatusConflict)
	if b := decode[errBody](t, w); !strings.Contains(b.Message, "100") {
		t.Fatalf("unexpected message %q", b.Message)
	}

	expect(t, e.call(t, http.MethodPost, "/v1/offers", tok, `{"stake":`), http.StatusBadRequest)
	expect(t, e.call(t, http.MethodPost, "/v1/offers", tok, `{"amount":"1"}`), http.StatusBadRequest)

	// the contract refuses what local checks cannot know
	w = e.call(t, http.MethodPost, "/v1/offers", tok, map[string]string{"stake": "1"})
	expect(t, w, http.StatusUnprocessableEntity)
	if b := decode[errBody](t, w); b.Kind != "RemoteRejected" || !strings.Contains(b.Message, "not an employer") {
		t.Fatalf("unexpected body %+v", b)
	}

	// a declined signature is the user's answer, not a failure of ours
	e.c.Register(t, chaintest.Key(1), binding.RoleEmployer)
	e.decline.Store(true)
	w = e.call(t, http.MethodPost, "/v1/offers", tok, map[string]string{"stake": "1"})
	expect(t, w, http.StatusForbidden)
	if b := decode[errBody](t, w); b.Kind != "UserRejected" {
		t.Fatalf("unexpected body %+v", b)
	}
	e.decline.Store(false)

	// invalid profile is refused with the schema problems
	w = e.call(t, http.MethodPut, "/v1/profile", tok, map[string]string{"role": "Admin"})
	expect(t, w, http.StatusBadRequest)
	if b := decode[errBody](t, w); b.Kind != api.KindValidationFailed || len(b.Problems) == 0 {
		t.Fatalf("unexpected body %+v", b)
	}
}

func TestProfiles_WritesTouchOnlyTheCaller(t *testing.T) {
	e := newEnv(t)
	tok := e.connect(t)
	me := chaintest.Addr(1).Hex()

	expect(t, e.call(t, http.MethodPatch, "/v1/profile", tok, map[string]string{"username": "x"}), http.StatusNotFound)

	// the wallet in the body is ignored in favour of the token's
	w := e.call(t, http.MethodPut, "/v1/profile", tok, map[string]string{"walletAddress": chaintest.Addr(2).Hex(), "username": "alice"})
	expect(t, w, http.StatusOK)
	if p := decode[struct{ WalletAddress string }](t, w); !strings.EqualFold(p.WalletAddress, me) {
		t.Fatalf("profile saved under %s", p.WalletAddress)
	}
	expect(t, e.call(t, http.MethodGet, "/v1/profiles/"+chaintest.Addr(2).Hex(), "", nil), http.StatusNotFound)

	w = e.call(t, http.MethodPatch, "/v1/profile", tok, map[string]string{"photoUrl": "https://example.com/a.png"})
	expect(t, w, http.StatusOK)

	job := common.HexToHash("0x1234").Hex()
	expect(t, e.call(t, http.MethodPost, "/v1/profile/lists/favourites", tok, map[string]string{"item": job}), http.StatusBadRequest)
	expect(t, e.call(t, http.MethodPost, "/v1/profile/lists/appliedJobs", tok, map[string]string{"item": "nope"}), http.StatusBadRequest)
	w = e.call(t, http.MethodPost, "/v1/profile/lists/appliedJobs", tok, map[string]string{"item": job})
	expect(t, w, http.StatusOK)

	w = e.call(t, http.MethodGet, "/v1/profiles/"+strings.ToLower(me), "", nil)
	expect(t, w, http.StatusOK)
	p := decode[struct {
		Username    string
		PhotoURL    string `json:"photoUrl"`
		AppliedJobs []string
	}](t, w)
	if p.Username != "alice" || p.PhotoURL != "https://example.com/a.png" || len(p.AppliedJobs) != 1 {
		t.Fatalf("unexpected profile %+v", p)
	}

	w = e.call(t, http.MethodGet, "/v1/profiles", "", nil)
	if all := decode[[]json.RawMessage](t, w); len(all) != 1 {
		t.Fatalf("profiles = %d", len(all))
	}

	expect(t, e.call(t, http.MethodDelete, "/v1/profile", tok, nil), http.StatusNoContent)
	expect(t, e.call(t, http.MethodGet, "/v1/profiles/"+me, "", nil), http.StatusNotFound)
}

func TestSchemas_ReloadOnChange(t *testing.T) {
	e := newEnv(t)
	tok := e.connect(t)

	w := e.call(t, http.MethodGet, "/v1/schemas", "", nil)
	expect(t, w, http.StatusOK)
	if s := decode[[]json.RawMessage](t, w); len(s) != 1 {
		t.Fatalf("schemas = %d", len(s))
	}

	expect(t, e.call(t, http.MethodPost, "/v1/schemas", tok, map[string]any{"schema_json": map[string]any{}}), http.StatusBadRequest)
	expect(t, e.call(t, http.MethodPost, "/v1/schemas", tok, map[string]any{
		"version":     "v2",
		"description": "names required",
		"schema_json": map[string]any{"type": "object"},
	}), http.StatusNoContent)

	if _, ok := e.dash.Profiles().Loader().GetSchema("v2"); !ok {
		t.Fatalf("stored schema not loaded")
	}
	expect(t, e.call(t, http.MethodGet, "/v1/schemas/v2", "", nil), http.StatusOK)

	expect(t, e.call(t, http.MethodDelete, "/v1/schemas/v1", tok, nil), http.StatusConflict)
	expect(t, e.call(t, http.MethodDelete, "/v1/schemas/v2", tok, nil), http.StatusNoContent)
	if _, ok := e.dash.Profiles().Loader().GetSchema("v2"); ok {
		t.Fatalf("deleted schema still loaded")
	}
	expect(t, e.call(t, http.MethodGet, "/v1/schemas/v2", "", nil), http.StatusNotFound)
}

func TestJobs_RefreshIsCoalesced(t *testing.T) {
	e := newEnv(t)
	tok := e.connect(t)

	w := e.call(t, http.MethodPost, "/v1/jobs/refresh", tok, nil)
	expect(t, w, http.StatusAccepted)
	if r := decode[struct{ Coalesced bool }](t, w); r.Coalesced {
		t.Fatalf("first refresh coalesced")
	}
	w = e.call(t, http.MethodPost, "/v1/jobs/refresh", tok, nil)
	if r := decode[struct{ Coalesced bool }](t, w); !r.Coalesced {
		t.Fatalf("second refresh not coalesced")
	}

	w = e.call(t, http.MethodGet, "/v1/jobs/dead?limit=5", tok, nil)
	expect(t, w, http.StatusOK)
	if dl := decode[[]jobs.DeadLetter](t, w); len(dl) != 0 {
		t.Fatalf("dead letters = %+v", dl)
	}
	expect(t, e.call(t, http.MethodGet, "/v1/jobs/dead?limit=x", tok, nil), http.StatusBadRequest)
}

func TestViewAndStats(t *testing.T) {
	e := newEnv(t)
	e.c.Register(t, chaintest.Key(3), binding.RoleEmployer)
	e.c.Offer(t, chaintest.Key(3), big.NewInt(7))

	w := e.call(t, http.MethodGet, "/v1/view", "", nil)
	expect(t, w, http.StatusOK)
	v := decode[dashboard.View](t, w)
	if len(v.OpenOffers) != 1 || v.OpenOffers[0].Stake.Wei != "7" || v.Stats.OfferedWorkCount != 1 {
		t.Fatalf("unexpected view %+v", v)
	}

	w = e.call(t, http.MethodGet, "/v1/stats", "", nil)
	expect(t, w, http.StatusOK)
	if st := decode[dashboard.Stats](t, w); st.NumOfferedWorks != "1" || st.Balance.Wei != "7" {
		t.Fatalf("unexpected stats %+v", st)
	}

	// reads are scoped to the session or an explicit account
	expect(t, e.call(t, http.MethodGet, "/v1/agreements", "", nil), http.StatusServiceUnavailable)
	expect(t, e.call(t, http.MethodGet, "/v1/agreements?account=nope", "", nil), http.StatusBadRequest)
	expect(t, e.call(t, http.MethodGet, "/v1/offers/mine?employer="+chaintest.Addr(3).Hex(), "", nil), http.StatusOK)

	w = e.call(t, http.MethodGet, "/health", "", nil)
	expect(t, w, http.StatusOK)
	w = e.call(t, http.MethodGet, "/metrics", "", nil)
	expect(t, w, http.StatusOK)
	if !strings.Contains(w.Body.String(), `chainlance_http_requests_total{method="GET",route="/v1/stats",status="200"}`) {
		t.Fatalf("route metrics missing")
	}
}

func TestFeed_UpgradesBehindMiddleware(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.dash.Start(ctx)
	defer e.dash.Stop()

	srv := httptest.NewServer(e.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	type frame struct {
		Type string `json:"type"`
		Data struct {
			Address common.Address `json:"address"`
		} `json:"data"`
	}
	next := func() frame {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read: %v", err)
		}
		return f
	}
	if f := next(); f.Type != dashboard.MsgSession {
		t.Fatalf("first frame = %q, want %q", f.Type, dashboard.MsgSession)
	}

	e.connect(t)
	for {
		f := next()
		if f.Type == dashboard.MsgSession && f.Data.Address == chaintest.Addr(1) {
			return
		}
	}
}
