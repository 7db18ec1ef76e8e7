package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/garnizeh/chainlance/internal/config"
	"github.com/garnizeh/chainlance/internal/dashboard"
	"github.com/garnizeh/chainlance/internal/jobs"
	"github.com/garnizeh/chainlance/pkg/repository"
)

// Deps are the services the routes are served from. Jobs and Pool may be
// nil when the background queue is disabled.
type Deps struct {
	Dashboard *dashboard.Service
	Schemas   repository.SchemaRepo
	Jobs      *jobs.Repository
	Pool      *jobs.WorkerPool
	Checks    map[string]HealthChecker
}

func SetupRoutes(cfg *config.Config, version, buildTime string, deps Deps) *mux.Router {
	r := mux.NewRouter()

	// Middleware chain
	r.Use(LoggingMiddleware)
	r.Use(MetricsMiddleware)
	r.Use(CORSMiddleware)
	r.Use(RecoveryMiddleware)

	dash := deps.Dashboard
	profiles := dash.Profiles()

	// Create handlers
	systemHandler := &SystemHandler{Checks: deps.Checks}
	sessionHandler := NewSessionHandler(dash, cfg.JWTSecret, cfg.TokenDuration)
	chainHandler := NewChainHandler(dash)
	txnHandler := NewTxnHandler(dash)
	profileHandler := NewProfileHandler(profiles)
	schemaHandler := NewSchemaHandler(deps.Schemas, profiles.Loader(), profiles.Version())

	// tokens are only honoured while their wallet is the session account
	auth := JWTAuthMiddlewareWithSecret(cfg.JWTSecret, dash.Session)
	authed := func(h http.HandlerFunc) http.Handler { return auth(h) }

	// Open endpoints
	r.HandleFunc("/version", systemHandler.VersionHandler(version, buildTime)).Methods("GET")
	r.HandleFunc("/health", systemHandler.HealthHandler).Methods("GET")
	r.HandleFunc("/ready", systemHandler.ReadyHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	apiV1 := r.PathPrefix("/v1").Subrouter()

	// Session endpoints
	apiV1.HandleFunc("/session", sessionHandler.Current).Methods("GET")
	apiV1.HandleFunc("/session/connect", sessionHandler.Connect).Methods("POST")
	apiV1.Handle("/session/disconnect", authed(sessionHandler.Disconnect)).Methods("POST")

	// Live feed
	apiV1.Handle("/ws", dash.Hub()).Methods("GET")

	// Synchronized state, readable without a wallet
	apiV1.HandleFunc("/view", chainHandler.View).Methods("GET")
	apiV1.HandleFunc("/view/refresh", chainHandler.RefreshView).Methods("POST")
	apiV1.HandleFunc("/stats", chainHandler.Stats).Methods("GET")
	apiV1.HandleFunc("/capabilities/{address}", chainHandler.Capabilities).Methods("GET")
	apiV1.HandleFunc("/offers", chainHandler.OpenOffers).Methods("GET")
	apiV1.HandleFunc("/offers/mine", chainHandler.MyOffers).Methods("GET")
	apiV1.HandleFunc("/offers/{id}", chainHandler.Offer).Methods("GET")
	apiV1.HandleFunc("/offers/{id}/candidates", chainHandler.Candidates).Methods("GET")
	apiV1.HandleFunc("/agreements", chainHandler.Agreements).Methods("GET")
	apiV1.HandleFunc("/agreements/{id}", chainHandler.Agreement).Methods("GET")
	apiV1.HandleFunc("/agreements/{id}/middlemen", chainHandler.AskedMiddlemen).Methods("GET")
	apiV1.HandleFunc("/agreements/{id}/middleman", chainHandler.Middleman).Methods("GET")

	// Contract operations
	apiV1.Handle("/register", authed(txnHandler.Register)).Methods("POST")
	apiV1.Handle("/offers", authed(txnHandler.OfferWork)).Methods("POST")
	apiV1.Handle("/offers/{id}", authed(txnHandler.DeleteWork())).Methods("DELETE")
	apiV1.Handle("/offers/{id}/apply", authed(txnHandler.ApplyToWork())).Methods("POST")
	apiV1.Handle("/offers/{id}/recruit", authed(txnHandler.RecruitEmployee)).Methods("POST")
	apiV1.Handle("/agreements/{id}/done", authed(txnHandler.SetEmployeeDone())).Methods("POST")
	apiV1.Handle("/agreements/{id}/validate", authed(txnHandler.SetEmployerValidate())).Methods("POST")
	apiV1.Handle("/agreements/{id}/middlemen", authed(txnHandler.SuggestMiddleman)).Methods("POST")
	apiV1.Handle("/agreements/{id}/middlemen/accept", authed(txnHandler.AcceptMiddleman)).Methods("POST")
	apiV1.Handle("/agreements/{id}/dispute", authed(txnHandler.RaiseDispute())).Methods("POST")
	apiV1.Handle("/agreements/{id}/dispute/resolve", authed(txnHandler.ResolveDispute)).Methods("POST")

	// Profiles
	apiV1.HandleFunc("/profiles", profileHandler.ListProfiles).Methods("GET")
	apiV1.HandleFunc("/profiles/{wallet}", profileHandler.GetProfile).Methods("GET")
	apiV1.Handle("/profile", authed(profileHandler.PutProfile)).Methods("PUT")
	apiV1.Handle("/profile", authed(profileHandler.PatchProfile)).Methods("PATCH")
	apiV1.Handle("/profile", authed(profileHandler.DeleteProfile)).Methods("DELETE")
	apiV1.Handle("/profile/lists/{list}", authed(profileHandler.AppendToList)).Methods("POST")

	// Profile schemas
	apiV1.HandleFunc("/schemas", schemaHandler.ListSchemasHandler).Methods("GET")
	apiV1.HandleFunc("/schemas/{version}", schemaHandler.GetSchemaHandler).Methods("GET")
	apiV1.Handle("/schemas", authed(schemaHandler.CreateOrUpdateSchemaHandler)).Methods("POST")
	apiV1.Handle("/schemas/{version}", authed(schemaHandler.DeleteSchemaHandler)).Methods("DELETE")

	// Background queue
	if deps.Jobs != nil && deps.Pool != nil {
		jobsHandler := NewJobsHandler(deps.Jobs, deps.Pool, 0)
		apiV1.Handle("/jobs/dead", authed(jobsHandler.DeadLetters)).Methods("GET")
		apiV1.Handle("/jobs/refresh", authed(jobsHandler.EnqueueRefresh)).Methods("POST")
	}

	return r
}
