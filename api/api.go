// Package api exposes proof generation, handle redemption and vote status
// over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/vocdoni/zkvote-node/config"
	"github.com/vocdoni/zkvote-node/eligibility"
	"github.com/vocdoni/zkvote-node/log"
	"github.com/vocdoni/zkvote-node/prover"
	"github.com/vocdoni/zkvote-node/storage"
	"github.com/vocdoni/zkvote-node/submission"
	"github.com/vocdoni/zkvote-node/web3"
)

const (
	maxRequestBodyLog = 512 // Maximum length of request body to log

	// DefaultRequestTimeout bounds a request, proof generation included.
	DefaultRequestTimeout = 2 * time.Minute
)

// APIConfig type represents the configuration for the API HTTP server.
type APIConfig struct {
	Host           string
	Port           int
	Network        string        // web3 network shortname
	RequestTimeout time.Duration // zero means DefaultRequestTimeout

	Storage     *storage.Storage
	Prover      *prover.Service
	Eligibility *eligibility.Checker
	Submissions *submission.Client
	Contracts   *web3.Contracts
}

// API type represents the API HTTP server.
type API struct {
	router      *chi.Mux
	server      *http.Server
	network     string
	storage     *storage.Storage
	prover      *prover.Service
	eligibility *eligibility.Checker
	submissions *submission.Client
	contracts   *web3.Contracts
}

// New creates a new API instance with the given configuration and starts
// the HTTP server. The server is shut down when ctx is done.
func New(ctx context.Context, conf *APIConfig) (*API, error) {
	a, err := newAPI(conf)
	if err != nil {
		return nil, err
	}
	addr := fmt.Sprintf("%s:%d", conf.Host, conf.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	a.server = &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infow("starting API server", "host", conf.Host, "port", conf.Port)
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("failed to start the API server: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			log.Warnw("failed to shut down the API server", "error", err)
		}
	}()
	return a, nil
}

func newAPI(conf *APIConfig) (*API, error) {
	if conf == nil {
		return nil, fmt.Errorf("missing API configuration")
	}
	switch {
	case conf.Storage == nil:
		return nil, fmt.Errorf("missing storage instance")
	case conf.Prover == nil:
		return nil, fmt.Errorf("missing prover service")
	case conf.Eligibility == nil:
		return nil, fmt.Errorf("missing eligibility checker")
	case conf.Submissions == nil:
		return nil, fmt.Errorf("missing submission client")
	case conf.Contracts == nil:
		return nil, fmt.Errorf("missing ZkVoting contract")
	}
	if _, ok := config.DefaultConfig[conf.Network]; !ok {
		return nil, fmt.Errorf("unknown network %q", conf.Network)
	}
	a := &API{
		network:     conf.Network,
		storage:     conf.Storage,
		prover:      conf.Prover,
		eligibility: conf.Eligibility,
		submissions: conf.Submissions,
		contracts:   conf.Contracts,
	}
	timeout := conf.RequestTimeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}
	a.initRouter(timeout)
	return a, nil
}

// Router returns the chi router for testing purposes
func (a *API) Router() *chi.Mux {
	return a.router
}

// registerHandlers registers all the HTTP handlers for the API endpoints.
func (a *API) registerHandlers() {
	log.Infow("register handler", "endpoint", PingEndpoint, "method", "GET")
	a.router.Get(PingEndpoint, func(w http.ResponseWriter, r *http.Request) {
		httpWriteOK(w)
	})
	log.Infow("register handler", "endpoint", InfoEndpoint, "method", "GET")
	a.router.Get(InfoEndpoint, a.info)
	// proof endpoints
	log.Infow("register handler", "endpoint", ProofsEndpoint, "method", "POST")
	a.router.Post(ProofsEndpoint, a.generateProof)
	log.Infow("register handler", "endpoint", GenerateProofEndpoint, "method", "POST")
	a.router.Post(GenerateProofEndpoint, a.generateProof)
	log.Infow("register handler", "endpoint", ProofEndpoint, "method", "GET")
	a.router.Get(ProofEndpoint, a.proof)
	log.Infow("register handler", "endpoint", ProofCalldataEndpoint, "method", "POST")
	a.router.Post(ProofCalldataEndpoint, a.proofCalldata)
	// voter endpoints
	log.Infow("register handler", "endpoint", VoterEndpoint, "method", "GET")
	a.router.Get(VoterEndpoint, a.voterStatus)
	// vote transaction endpoints
	log.Infow("register handler", "endpoint", VotesEndpoint, "method", "POST")
	a.router.Post(VotesEndpoint, a.trackVote)
	log.Infow("register handler", "endpoint", VoteEndpoint, "method", "GET")
	a.router.Get(VoteEndpoint, a.voteStatus)
}

// initRouter creates the router with all the routes and middleware.
func (a *API) initRouter(timeout time.Duration) {
	a.router = chi.NewRouter()
	a.router.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)
	a.router.Use(middleware.RequestID)
	a.router.Use(loggingMiddleware(maxRequestBodyLog))
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Throttle(100))
	a.router.Use(middleware.Timeout(timeout))

	a.registerHandlers()
}
