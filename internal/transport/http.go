// Package transport provides HTTP API handlers.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Consensys/defi-fuzzing-toolbox/pkg/toolbox"
	"github.com/Consensys/defi-fuzzing-toolbox/pkg/types"
)

// Input validation constants
const (
	maxBodyBytes   = 1 << 16
	maxHistoryPage = 100
	defaultPage    = 50
	maxAmountBits  = 256
	requestTimeout = 5 * time.Minute // deployments wait for receipts
)

// validateCreatePoolRequest validates the create pool request parameters.
func validateCreatePoolRequest(req *types.CreatePoolRequest) error {
	if req.TokenA == "" || req.TokenB == "" {
		return fmt.Errorf("tokenA and tokenB are required")
	}
	for _, tok := range []string{req.TokenA, req.TokenB} {
		if common.IsHexAddress(tok) {
			continue
		}
		if _, err := types.ParseContractName(tok); err != nil {
			return fmt.Errorf("token %q is neither an address nor a contract name", tok)
		}
	}
	if strings.EqualFold(req.TokenA, req.TokenB) {
		return fmt.Errorf("tokenA and tokenB must differ")
	}
	if req.Sender != "" && !common.IsHexAddress(req.Sender) {
		return fmt.Errorf("invalid sender: %s", req.Sender)
	}
	return nil
}

// validateGiveWethRequest validates the wrap-and-transfer request parameters.
func validateGiveWethRequest(req *types.GiveWethRequest) error {
	if !common.IsHexAddress(req.Receiver) {
		return fmt.Errorf("invalid receiver: %q", req.Receiver)
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		return fmt.Errorf("amount must be a decimal integer in wei, got %q", req.Amount)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("amount must be positive, got %s", req.Amount)
	}
	if amount.BitLen() > maxAmountBits {
		return fmt.Errorf("amount exceeds uint256")
	}
	if req.Sender != "" && !common.IsHexAddress(req.Sender) {
		return fmt.Errorf("invalid sender: %s", req.Sender)
	}
	return nil
}

// ToolboxAPI defines the toolbox operations the handlers need.
type ToolboxAPI interface {
	ChainInfo(ctx context.Context) (types.ChainInfo, error)
	Deployed() []types.ContractInfo
	Pools() []types.PoolInfo
	DeployByName(ctx context.Context, name, sender string) (types.ContractInfo, error)
	CreatePool(ctx context.Context, req types.CreatePoolRequest) (types.PoolInfo, error)
	FundWeth(ctx context.Context, req types.GiveWethRequest) error
	History(ctx context.Context, limit, offset int) (*types.PaginatedDeployments, error)
}

// HealthChecker defines the interface for health checking.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Server handles HTTP requests for the fixture toolbox.
type Server struct {
	api       ToolboxAPI
	health    HealthChecker
	hub       *Hub
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	startTime time.Time

	// CORS configuration
	corsAllowedOrigins []string // Parsed list of allowed origins
	corsAllowAll       bool     // True if "*" or empty (allow all origins)
}

// NewServer creates a new HTTP server. hub may be nil to disable the event
// feed; gatherer nil serves the default registry.
func NewServer(api ToolboxAPI, health HealthChecker, hub *Hub, gatherer prometheus.Gatherer, logger *slog.Logger, corsAllowedOrigins string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		api:       api,
		health:    health,
		hub:       hub,
		gatherer:  gatherer,
		logger:    logger,
		startTime: time.Now(),
	}

	// Parse CORS allowed origins
	origins := strings.TrimSpace(corsAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		s.corsAllowedOrigins = strings.Split(origins, ",")
		for i, o := range s.corsAllowedOrigins {
			s.corsAllowedOrigins[i] = strings.TrimSpace(o)
		}
	}

	return s
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/chain", s.corsMiddleware(s.handleChain))
	mux.HandleFunc("GET /v1/contracts", s.corsMiddleware(s.handleContracts))
	mux.HandleFunc("GET /v1/contracts/{name}", s.corsMiddleware(s.handleContract))
	mux.HandleFunc("POST /v1/contracts/{name}", s.corsMiddleware(s.handleDeploy))
	mux.HandleFunc("GET /v1/pools", s.corsMiddleware(s.handlePools))
	mux.HandleFunc("POST /v1/pools", s.corsMiddleware(s.handleCreatePool))
	mux.HandleFunc("POST /v1/weth", s.corsMiddleware(s.handleGiveWeth))
	mux.HandleFunc("GET /v1/deployments", s.corsMiddleware(s.handleDeployments))
	mux.HandleFunc("OPTIONS /v1/", s.corsMiddleware(func(http.ResponseWriter, *http.Request) {}))
	if s.hub != nil {
		mux.HandleFunc("GET /v1/ws", s.hub.Handler())
	}

	// Health endpoints (unversioned - standard Kubernetes probes)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	// Prometheus metrics (unversioned - standard path)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			// Check if the origin is in the allowed list
			allowed := false
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					allowed = true
					break
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// handleChain returns the chain id and the accounts.
func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	info, err := s.api.ChainInfo(r.Context())
	if err != nil {
		s.writeToolboxError(w, "Failed to get chain info", err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// handleContracts lists the contracts deployed so far.
func (s *Server) handleContracts(w http.ResponseWriter, r *http.Request) {
	contracts := s.api.Deployed()
	if contracts == nil {
		contracts = []types.ContractInfo{}
	}
	s.writeJSON(w, http.StatusOK, contracts)
}

// handleContract returns a deployed contract without deploying it.
func (s *Server) handleContract(w http.ResponseWriter, r *http.Request) {
	name, err := types.ParseContractName(r.PathValue("name"))
	if err != nil {
		s.writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, c := range s.api.Deployed() {
		if c.Name == name {
			s.writeJSON(w, http.StatusOK, c)
			return
		}
	}
	s.writeJSONError(w, fmt.Sprintf("%s is not deployed", name), http.StatusNotFound)
}

// handleDeploy deploys a contract on first request and returns it.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := types.ParseContractName(name); err != nil {
		s.writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var body struct {
		Sender string `json:"sender,omitempty"`
	}
	if r.ContentLength != 0 {
		if err := s.decode(w, r, &body); err != nil && !errors.Is(err, errEmptyBody) {
			s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if body.Sender != "" && !common.IsHexAddress(body.Sender) {
		s.writeJSONError(w, "Validation error: invalid sender: "+body.Sender, http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	info, err := s.api.DeployByName(ctx, name, body.Sender)
	if err != nil {
		s.logger.Error("Failed to deploy contract",
			slog.String("contract", name),
			slog.String("error", err.Error()),
		)
		s.writeToolboxError(w, "Failed to deploy "+name, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

// handlePools lists the pools created so far.
func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	pools := s.api.Pools()
	if pools == nil {
		pools = []types.PoolInfo{}
	}
	s.writeJSON(w, http.StatusOK, pools)
}

// handleCreatePool creates (or returns) the pool for a token pair.
func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var req types.CreatePoolRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := validateCreatePoolRequest(&req); err != nil {
		s.writeJSONError(w, "Validation error: "+err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	pool, err := s.api.CreatePool(ctx, req)
	if err != nil {
		s.logger.Error("Failed to create pool", slog.String("error", err.Error()))
		s.writeToolboxError(w, "Failed to create pool", err)
		return
	}
	s.writeJSON(w, http.StatusOK, pool)
}

// handleGiveWeth wraps ether and sends the wrapped tokens to a receiver.
func (s *Server) handleGiveWeth(w http.ResponseWriter, r *http.Request) {
	var req types.GiveWethRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := validateGiveWethRequest(&req); err != nil {
		s.writeJSONError(w, "Validation error: "+err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := s.api.FundWeth(ctx, req); err != nil {
		s.logger.Error("Failed to fund weth", slog.String("error", err.Error()))
		s.writeToolboxError(w, "Failed to fund weth", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "funded"})
}

// handleDeployments returns journaled deployments with optional pagination.
func (s *Server) handleDeployments(w http.ResponseWriter, r *http.Request) {
	limit := defaultPage
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= maxHistoryPage {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	result, err := s.api.History(r.Context(), limit, offset)
	if err != nil {
		s.writeToolboxError(w, "Failed to get deployments", err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

var errEmptyBody = errors.New("empty body")

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, map[string]string{"error": message})
}

func (s *Server) writeToolboxError(w http.ResponseWriter, prefix string, err error) {
	s.writeJSONError(w, prefix+": "+err.Error(), statusFor(err))
}

// statusFor maps toolbox error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, toolbox.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, toolbox.ErrNoJournal):
		return http.StatusNotFound
	case errors.Is(err, toolbox.ErrNoSigner),
		errors.Is(err, toolbox.ErrNoAccountsAvailable),
		errors.Is(err, toolbox.ErrDeploymentReverted),
		errors.Is(err, toolbox.ErrTransactionReverted),
		errors.Is(err, toolbox.ErrPoolCreationEventMissing):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, toolbox.ErrNodeUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok", "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleReady handles readiness probes.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := []ReadinessCheck{}
	allHealthy := true

	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		start := time.Now()
		err := s.health.Ping(ctx)
		check := ReadinessCheck{
			Name:      "node-rpc",
			LatencyMs: time.Since(start).Milliseconds(),
			Status:    "ok",
		}
		if err != nil {
			check.Status = "failed"
			check.Error = err.Error()
			allHealthy = false
		}
		checks = append(checks, check)
	}

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]interface{}{
		"ready":  allHealthy,
		"checks": checks,
	})
}
