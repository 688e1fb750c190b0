// Package api exposes the claim lifecycle over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"pi-faucet/internal/faucet"
	"pi-faucet/internal/identity"
	"pi-faucet/internal/observability"
)

// maxBodyBytes caps request bodies; a claim request is a single address.
const maxBodyBytes = 4 << 10

// Evaluator is the eligibility half of the claim lifecycle.
type Evaluator interface {
	Evaluate(ctx context.Context, address string, id faucet.Identity) (*faucet.Eligibility, error)
}

// Executor is the settlement half of the claim lifecycle.
type Executor interface {
	Execute(ctx context.Context, address string, id faucet.Identity) (*faucet.Settlement, error)
}

// Config wires the router.
type Config struct {
	Evaluator Evaluator
	Executor  Executor
	Identity  identity.Provider // nil disables bearer resolution
	Logger    *zap.Logger
	Metrics   http.Handler // defaults to observability.Handler()
}

type handler struct {
	evaluator Evaluator
	executor  Executor
	identity  identity.Provider
	logger    *zap.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(cfg Config) http.Handler {
	h := &handler{
		evaluator: cfg.Evaluator,
		executor:  cfg.Executor,
		identity:  cfg.Identity,
		logger:    cfg.Logger,
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.Handler()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics)

	r.Route("/v1/claims", func(cr chi.Router) {
		cr.Post("/evaluate", h.evaluate)
		cr.Post("/execute", h.execute)
	})

	return r
}

// ClaimRequest is the body of both claim endpoints.
type ClaimRequest struct {
	WalletAddress string `json:"wallet_address"`
}

// EvaluateResponse is returned by POST /v1/claims/evaluate.
type EvaluateResponse struct {
	Eligible      bool   `json:"eligible"`
	WalletAddress string `json:"wallet_address,omitempty"`
	Whitelisted   bool   `json:"whitelisted,omitempty"`
	ClaimID       string `json:"claim_id,omitempty"`
	Amount        string `json:"amount,omitempty"`
	*Failure
}

// ExecuteResponse is returned by POST /v1/claims/execute.
type ExecuteResponse struct {
	Settled    bool   `json:"settled"`
	ResultLink string `json:"result_link,omitempty"`
	Reconciled bool   `json:"reconciled,omitempty"`
	*Failure
}

// Failure describes why a request did not succeed. Only translated reasons appear here.
type Failure struct {
	Reason    faucet.Reason `json:"reason"`
	Message   string        `json:"message"`
	Retryable bool          `json:"retryable"`
}

func newFailure(r faucet.Reason) *Failure {
	return &Failure{Reason: r, Message: r.Message(), Retryable: r.Retryable()}
}

func (h *handler) evaluate(w http.ResponseWriter, r *http.Request) {
	req, id, ok := h.decode(w, r)
	if !ok {
		return
	}

	res, err := h.evaluator.Evaluate(r.Context(), req.WalletAddress, id)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "wallet_address is required")
		return
	}

	resp := EvaluateResponse{
		Eligible:      res.Eligible,
		WalletAddress: res.Address,
		Whitelisted:   res.Whitelisted,
	}
	if res.Reservation != nil {
		resp.ClaimID = res.Reservation.ID
		resp.Amount = res.Reservation.Amount.StringFixed(7)
	}
	if !res.Eligible {
		resp.Failure = newFailure(res.Reason)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handler) execute(w http.ResponseWriter, r *http.Request) {
	req, id, ok := h.decode(w, r)
	if !ok {
		return
	}

	res, err := h.executor.Execute(r.Context(), req.WalletAddress, id)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "wallet_address is required")
		return
	}

	resp := ExecuteResponse{
		Settled:    res.Settled,
		ResultLink: res.ResultLink,
		Reconciled: res.Reconciled,
	}
	if !res.Settled {
		resp.Failure = newFailure(res.Reason)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// decode parses the body and resolves the optional bearer credential. It writes the
// error response itself and reports whether the handler should continue.
func (h *handler) decode(w http.ResponseWriter, r *http.Request) (ClaimRequest, faucet.Identity, bool) {
	var req ClaimRequest

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return req, faucet.Identity{}, false
	}
	if strings.TrimSpace(req.WalletAddress) == "" {
		h.writeError(w, http.StatusBadRequest, "wallet_address is required")
		return req, faucet.Identity{}, false
	}

	bearer, present := bearerToken(r)
	if !present {
		return req, faucet.Identity{}, true
	}
	if h.identity == nil || bearer == "" {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return req, faucet.Identity{}, false
	}

	user, err := h.identity.Me(r.Context(), bearer)
	switch {
	case errors.Is(err, identity.ErrUnauthorized), errors.Is(err, identity.ErrCredentialRequired):
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return req, faucet.Identity{}, false
	case err != nil:
		h.logger.Warn("resolve identity", zap.Error(err))
		h.writeJSON(w, http.StatusServiceUnavailable, struct {
			*Failure
		}{newFailure(faucet.ReasonConnectivityError)})
		return req, faucet.Identity{}, false
	}

	return req, faucet.Identity{AccountID: user.UID, Wallet: user.WalletAddress}, true
}

// bearerToken extracts the credential from the Authorization header.
// present is false when the header is absent.
func bearerToken(r *http.Request) (token string, present bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	scheme, rest, _ := strings.Cut(header, " ")
	if !strings.EqualFold(scheme, "Bearer") {
		return "", true
	}
	return strings.TrimSpace(rest), true
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("write response", zap.Error(err))
	}
}

func (h *handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			h.logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
