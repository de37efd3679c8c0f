// Package api exposes the facilitator over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	facilitator "github.com/ultravioletadao/x402-facilitator"
	"github.com/ultravioletadao/x402-facilitator/logger"
	"github.com/ultravioletadao/x402-facilitator/types"
)

// Server handles the facilitator's HTTP surface.
type Server struct {
	facilitator *facilitator.Facilitator
	log         logger.Logger
}

// NewRouter builds the HTTP router. gatherer may be nil to disable the
// metrics endpoint.
func NewRouter(f *facilitator.Facilitator, log logger.Logger, gatherer prometheus.Gatherer) chi.Router {
	s := &Server{facilitator: f, log: log.Named("api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/verify", s.handleVerify)
	r.Post("/settle", s.handleSettle)
	r.Post("/prepare", s.handlePrepare)
	r.Get("/supported", s.handleSupported)
	r.Get("/healthz", s.handleHealth)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req types.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, types.WrapError(types.ErrMalformedPayload, err, "invalid request body"))
		return
	}
	result, err := s.facilitator.Verify(r.Context(), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req types.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, types.WrapError(types.ErrMalformedPayload, err, "invalid request body"))
		return
	}
	receipt, err := s.facilitator.Settle(r.Context(), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req types.PrepareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, types.WrapError(types.ErrMalformedPayload, err, "invalid request body"))
		return
	}
	resp, err := s.facilitator.Prepare(r.Context(), &req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSupported(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.facilitator.Supported())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.facilitator.Health()
	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, health)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("response encoding failed", map[string]any{"error": err.Error()})
	}
}

// writeError maps the error taxonomy onto HTTP statuses. Unknown errors
// never leak their message to the client.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var fe *types.FacilitatorError
	if !errors.As(err, &fe) {
		s.log.Error("unclassified error", map[string]any{"error": err.Error()})
		s.writeJSON(w, http.StatusInternalServerError, &types.FacilitatorError{
			Code:    types.ErrRpcPermanent,
			Message: "internal error",
		})
		return
	}
	s.writeJSON(w, statusFor(fe.Code), fe)
}

func statusFor(code string) int {
	switch code {
	case types.ErrMalformedPayload, types.ErrInvalidSignature, types.ErrExpiredAuthorization:
		return http.StatusBadRequest
	case types.ErrUnsupportedNetwork:
		return http.StatusNotFound
	case types.ErrNonceAlreadyUsed:
		return http.StatusConflict
	case types.ErrBlockedAddress:
		return http.StatusForbidden
	case types.ErrComplianceUnavail:
		return http.StatusServiceUnavailable
	case types.ErrRpcTransient, types.ErrSettlementTimeout:
		return http.StatusGatewayTimeout
	case types.ErrContractViolation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}
