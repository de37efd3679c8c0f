package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	facilitator "github.com/ultravioletadao/x402-facilitator"
	"github.com/ultravioletadao/x402-facilitator/compliance"
	"github.com/ultravioletadao/x402-facilitator/logger"
	"github.com/ultravioletadao/x402-facilitator/metrics"
	"github.com/ultravioletadao/x402-facilitator/registry"
	"github.com/ultravioletadao/x402-facilitator/replay"
	"github.com/ultravioletadao/x402-facilitator/settlement"
	"github.com/ultravioletadao/x402-facilitator/types"
	"github.com/ultravioletadao/x402-facilitator/verification"
)

func testRouter(t *testing.T, screener *compliance.Screener) http.Handler {
	t.Helper()
	reg := registry.New(map[types.Network]string{
		types.NetworkBaseSepolia: "http://localhost:8545",
	}, nil)

	nonces := replay.NewNonceStore()
	sessions := replay.NewSessionStore(time.Minute)
	verifier := verification.NewService(reg, nonces, sessions, logger.NoopLogger{}, metrics.NoopRecorder{})
	settler := settlement.NewService(reg, settlement.NewKeyring(), nonces, sessions, nil,
		logger.NoopLogger{}, metrics.NoopRecorder{})

	f := facilitator.New(reg, screener, verifier, settler)
	return NewRouter(f, logger.NoopLogger{}, prometheus.NewRegistry())
}

func readyScreener(t *testing.T) *compliance.Screener {
	t.Helper()
	s := compliance.NewScreener(compliance.NewAuditLogger(logger.NoopLogger{}, false), compliance.FailClosed)
	s.Reload(nil, nil, nil)
	return s
}

func TestVerifyRejectsGarbageBody(t *testing.T) {
	router := testRouter(t, readyScreener(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/verify", strings.NewReader("{not json")))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var fe types.FacilitatorError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fe))
	assert.Equal(t, types.ErrMalformedPayload, fe.Code)
}

func TestVerifyInvalidPayloadIsAResultNotAnError(t *testing.T) {
	router := testRouter(t, readyScreener(t))

	body := `{
		"x402Version": 1,
		"paymentPayload": {
			"x402Version": 1,
			"scheme": "exact",
			"network": "no-such-chain",
			"evm": {"signature": "0x00", "authorization": {}}
		},
		"paymentRequirements": {
			"scheme": "exact",
			"network": "no-such-chain",
			"maxAmountRequired": "1",
			"payTo": "0x2222222222222222222222222222222222222222",
			"asset": "0x0",
			"maxTimeoutSeconds": 60
		}
	}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/verify", strings.NewReader(body)))

	assert.Equal(t, http.StatusOK, rec.Code)
	var result types.VerificationResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.False(t, result.IsValid)
	assert.Contains(t, result.InvalidReason, types.ErrUnsupportedNetwork)
}

func TestVerifyComplianceUnavailable(t *testing.T) {
	screener := compliance.NewScreener(compliance.NewAuditLogger(logger.NoopLogger{}, false), compliance.FailClosed)
	screener.Reload(nil, nil, assert.AnError)
	router := testRouter(t, screener)

	body := `{"x402Version": 1, "paymentPayload": {"network": "base-sepolia", "evm": {}}, "paymentRequirements": {"network": "base-sepolia"}}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/verify", strings.NewReader(body)))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var fe types.FacilitatorError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fe))
	assert.Equal(t, types.ErrComplianceUnavail, fe.Code)
}

func TestSupportedEndpoint(t *testing.T) {
	router := testRouter(t, readyScreener(t))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/supported", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp types.SupportedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Kinds)
	for _, kind := range resp.Kinds {
		assert.Equal(t, types.SchemeExact, kind.Scheme)
	}
}

func TestHealthEndpoint(t *testing.T) {
	router := testRouter(t, readyScreener(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	broken := compliance.NewScreener(compliance.NewAuditLogger(logger.NoopLogger{}, false), compliance.FailClosed)
	broken.Reload(nil, nil, assert.AnError)
	router = testRouter(t, broken)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	router := testRouter(t, readyScreener(t))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusMapping(t *testing.T) {
	cases := map[string]int{
		types.ErrMalformedPayload:     http.StatusBadRequest,
		types.ErrInvalidSignature:     http.StatusBadRequest,
		types.ErrExpiredAuthorization: http.StatusBadRequest,
		types.ErrUnsupportedNetwork:   http.StatusNotFound,
		types.ErrNonceAlreadyUsed:     http.StatusConflict,
		types.ErrBlockedAddress:       http.StatusForbidden,
		types.ErrComplianceUnavail:    http.StatusServiceUnavailable,
		types.ErrRpcTransient:         http.StatusGatewayTimeout,
		types.ErrSettlementTimeout:    http.StatusGatewayTimeout,
		types.ErrContractViolation:    http.StatusUnprocessableEntity,
		types.ErrRpcPermanent:         http.StatusBadGateway,
		types.ErrOnChainRejected:      http.StatusBadGateway,
	}
	for code, status := range cases {
		assert.Equal(t, status, statusFor(code), code)
	}
}
