package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pi-faucet/internal/faucet"
	"pi-faucet/internal/identity"
	"pi-faucet/internal/ledger"
	"pi-faucet/internal/ledger/stub"
	"pi-faucet/internal/policy"
	"pi-faucet/internal/storage/memory"
)

type fakeIdentity struct {
	users map[string]*identity.User
	err   error
}

func (f *fakeIdentity) Me(_ context.Context, bearer string) (*identity.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[bearer]
	if !ok {
		return nil, identity.ErrUnauthorized
	}
	return u, nil
}

type testServer struct {
	*httptest.Server
	ledger *stub.Ledger
	ids    *fakeIdentity
}

func newTestServer(t *testing.T, lists policy.Lists) *testServer {
	t.Helper()

	ledgerStub := stub.NewLedger()
	opts := faucet.Options{
		Store:  memory.NewClaimStore(),
		Ledger: ledgerStub,
		Policy: policy.NewSnapshot(lists),
		Events: memory.NewClaimEventStore(),
	}
	evaluator, err := faucet.NewEvaluator(opts)
	require.NoError(t, err)
	executor, err := faucet.NewExecutor(opts)
	require.NoError(t, err)

	ids := &fakeIdentity{users: map[string]*identity.User{}}
	srv := httptest.NewServer(NewRouter(Config{
		Evaluator: evaluator,
		Executor:  executor,
		Identity:  ids,
	}))
	t.Cleanup(srv.Close)

	return &testServer{Server: srv, ledger: ledgerStub, ids: ids}
}

func (s *testServer) post(t *testing.T, path, body, bearer string) (*http.Response, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, s.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func claimBody(addr string) string {
	return `{"wallet_address":"` + addr + `"}`
}

func TestRouter_Health(t *testing.T) {
	s := newTestServer(t, policy.Lists{})

	resp, err := s.Client().Get(s.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouter_Metrics(t *testing.T) {
	s := newTestServer(t, policy.Lists{})

	resp, err := s.Client().Get(s.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouter_EvaluateThenExecute(t *testing.T) {
	s := newTestServer(t, policy.Lists{})
	addr := keypair.MustRandom().Address()
	s.ledger.SetBalance(addr, decimal.Zero)

	resp, body := s.post(t, "/v1/claims/evaluate", claimBody(addr), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["eligible"])
	assert.Equal(t, addr, body["wallet_address"])
	assert.Equal(t, "0.0100000", body["amount"])
	assert.NotEmpty(t, body["claim_id"])
	assert.NotContains(t, body, "reason")

	resp, body = s.post(t, "/v1/claims/execute", claimBody(addr), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["settled"])
	assert.NotEmpty(t, body["result_link"])

	_, body = s.post(t, "/v1/claims/evaluate", claimBody(addr), "")
	assert.Equal(t, false, body["eligible"])
	assert.Equal(t, string(faucet.ReasonWalletAlreadyClaimed), body["reason"])
	assert.Equal(t, faucet.ReasonWalletAlreadyClaimed.Message(), body["message"])
	assert.Equal(t, false, body["retryable"])
}

func TestRouter_InsufficientFundsIsTranslated(t *testing.T) {
	s := newTestServer(t, policy.Lists{})
	addr := keypair.MustRandom().Address()
	s.ledger.SetBalance(addr, decimal.Zero)

	_, body := s.post(t, "/v1/claims/evaluate", claimBody(addr), "")
	require.Equal(t, true, body["eligible"])

	s.ledger.SubmitErr = &ledger.RejectedError{TransactionCode: "tx_failed", OperationCodes: []string{"op_underfunded"}}
	_, body = s.post(t, "/v1/claims/execute", claimBody(addr), "")
	assert.Equal(t, false, body["settled"])
	assert.Equal(t, string(faucet.ReasonInsufficientFaucetFunds), body["reason"])
	assert.Equal(t, true, body["retryable"])
	assert.NotContains(t, body["message"], "op_underfunded")
}

func TestRouter_BadRequests(t *testing.T) {
	s := newTestServer(t, policy.Lists{})

	for _, tc := range []struct {
		name, body string
	}{
		{"malformed json", `{"wallet_address":`},
		{"missing field", `{}`},
		{"blank address", `{"wallet_address":"   "}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := s.post(t, "/v1/claims/evaluate", tc.body, "")
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestRouter_InvalidAddress(t *testing.T) {
	s := newTestServer(t, policy.Lists{})

	resp, body := s.post(t, "/v1/claims/evaluate", claimBody("not-a-wallet"), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(faucet.ReasonInvalidAddress), body["reason"])
	assert.Equal(t, true, body["retryable"])
}

func TestRouter_Blocked(t *testing.T) {
	addr := keypair.MustRandom().Address()
	s := newTestServer(t, policy.Lists{Blocklist: []string{addr}})

	_, body := s.post(t, "/v1/claims/evaluate", claimBody(addr), "")
	assert.Equal(t, string(faucet.ReasonBlocked), body["reason"])
	assert.Equal(t, false, body["retryable"])
}

func TestRouter_BearerIdentity(t *testing.T) {
	s := newTestServer(t, policy.Lists{})
	linked := keypair.MustRandom().Address()
	other := keypair.MustRandom().Address()
	s.ledger.SetBalance(linked, decimal.Zero)
	s.ledger.SetBalance(other, decimal.Zero)
	s.ids.users["token-1"] = &identity.User{UID: "uid-1", Username: "pioneer", WalletAddress: linked}

	_, body := s.post(t, "/v1/claims/evaluate", claimBody(other), "token-1")
	assert.Equal(t, string(faucet.ReasonAccountWalletMismatch), body["reason"])

	_, body = s.post(t, "/v1/claims/evaluate", claimBody(linked), "token-1")
	assert.Equal(t, true, body["eligible"])
}

func TestRouter_Unauthorized(t *testing.T) {
	s := newTestServer(t, policy.Lists{})
	addr := keypair.MustRandom().Address()

	resp, _ := s.post(t, "/v1/claims/evaluate", claimBody(addr), "bogus")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRouter_IdentityUnavailable(t *testing.T) {
	s := newTestServer(t, policy.Lists{})
	s.ids.err = errors.New("dial tcp: connection refused")
	addr := keypair.MustRandom().Address()

	resp, body := s.post(t, "/v1/claims/evaluate", claimBody(addr), "token")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, string(faucet.ReasonConnectivityError), body["reason"])
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		token   string
		present bool
	}{
		{"", "", false},
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"Basic abc", "", true},
		{"Bearer", "", true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		token, present := bearerToken(r)
		assert.Equal(t, tt.token, token, tt.header)
		assert.Equal(t, tt.present, present, tt.header)
	}
}
