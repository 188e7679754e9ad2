package http_api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockspeak/orchestrator/internal/auth"
	"github.com/blockspeak/orchestrator/internal/deploy"
	"github.com/blockspeak/orchestrator/internal/models"
	"github.com/blockspeak/orchestrator/pkg/logger"
)

const walletKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var wallet = "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266"

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	server     *HTTPServer
	contracts  *fakeContracts
	governance *fakeGovernance
	payments   *fakePayments
}

func newTestEnv(opts Options) *testEnv {
	if opts.RateLimitRPS == 0 {
		opts.RateLimitRPS, opts.RateLimitBurst = 1000, 1000
	}
	opts.NonceTTL, opts.SessionTTL = time.Minute, time.Hour
	if opts.AllowedOrigins == nil {
		opts.AllowedOrigins = []string{"http://localhost:3000"}
	}

	env := &testEnv{
		contracts:  &fakeContracts{},
		governance: &fakeGovernance{},
		payments:   &fakePayments{tiers: map[string]models.Plan{}},
	}
	authenticator := auth.NewAuthenticator(
		auth.NewMemoryNonceStore(time.Minute),
		auth.NewSessionStore("test-secret", time.Hour),
		env.payments,
		logger.NewNop(),
	)
	env.server = NewHTTPServer(Services{
		Auth:       authenticator,
		Contracts:  env.contracts,
		Governance: env.governance,
		Payments:   env.payments,
	}, opts, logger.NewNop())
	return env
}

func (e *testEnv) do(method, path, contentType, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) postJSON(path string, body interface{}, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	raw, _ := json.Marshal(body)
	return e.do(http.MethodPost, path, "application/json", string(raw), cookies...)
}

func (e *testEnv) postForm(path string, form url.Values, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	return e.do(http.MethodPost, path, "application/x-www-form-urlencoded", form.Encode(), cookies...)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func cookie(w *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func sign(t *testing.T, message string) string {
	t.Helper()
	key, err := crypto.HexToECDSA(walletKey)
	require.NoError(t, err)
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	require.NoError(t, err)
	sig[64] += 27
	return hexutil.Encode(sig)
}

// login runs the nonce handshake and returns the session cookie.
func (e *testEnv) login(t *testing.T) *http.Cookie {
	t.Helper()
	w := e.do(http.MethodGet, "/nonce", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	challenge := decode(t, w)

	w = e.postJSON("/login/metamask", gin.H{
		"address":   wallet,
		"signature": sign(t, challenge["message"].(string)),
		"nonce":     challenge["nonce"],
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	session := cookie(w, sessionCookie)
	require.NotNil(t, session)
	return session
}

func TestLogin_NonceHandshake(t *testing.T) {
	env := newTestEnv(Options{})

	w := env.do(http.MethodGet, "/nonce", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	challenge := decode(t, w)
	nonce := challenge["nonce"].(string)
	assert.Equal(t, "Log in to BlockSpeak: "+nonce, challenge["message"])
	nonceCk := cookie(w, nonceCookie)
	require.NotNil(t, nonceCk)
	assert.True(t, nonceCk.HttpOnly)

	body := gin.H{"address": wallet, "signature": sign(t, challenge["message"].(string)), "nonce": nonce}
	w = env.postJSON("/login/metamask", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, wallet, decode(t, w)["address"])
	session := cookie(w, sessionCookie)
	require.NotNil(t, session)

	w = env.do(http.MethodGet, "/api/me", "", "", session)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, wallet, decode(t, w)["address"])

	// the identical body again is a replay
	w = env.postJSON("/login/metamask", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogin_FormWithNonceCookie(t *testing.T) {
	env := newTestEnv(Options{})

	w := env.do(http.MethodGet, "/nonce", "", "")
	challenge := decode(t, w)
	nonceCk := cookie(w, nonceCookie)

	form := url.Values{"address": {wallet}, "signature": {sign(t, challenge["message"].(string))}}
	w = env.postForm("/login/metamask", form, nonceCk)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestLogin_CrossSiteSession(t *testing.T) {
	env := newTestEnv(Options{CookieSecure: true, CookieSameSite: http.SameSiteNoneMode})
	challenge := decode(t, env.do(http.MethodGet, "/nonce", "", ""))

	w := env.postJSON("/login/metamask", gin.H{
		"address":   wallet,
		"signature": sign(t, challenge["message"].(string)),
		"nonce":     challenge["nonce"],
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	session := cookie(w, sessionCookie)
	require.NotNil(t, session)
	assert.Equal(t, http.SameSiteNoneMode, session.SameSite)
	assert.True(t, session.Secure)

	token, ok := decode(t, w)["token"].(string)
	require.True(t, ok)
	assert.Equal(t, session.Value, token)

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, "the bearer token works without the cookie")
	assert.Equal(t, wallet, decode(t, rec)["address"])
}

func TestLogin_DefaultSameSiteLax(t *testing.T) {
	env := newTestEnv(Options{})
	w := env.do(http.MethodGet, "/nonce", "", "")
	nonceCk := cookie(w, nonceCookie)
	require.NotNil(t, nonceCk)
	assert.Equal(t, http.SameSiteLaxMode, nonceCk.SameSite)
}

func TestLogin_WrongSigner(t *testing.T) {
	env := newTestEnv(Options{})
	challenge := decode(t, env.do(http.MethodGet, "/nonce", "", ""))

	w := env.postJSON("/login/metamask", gin.H{
		"address":   "0x70997970c51812dc3a010c7d01b50e0d17dc79c8",
		"signature": sign(t, challenge["message"].(string)),
		"nonce":     challenge["nonce"],
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Nil(t, cookie(w, sessionCookie))
}

func TestSessionRequired(t *testing.T) {
	env := newTestEnv(Options{})
	for _, path := range []string{"/api/me", "/api/contracts", "/api/subscription_status", "/api/logout"} {
		w := env.do(http.MethodGet, path, "", "")
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}
	w := env.do(http.MethodGet, "/api/me", "", "", &http.Cookie{Name: sessionCookie, Value: "forged"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogout(t *testing.T) {
	env := newTestEnv(Options{})
	session := env.login(t)

	w := env.do(http.MethodGet, "/api/logout", "", "", session)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/api/me", "", "", session)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSubscriptionRequired(t *testing.T) {
	env := newTestEnv(Options{})
	session := env.login(t)

	w := env.postJSON("/api/create_contract", gin.H{"contract_request": "send 1 eth to 0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC every week"}, session)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	w = env.postJSON("/api/join_dao", gin.H{"dao_address": "0x5FbDB2315678afecb367f032d93F642f64180aa3"}, session)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	w = env.do(http.MethodGet, "/api/contracts", "", "", session)
	assert.Equal(t, http.StatusOK, w.Code, "listing does not need a paid plan")
}

func TestCreateContract(t *testing.T) {
	env := newTestEnv(Options{})
	session := env.login(t)
	env.payments.tiers[wallet] = models.PlanBasic

	var got models.ContractParams
	env.contracts.createRecurring = func(owner string, params models.ContractParams) (*models.ContractInstance, *deploy.DeployResult, error) {
		assert.Equal(t, wallet, owner)
		got = params
		return &models.ContractInstance{Address: "0xe7f1725e7734ce288f8367e1bb143e90bb3f0512", Kind: models.KindRecurringPayment},
			&deploy.DeployResult{TxHash: common.HexToHash("0x01")}, nil
	}

	w := env.postJSON("/api/create_contract", gin.H{"contract_request": "send 0.5 eth to 0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC every week"}, session)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "500000000000000000", got.AmountWei)
	assert.Equal(t, int64(7*86400), got.IntervalSeconds)
	assert.Equal(t, "0x3c44cdddb6a900fa2b585dd299e03d12fa4293bc", got.Recipient)

	w = env.postForm("/api/create_contract", url.Values{
		"recipient":  {"0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"},
		"amount_eth": {"2"},
		"interval":   {"month"},
	}, session)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(30*86400), got.IntervalSeconds)

	w = env.postJSON("/api/create_contract", gin.H{"contract_request": "buy me a pony"}, session)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateContract_OutcomeUnknown(t *testing.T) {
	env := newTestEnv(Options{})
	session := env.login(t)
	env.payments.tiers[wallet] = models.PlanPro

	hash := "0x00000000000000000000000000000000000000000000000000000000000000aa"
	env.contracts.createDAO = func(owner, name, description string) (*models.ContractInstance, *deploy.DeployResult, error) {
		return nil, &deploy.DeployResult{TxHash: common.HexToHash(hash)},
			&models.TxError{Kind: models.ErrOutcomeUnknown, TxHash: hash, Reason: "not mined within the wait bound"}
	}

	w := env.postJSON("/api/create_dao", gin.H{"dao_name": "Builders", "dao_description": "We build"}, session)
	require.Equal(t, http.StatusAccepted, w.Code)
	body := decode(t, w)
	assert.Equal(t, "unknown", body["status"])
	assert.Equal(t, hash, body["tx_hash"])
}

func TestDAORoutes(t *testing.T) {
	env := newTestEnv(Options{})
	session := env.login(t)
	env.payments.tiers[wallet] = models.PlanBasic
	dao := "0x5FbDB2315678afecb367f032d93F642f64180aa3"

	var votes []bool
	env.governance.vote = func(d, member string, id uint64, support bool) (common.Hash, error) {
		assert.Equal(t, dao, d)
		assert.Equal(t, wallet, member)
		assert.Equal(t, uint64(1), id)
		if len(votes) > 0 {
			return common.Hash{}, &models.TxError{Kind: models.ErrDuplicateVote, Reason: "Already voted"}
		}
		votes = append(votes, support)
		return common.HexToHash("0x02"), nil
	}
	env.governance.propose = func(d, member, description string) (uint64, common.Hash, error) {
		return 1, common.HexToHash("0x03"), nil
	}
	env.governance.list = func(d string) ([]models.Proposal, error) {
		return []models.Proposal{{ID: 1, Description: "Fund docs", Proposer: wallet, YesVotes: 1, Active: true}}, nil
	}

	w := env.postJSON("/api/create_proposal", gin.H{"dao_address": dao, "description": "Fund docs"}, session)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["proposal_id"])

	w = env.postForm("/api/vote", url.Values{"dao_address": {dao}, "proposal_id": {"1"}, "vote": {"true"}}, session)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []bool{true}, votes)

	w = env.postForm("/api/vote", url.Values{"dao_address": {dao}, "proposal_id": {"1"}, "vote": {"false"}}, session)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.postForm("/api/vote", url.Values{"dao_address": {dao}, "proposal_id": {"1"}, "vote": {"maybe"}}, session)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.postJSON("/api/get_proposals", gin.H{"dao_address": dao}, session)
	require.Equal(t, http.StatusOK, w.Code)
	proposals := decode(t, w)["proposals"].([]interface{})
	require.Len(t, proposals, 1)
	assert.EqualValues(t, 1, proposals[0].(map[string]interface{})["yesVotes"])
}

func TestSubscribeEth(t *testing.T) {
	env := newTestEnv(Options{})
	session := env.login(t)
	tx := "0x1111111111111111111111111111111111111111111111111111111111111111"

	env.payments.submit = func(address, plan, txHash string) (*models.PaymentRecord, error) {
		if txHash != tx {
			return nil, fmt.Errorf("%w: reference claimed by another wallet", models.ErrDuplicatePayment)
		}
		return &models.PaymentRecord{Reference: txHash, Address: address, Plan: models.Plan(plan), Status: models.PaymentPending}, nil
	}

	w := env.postJSON("/api/subscribe_eth", gin.H{"plan": "basic", "tx_hash": tx}, session)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "pending", decode(t, w)["status"])

	w = env.postJSON("/api/subscribe_eth", gin.H{"plan": "basic", "tx_hash": "0x22"}, session)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.postJSON("/api/subscribe_eth", gin.H{"plan": "basic"}, session)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubscribeCheckout(t *testing.T) {
	env := newTestEnv(Options{})
	session := env.login(t)

	w := env.postJSON("/api/subscribe", gin.H{"plan": "pro"}, session)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "no card rail configured")

	env.payments.checkout = func(address, plan string) (string, error) {
		return "https://checkout.stripe.com/c/pay/cs_test_1", nil
	}
	w = env.postJSON("/api/subscribe", gin.H{"plan": "pro"}, session)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", decode(t, w)["checkout_url"])
}

func TestStripeWebhook(t *testing.T) {
	env := newTestEnv(Options{})
	var gotPayload, gotSig string
	env.payments.event = func(payload []byte, signature string) error {
		gotPayload, gotSig = string(payload), signature
		if signature != "t=1,v1=good" {
			return fmt.Errorf("%w: bad signature", models.ErrPaymentUnverified)
		}
		return nil
	}

	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=good")
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"id":"evt_1"}`, gotPayload)
	assert.Equal(t, "t=1,v1=good", gotSig)

	req = httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=bad")
	w = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(Options{RateLimitRPS: 1, RateLimitBurst: 2})

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/nonce", "", "").Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/nonce", "", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do(http.MethodGet, "/nonce", "", "").Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/healthz", "", "").Code, "health checks are not limited")
}

func TestIPLimiter_SweepsIdleClients(t *testing.T) {
	l := newIPLimiter(1, 1)
	now := time.Now()
	assert.True(t, l.allow("10.0.0.1", now))
	assert.False(t, l.allow("10.0.0.1", now))

	later := now.Add(limiterIdleTTL + 2*time.Minute)
	assert.True(t, l.allow("10.0.0.2", later))
	assert.NotContains(t, l.clients, "10.0.0.1")
}

func TestCORS(t *testing.T) {
	env := newTestEnv(Options{AllowedOrigins: []string{"https://blockspeak.co"}})

	req := httptest.NewRequest(http.MethodOptions, "/login/metamask", nil)
	req.Header.Set("Origin", "https://blockspeak.co")
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://blockspeak.co", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(Options{})
	env.do(http.MethodGet, "/healthz", "", "")

	w := env.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "blockspeak_http_requests_total")
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{models.ErrAuthInvalid, http.StatusUnauthorized},
		{models.ErrSubscriptionRequired, http.StatusPaymentRequired},
		{models.ErrInvalidTransition, http.StatusConflict},
		{models.ErrNotAMember, http.StatusConflict},
		{models.ErrDuplicatePayment, http.StatusConflict},
		{fmt.Errorf("%w: wrong amount", models.ErrPaymentUnverified), http.StatusUnprocessableEntity},
		{&models.TxError{Kind: models.ErrChainRejected, Reason: "reverted"}, http.StatusBadRequest},
		{models.ErrInvalidPlan, http.StatusBadRequest},
		{&models.TxError{Kind: models.ErrOutcomeUnknown}, http.StatusAccepted},
		{fmt.Errorf("rpc: %w", models.ErrChainTransient), http.StatusServiceUnavailable},
		{models.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, _ := statusFor(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
	}
}
