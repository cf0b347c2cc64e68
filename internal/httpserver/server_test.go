package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/glowbook/creditledger/internal/store/gormstore"
	"github.com/glowbook/creditledger/pkg/ledger"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	testSigningKey = "test-signing-key"
	testIssuer     = "glowbook-admin"
)

func newTestRouter(test *testing.T) *gin.Engine {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("raw db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := gormstore.Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}

	service, err := ledger.NewService(gormstore.New(db), ledger.DefaultCostTable(), func() int64 { return time.Now().UTC().Unix() })
	if err != nil {
		test.Fatalf("service init: %v", err)
	}

	cfg := Config{
		ListenAddr:      ":0",
		AllowedOrigins:  []string{"http://localhost:3000"},
		AdminSigningKey: testSigningKey,
		AdminIssuer:     testIssuer,
		RequestTimeout:  5 * time.Second,
	}
	return setupRouter(cfg, &httpHandler{
		logger:  zap.NewNop(),
		service: service,
		cfg:     cfg,
	})
}

func performJSON(test *testing.T, router *gin.Engine, method string, path string, body string, token string) *httptest.ResponseRecorder {
	test.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, nil)
	} else {
		request = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func adminToken(test *testing.T) string {
	test.Helper()
	return signedToken(test, jwt.MapClaims{
		"iss":  testIssuer,
		"exp":  time.Now().Add(time.Hour).Unix(),
		"role": "admin",
	})
}

func signedToken(test *testing.T, claims jwt.MapClaims) string {
	test.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	if err != nil {
		test.Fatalf("sign token: %v", err)
	}
	return token
}

func rechargeProvider(test *testing.T, router *gin.Engine, providerID string, amount int64) {
	test.Helper()
	body := fmt.Sprintf(`{"provider_id":%q,"provider_type":"therapist","amount":%d,"reason":"test recharge"}`, providerID, amount)
	recorder := performJSON(test, router, http.MethodPost, "/admin/adjust", body, adminToken(test))
	if recorder.Code != http.StatusOK {
		test.Fatalf("recharge failed: %d %s", recorder.Code, recorder.Body.String())
	}
}

func decodeBody(test *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	test.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		test.Fatalf("decode response: %v: %s", err, recorder.Body.String())
	}
	return payload
}

func TestHealthz(test *testing.T) {
	router := newTestRouter(test)
	recorder := performJSON(test, router, http.MethodGet, "/healthz", "", "")
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestTrackBillsAndReplays(test *testing.T) {
	router := newTestRouter(test)
	rechargeProvider(test, router, "prov-http-1", 5000)

	body := `{"provider_id":"prov-http-1","provider_type":"therapist","kind":"booking_confirmed","actor_id":"cust-1","reference_id":"booking-1"}`
	recorder := performJSON(test, router, http.MethodPost, "/api/track", body, "")
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	if payload["outcome"] != string(ledger.OutcomeBilled) {
		test.Fatalf("expected billed outcome, got %v", payload["outcome"])
	}
	if payload["transaction"] == nil {
		test.Fatalf("expected transaction payload")
	}
	if payload["balance"].(map[string]any)["balance"].(float64) != 4000 {
		test.Fatalf("expected post-debit balance in response, got %v", payload["balance"])
	}

	replay := performJSON(test, router, http.MethodPost, "/api/track", body, "")
	if replay.Code != http.StatusOK {
		test.Fatalf("expected 200 on replay, got %d", replay.Code)
	}
	replayPayload := decodeBody(test, replay)
	if replayPayload["outcome"] != string(ledger.OutcomeAlreadyBilled) {
		test.Fatalf("expected already billed outcome, got %v", replayPayload["outcome"])
	}

	balance := performJSON(test, router, http.MethodGet, "/api/providers/prov-http-1/balance", "", "")
	balancePayload := decodeBody(test, balance)["balance"].(map[string]any)
	if balancePayload["balance"].(float64) != 4000 {
		test.Fatalf("expected a single debit, got %v", balancePayload)
	}
}

func TestTrackInsufficientFundsConflict(test *testing.T) {
	router := newTestRouter(test)
	rechargeProvider(test, router, "prov-http-2", 300)

	body := `{"provider_id":"prov-http-2","provider_type":"therapist","kind":"chat_started","reference_id":"chat-1"}`
	recorder := performJSON(test, router, http.MethodPost, "/api/track", body, "")
	if recorder.Code != http.StatusConflict {
		test.Fatalf("expected 409, got %d %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	if payload["outcome"] != string(ledger.OutcomeSkippedInsufficientFunds) {
		test.Fatalf("expected skipped outcome, got %v", payload["outcome"])
	}
	balance := payload["balance"].(map[string]any)
	if balance["balance"].(float64) != 300 {
		test.Fatalf("skipped billing mutated the balance: %v", balance)
	}
}

func TestTrackRejectsInvalidInput(test *testing.T) {
	router := newTestRouter(test)

	cases := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing provider", `{"provider_type":"salon","kind":"chat_started","reference_id":"c-1"}`},
		{"bad provider type", `{"provider_id":"p-1","provider_type":"spa","kind":"chat_started","reference_id":"c-1"}`},
		{"bad kind", `{"provider_id":"p-1","provider_type":"salon","kind":"review_posted","reference_id":"c-1"}`},
		{"missing reference for idempotent kind", `{"provider_id":"p-1","provider_type":"salon","kind":"chat_started"}`},
	}
	for _, testCase := range cases {
		recorder := performJSON(test, router, http.MethodPost, "/api/track", testCase.body, "")
		if recorder.Code != http.StatusBadRequest {
			test.Fatalf("%s: expected 400, got %d %s", testCase.name, recorder.Code, recorder.Body.String())
		}
	}
}

func TestBalanceUnknownProviderIsZero(test *testing.T) {
	router := newTestRouter(test)

	recorder := performJSON(test, router, http.MethodGet, "/api/providers/prov-fresh/balance", "", "")
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	payload := decodeBody(test, recorder)["balance"].(map[string]any)
	if payload["balance"].(float64) != 0 || payload["total_earned"].(float64) != 0 {
		test.Fatalf("expected zero snapshot, got %v", payload)
	}
}

func TestTransactionsEndpoint(test *testing.T) {
	router := newTestRouter(test)
	rechargeProvider(test, router, "prov-http-3", 5000)

	body := `{"provider_id":"prov-http-3","provider_type":"therapist","kind":"chat_started","reference_id":"chat-2"}`
	if recorder := performJSON(test, router, http.MethodPost, "/api/track", body, ""); recorder.Code != http.StatusOK {
		test.Fatalf("track failed: %d", recorder.Code)
	}

	recorder := performJSON(test, router, http.MethodGet, "/api/providers/prov-http-3/transactions", "", "")
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	transactions := decodeBody(test, recorder)["transactions"].([]any)
	if len(transactions) != 2 {
		test.Fatalf("expected 2 rows, got %d", len(transactions))
	}

	if recorder := performJSON(test, router, http.MethodGet, "/api/providers/prov-http-3/transactions?limit=0", "", ""); recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400 for zero limit, got %d", recorder.Code)
	}
	if recorder := performJSON(test, router, http.MethodGet, "/api/providers/prov-http-3/transactions?limit=9999", "", ""); recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400 for oversized limit, got %d", recorder.Code)
	}
	if recorder := performJSON(test, router, http.MethodGet, "/api/providers/prov-http-3/transactions?before=nope", "", ""); recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400 for malformed cutoff, got %d", recorder.Code)
	}
}

func TestAdjustRequiresAdminToken(test *testing.T) {
	router := newTestRouter(test)
	body := `{"provider_id":"prov-http-4","provider_type":"salon","amount":100,"reason":"recharge"}`

	if recorder := performJSON(test, router, http.MethodPost, "/admin/adjust", body, ""); recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401 without token, got %d", recorder.Code)
	}

	nonAdmin := signedToken(test, jwt.MapClaims{
		"iss":  testIssuer,
		"exp":  time.Now().Add(time.Hour).Unix(),
		"role": "support",
	})
	if recorder := performJSON(test, router, http.MethodPost, "/admin/adjust", body, nonAdmin); recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401 for non-admin role, got %d", recorder.Code)
	}

	expired := signedToken(test, jwt.MapClaims{
		"iss":  testIssuer,
		"exp":  time.Now().Add(-time.Hour).Unix(),
		"role": "admin",
	})
	if recorder := performJSON(test, router, http.MethodPost, "/admin/adjust", body, expired); recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401 for expired token, got %d", recorder.Code)
	}

	if recorder := performJSON(test, router, http.MethodPost, "/admin/adjust", body, adminToken(test)); recorder.Code != http.StatusOK {
		test.Fatalf("expected 200 with admin token, got %d %s", recorder.Code, recorder.Body.String())
	}
}

func TestAdjustValidation(test *testing.T) {
	router := newTestRouter(test)
	token := adminToken(test)

	missingReason := `{"provider_id":"prov-http-5","provider_type":"salon","amount":100}`
	if recorder := performJSON(test, router, http.MethodPost, "/admin/adjust", missingReason, token); recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400 for missing reason, got %d", recorder.Code)
	}

	zeroAmount := `{"provider_id":"prov-http-5","provider_type":"salon","amount":0,"reason":"noop"}`
	if recorder := performJSON(test, router, http.MethodPost, "/admin/adjust", zeroAmount, token); recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400 for zero amount, got %d", recorder.Code)
	}
}

func TestAdjustDebitConflictAndForce(test *testing.T) {
	router := newTestRouter(test)
	token := adminToken(test)
	rechargeProvider(test, router, "prov-http-6", 100)

	debit := `{"provider_id":"prov-http-6","provider_type":"therapist","amount":-500,"reason":"correction"}`
	if recorder := performJSON(test, router, http.MethodPost, "/admin/adjust", debit, token); recorder.Code != http.StatusConflict {
		test.Fatalf("expected 409 for uncovered debit, got %d", recorder.Code)
	}

	forced := `{"provider_id":"prov-http-6","provider_type":"therapist","amount":-500,"reason":"chargeback","force":true}`
	recorder := performJSON(test, router, http.MethodPost, "/admin/adjust", forced, token)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200 for forced debit, got %d %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(test, recorder)
	transaction := payload["transaction"].(map[string]any)
	if transaction["kind"] != string(ledger.KindAdminForcedDebit) {
		test.Fatalf("expected forced debit kind, got %v", transaction["kind"])
	}
	balance := payload["balance"].(map[string]any)
	if balance["balance"].(float64) != -400 {
		test.Fatalf("expected negative balance, got %v", balance)
	}
}
