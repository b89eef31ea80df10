package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mw "github.com/atelierhq/atelier/internal/app/api/middleware"
	"github.com/atelierhq/atelier/internal/app/service/backfill"
	"github.com/atelierhq/atelier/internal/app/service/cancellation"
	"github.com/atelierhq/atelier/internal/app/service/ragquery"
	"github.com/atelierhq/atelier/internal/app/service/webhook"
	cfgpkg "github.com/atelierhq/atelier/pkg/config"
	"github.com/atelierhq/atelier/pkg/response"
)

const testJWTSecret = "test-secret"

func testConfig() *cfgpkg.Config {
	return &cfgpkg.Config{Auth: cfgpkg.AuthConfig{JWTSecret: testJWTSecret}}
}

func bearerToken(t *testing.T, userID, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &mw.AuthClaims{
		UserID: userID,
		Email:  userID + "@example.com",
		Role:   role,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(time.Hour).Unix(),
		},
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return "Bearer " + signed
}

type stubWebhook struct {
	res *webhook.Result
	err error
}

func (s *stubWebhook) HandleEvent(_ context.Context, _ []byte, _ string) (*webhook.Result, error) {
	return s.res, s.err
}

type stubCanceler struct {
	res *cancellation.CancelResult
	err error

	gotCaller cancellation.Caller
	gotReq    cancellation.CancelRequest
}

func (s *stubCanceler) Cancel(_ context.Context, caller cancellation.Caller, req cancellation.CancelRequest) (*cancellation.CancelResult, error) {
	s.gotCaller = caller
	s.gotReq = req
	return s.res, s.err
}

type stubRag struct {
	answer *ragquery.Answer
	err    error
}

func (s *stubRag) Answer(_ context.Context, _, _ string) (*ragquery.Answer, error) {
	return s.answer, s.err
}

func (s *stubRag) Usage(_ context.Context, _ string) (int, int, error) { return 2, 5, nil }

type stubBackfill struct {
	summary *backfill.Summary
	err     error
}

func (s *stubBackfill) Run(_ context.Context, caller cancellation.Caller, _ backfill.Request) (*backfill.Summary, error) {
	if !caller.IsAdmin() {
		return nil, response.NewError(response.CodeForbidden, "backfill is restricted to admins")
	}
	return s.summary, s.err
}

func newTestRouter(cancel *stubCanceler, rag *stubRag, bf *stubBackfill, wh *stubWebhook) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw.TraceMiddleware())
	cfg := testConfig()

	apiV1 := r.Group("/api/v1")
	RegisterWebhookRoutes(apiV1, wh, zap.NewNop().Sugar())

	authed := apiV1.Group("/")
	authed.Use(mw.AuthMiddleware(cfg))
	RegisterBillingRoutes(authed.Group("/billing"), cancel)
	RegisterRagRoutes(authed.Group("/rag"), rag)

	admin := authed.Group("/admin")
	admin.Use(mw.RequireAdmin())
	RegisterAdminRoutes(admin, bf, nil)
	return r
}

func doJSON(r *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) response.ErrorBody {
	t.Helper()
	var body response.ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestAuth_MissingAndInvalidTokens(t *testing.T) {
	r := newTestRouter(&stubCanceler{}, &stubRag{}, &stubBackfill{}, &stubWebhook{})

	w := doJSON(r, http.MethodPost, "/api/v1/rag/query", "", map[string]string{"question": "hi"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, response.CodeUnauthorized, decodeErrorBody(t, w).Code)

	w = doJSON(r, http.MethodPost, "/api/v1/rag/query", "Bearer not-a-token", map[string]string{"question": "hi"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdmin_RoleGate(t *testing.T) {
	bf := &stubBackfill{summary: &backfill.Summary{OK: true}}
	r := newTestRouter(&stubCanceler{}, &stubRag{}, bf, &stubWebhook{})

	w := doJSON(r, http.MethodPost, "/api/v1/admin/backfill-subscriptions", bearerToken(t, "user-1", "client"), backfill.Request{})
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, response.CodeForbidden, decodeErrorBody(t, w).Code)

	w = doJSON(r, http.MethodPost, "/api/v1/admin/backfill-subscriptions", bearerToken(t, "admin-1", "admin"), backfill.Request{DryRun: true})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRagQuery_ErrorMapping(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"quota", &ragquery.QuotaExceededError{Used: 7, Limit: 7}, http.StatusTooManyRequests, response.CodeQuotaExceeded},
		{"upstream", fmt.Errorf("embed: %w", ragquery.ErrUpstream), http.StatusBadGateway, response.CodeUpstreamError},
		{"empty", ragquery.ErrEmptyQuestion, http.StatusBadRequest, response.CodeValidationError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRouter(&stubCanceler{}, &stubRag{err: tc.err}, &stubBackfill{}, &stubWebhook{})
			w := doJSON(r, http.MethodPost, "/api/v1/rag/query", bearerToken(t, "user-1", "client"), map[string]string{"question": "why?"})
			require.Equal(t, tc.wantCode, w.Code)
			body := decodeErrorBody(t, w)
			require.Equal(t, tc.wantBody, body.Code)
			require.NotEmpty(t, body.RequestID)
		})
	}
}

func TestRagQuery_Success(t *testing.T) {
	answer := &ragquery.Answer{
		Answer:             "Grounded answer.",
		Sources:            []ragquery.Source{{DocumentID: "d1", FileName: "alpha.pdf"}},
		QuestionsUsed:      3,
		QuestionsRemaining: 4,
	}
	r := newTestRouter(&stubCanceler{}, &stubRag{answer: answer}, &stubBackfill{}, &stubWebhook{})

	w := doJSON(r, http.MethodPost, "/api/v1/rag/query", bearerToken(t, "user-1", "client"), map[string]string{"question": "why?"})
	require.Equal(t, http.StatusOK, w.Code)
	var got ragquery.Answer
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, *answer, got)
}

func TestCancelSubscription_PassesCallerAndMapsCodes(t *testing.T) {
	stub := &stubCanceler{res: &cancellation.CancelResult{OK: true, ProjectID: "proj-1", Status: "canceled"}}
	r := newTestRouter(stub, &stubRag{}, &stubBackfill{}, &stubWebhook{})

	w := doJSON(r, http.MethodPost, "/api/v1/billing/cancel-subscription", bearerToken(t, "user-1", "client"),
		cancellation.CancelRequest{ProjectID: "proj-1"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "user-1", stub.gotCaller.UserID)
	require.Equal(t, "proj-1", stub.gotReq.ProjectID)

	stub.err = response.NewError(response.CodeMissingSubscriptionID, "no stripe subscription id could be resolved for this project")
	w = doJSON(r, http.MethodPost, "/api/v1/billing/cancel-subscription", bearerToken(t, "user-1", "client"),
		cancellation.CancelRequest{ProjectID: "proj-1"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Equal(t, response.CodeMissingSubscriptionID, decodeErrorBody(t, w).Code)
}

func TestStripeWebhook_SignatureRequired(t *testing.T) {
	wh := &stubWebhook{res: &webhook.Result{EventType: "checkout.session.completed", Handled: true}}
	r := newTestRouter(&stubCanceler{}, &stubRag{}, &stubBackfill{}, wh)

	w := doJSON(r, http.MethodPost, "/api/v1/webhooks/stripe", "", map[string]string{"id": "evt_1"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", bytes.NewBufferString(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"received":true`)
}
