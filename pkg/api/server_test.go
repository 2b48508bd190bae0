package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relieflane/caseledger/pkg/api"
	"github.com/relieflane/caseledger/pkg/appeal"
	"github.com/relieflane/caseledger/pkg/auth"
	"github.com/relieflane/caseledger/pkg/decision"
	"github.com/relieflane/caseledger/pkg/idempotency"
	"github.com/relieflane/caseledger/pkg/keyring"
	"github.com/relieflane/caseledger/pkg/ledger"
	"github.com/relieflane/caseledger/pkg/lifecycle"
	"github.com/relieflane/caseledger/pkg/reconcile"
	"github.com/relieflane/caseledger/pkg/storage"
	"github.com/relieflane/caseledger/pkg/verification"
)

type testServer struct {
	handler http.Handler
	tokens  *auth.TokenManager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	keys, err := keyring.NewEphemeral()
	require.NoError(t, err)
	ls := ledger.NewStore(keys)
	machine := lifecycle.NewMachine(db, ls)
	tokens := auth.NewTokenManager([]byte("test-secret"))

	srv := &api.Server{
		DB:               db,
		Ledger:           ls,
		Machine:          machine,
		Decisions:        decision.NewRegistry(db, machine),
		Engine:           verification.NewEngine(db, ls, machine),
		Appeals:          appeal.NewService(db, ls, machine),
		Reconciler:       reconcile.NewService(db, ls),
		Idem:             idempotency.NewMemoryStore(),
		Tokens:           tokens,
		DefaultVerifiers: 2,
	}
	return &testServer{handler: srv.Routes(), tokens: tokens}
}

func (ts *testServer) token(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	token, err := ts.tokens.Issue(auth.Principal{
		ID: userID, TenantID: "tenant-a", Kind: ledger.ActorHuman, Roles: roles,
	}, time.Hour)
	require.NoError(t, err)
	return token
}

func (ts *testServer) do(t *testing.T, method, path, token, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeField(t *testing.T, rec *httptest.ResponseRecorder, field string) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	v, _ := body[field].(string)
	return v
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/cases", "", `{}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/cases", "not-a-token", `{}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestCaseFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	worker := ts.token(t, "worker-1", "caseworker")

	rec := ts.do(t, http.MethodPost, "/v1/cases", worker, `{"beneficiaryId":"ben-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	caseID := decodeField(t, rec, "caseId")
	require.NotEmpty(t, caseID)

	// Route and accept via decisions.
	for _, dt := range []string{"ROUTING", "ACCEPTANCE"} {
		rec = ts.do(t, http.MethodPost, "/v1/cases/"+caseID+"/decisions", worker,
			`{"type":"`+dt+`","reason":"ok"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodPost, "/v1/cases/"+caseID+"/executions", worker, `{"executorId":"worker-7"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/v1/cases/"+caseID+"/executions/complete", worker,
		`{"requiredVerifiers":1}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	recordID := decodeField(t, rec, "verificationRecordId")

	verifier := ts.token(t, "verifier-1", "verifier")
	rec = ts.do(t, http.MethodPost, "/v1/verifications/"+recordID+"/votes", verifier,
		`{"status":"APPROVE","roleKey":"field-officer"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ACCEPTED", decodeField(t, rec, "consensus"))

	// The ledger reads back the full history.
	rec = ts.do(t, http.MethodGet, "/v1/cases/"+caseID+"/ledger", worker, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var commits []ledger.Commit
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &commits))
	assert.Len(t, commits, 6)
	assert.Equal(t, ledger.EventVerified, commits[len(commits)-1].EventType)

	// And exports as a sealed bundle.
	rec = ts.do(t, http.MethodGet, "/v1/cases/"+caseID+"/ledger/export", worker, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var bundle ledger.Bundle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bundle))
	assert.Equal(t, 6, bundle.EntryCount)
	require.NoError(t, ledger.VerifyBundle(&bundle))
}

func TestTransitionErrorsMapToProblemDetails(t *testing.T) {
	ts := newTestServer(t)
	worker := ts.token(t, "worker-1")

	rec := ts.do(t, http.MethodPost, "/v1/cases", worker, `{}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	caseID := decodeField(t, rec, "caseId")

	// Illegal transition is a conflict.
	rec = ts.do(t, http.MethodPost, "/v1/cases/"+caseID+"/transition", worker, `{"target":"VERIFIED"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var problem api.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "conflict", problem.Title)
	assert.Contains(t, problem.Detail, "illegal transition")

	// Unknown case is not found.
	rec = ts.do(t, http.MethodPost, "/v1/cases/missing/transition", worker, `{"target":"ROUTED"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIdempotencyKeyReplay(t *testing.T) {
	ts := newTestServer(t)
	worker := ts.token(t, "worker-1")

	first := ts.do(t, http.MethodPost, "/v1/cases", worker, `{"beneficiaryId":"ben-1"}`,
		"Idempotency-Key", "create-1")
	require.Equal(t, http.StatusCreated, first.Code)
	caseID := decodeField(t, first, "caseId")

	// Same key, same payload: the stored response replays verbatim.
	replay := ts.do(t, http.MethodPost, "/v1/cases", worker, `{"beneficiaryId":"ben-1"}`,
		"Idempotency-Key", "create-1")
	require.Equal(t, http.StatusOK, replay.Code)
	assert.Equal(t, caseID, decodeField(t, replay, "caseId"))

	// Same key, different payload: conflict.
	conflict := ts.do(t, http.MethodPost, "/v1/cases", worker, `{"beneficiaryId":"ben-2"}`,
		"Idempotency-Key", "create-1")
	assert.Equal(t, http.StatusConflict, conflict.Code)
}

func TestIdempotencyKeyReleasedAfterFailedCommand(t *testing.T) {
	ts := newTestServer(t)
	worker := ts.token(t, "worker-1")

	rec := ts.do(t, http.MethodPost, "/v1/cases", worker, `{}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	caseID := decodeField(t, rec, "caseId")

	// The command fails on a domain invariant.
	first := ts.do(t, http.MethodPost, "/v1/cases/"+caseID+"/transition", worker,
		`{"target":"VERIFIED"}`, "Idempotency-Key", "move-1")
	require.Equal(t, http.StatusConflict, first.Code)
	assert.Contains(t, first.Body.String(), "illegal transition")

	// The identical retry re-executes and surfaces the same domain error,
	// not a stale in-progress claim.
	retry := ts.do(t, http.MethodPost, "/v1/cases/"+caseID+"/transition", worker,
		`{"target":"VERIFIED"}`, "Idempotency-Key", "move-1")
	require.Equal(t, http.StatusConflict, retry.Code)
	assert.Contains(t, retry.Body.String(), "illegal transition")
	assert.NotContains(t, retry.Body.String(), "in progress")

	// After the failure the key is free for a command that can succeed.
	ok := ts.do(t, http.MethodPost, "/v1/cases/"+caseID+"/transition", worker,
		`{"target":"ROUTED"}`, "Idempotency-Key", "move-1")
	require.Equal(t, http.StatusOK, ok.Code, ok.Body.String())
	assert.Equal(t, "ROUTED", decodeField(t, ok, "lifecycle"))
}

func TestIntegrityEndpoint(t *testing.T) {
	ts := newTestServer(t)
	worker := ts.token(t, "worker-1")

	rec := ts.do(t, http.MethodPost, "/v1/cases", worker, `{}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/integrity", worker, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var report ledger.IntegrityReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, ledger.IntegrityHealthy, report.Status)
	assert.Equal(t, 1, report.RecordCount)
}
