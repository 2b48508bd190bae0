package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/relieflane/caseledger/pkg/appeal"
	"github.com/relieflane/caseledger/pkg/auth"
	"github.com/relieflane/caseledger/pkg/config"
	"github.com/relieflane/caseledger/pkg/decision"
	"github.com/relieflane/caseledger/pkg/idempotency"
	"github.com/relieflane/caseledger/pkg/ledger"
	"github.com/relieflane/caseledger/pkg/lifecycle"
	"github.com/relieflane/caseledger/pkg/reconcile"
	"github.com/relieflane/caseledger/pkg/storage"
	"github.com/relieflane/caseledger/pkg/verification"
)

// Server wires the core commands to HTTP. Body validation and tenant
// resolution are deliberately thin; the invariants live in the core.
type Server struct {
	DB         *storage.DB
	Ledger     *ledger.Store
	Machine    *lifecycle.Machine
	Decisions  *decision.Registry
	Engine     *verification.Engine
	Appeals    *appeal.Service
	Reconciler *reconcile.Service
	Idem       idempotency.Store
	Tokens     *auth.TokenManager

	// Profiles carries per-tenant verification policy; DefaultVerifiers
	// applies when a tenant has no profile.
	Profiles         map[string]config.TenantProfile
	DefaultVerifiers int
}

// Routes returns the command surface.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /v1/integrity", s.authenticated(s.handleIntegrity))
	mux.Handle("POST /v1/cases", s.authenticated(s.idempotent(s.handleIntake)))
	mux.Handle("POST /v1/cases/{caseID}/transition", s.authenticated(s.idempotent(s.handleTransition)))
	mux.Handle("POST /v1/cases/{caseID}/decisions", s.authenticated(s.idempotent(s.handleDecision)))
	mux.Handle("POST /v1/cases/{caseID}/executions", s.authenticated(s.idempotent(s.handleStartExecution)))
	mux.Handle("POST /v1/cases/{caseID}/executions/complete", s.authenticated(s.idempotent(s.handleCompleteExecution)))
	mux.Handle("POST /v1/verifications/{recordID}/votes", s.authenticated(s.idempotent(s.handleVote)))
	mux.Handle("POST /v1/cases/{caseID}/appeals", s.authenticated(s.idempotent(s.handleOpenAppeal)))
	mux.Handle("POST /v1/appeals/{appealID}/resolve", s.authenticated(s.idempotent(s.handleResolveAppeal)))
	mux.Handle("POST /v1/cases/{caseID}/reconcile", s.authenticated(s.handleReconcile))
	mux.Handle("GET /v1/cases/{caseID}/ledger", s.authenticated(s.handleLedger))
	mux.Handle("GET /v1/cases/{caseID}/ledger/export", s.authenticated(s.handleLedgerExport))
	return mux
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, p auth.Principal)

// authenticated resolves the bearer token into a principal.
func (s *Server) authenticated(next handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			WriteError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		p, err := s.Tokens.Validate(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next(w, r.WithContext(auth.WithPrincipal(r.Context(), p)), p)
	})
}

// idempotent short-circuits exact replays under an Idempotency-Key and
// rejects key reuse with a different payload.
func (s *Server) idempotent(next handlerFunc) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request, p auth.Principal) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next(w, r, p)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "validation error", "unreadable body")
			return
		}
		r.Body = io.NopCloser(strings.NewReader(string(body)))

		requestHash, err := idempotency.HashRequest(map[string]string{
			"tenantId": p.TenantID,
			"method":   r.Method,
			"path":     r.URL.Path,
			"body":     string(body),
		})
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		outcome, err := s.Idem.Begin(r.Context(), key, requestHash)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		if outcome.Replayed {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(outcome.Response))
			return
		}

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r, p)
		if rec.status >= 400 {
			// A failed command releases the claim so an identical retry
			// re-executes instead of hitting a stale IN_PROGRESS record.
			if err := s.Idem.Release(r.Context(), key); err != nil {
				slog.ErrorContext(r.Context(), "idempotency release failed",
					slog.String("key", key), slog.String("error", err.Error()))
			}
			return
		}
		if err := s.Idem.Complete(r.Context(), key, rec.body.String()); err != nil {
			slog.ErrorContext(r.Context(), "idempotency complete failed",
				slog.String("key", key), slog.String("error", err.Error()))
		}
	}
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	report, err := s.Ledger.VerifyIntegrity(r.Context(), s.DB)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	status := http.StatusOK
	if report.Status == ledger.IntegrityCorrupted {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req struct {
		CaseID        string         `json:"caseId"`
		BeneficiaryID string         `json:"beneficiaryId"`
		IntentContext map[string]any `json:"intentContext"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	caseID, err := s.Machine.Intake(r.Context(), lifecycle.IntakeRequest{
		TenantID:      p.TenantID,
		CaseID:        req.CaseID,
		BeneficiaryID: req.BeneficiaryID,
		Actor:         p.Actor(authorityOf(p)),
		IntentContext: req.IntentContext,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"caseId": caseID})
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req struct {
		Target        string         `json:"target"`
		IntentContext map[string]any `json:"intentContext"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	result, err := s.Machine.Transition(r.Context(), lifecycle.Request{
		TenantID:      p.TenantID,
		CaseID:        r.PathValue("caseID"),
		Target:        lifecycle.Lifecycle(req.Target),
		Actor:         p.Actor(authorityOf(p)),
		IntentContext: req.IntentContext,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"lifecycle": string(result)})
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req struct {
		Type                 string         `json:"type"`
		Reason               string         `json:"reason"`
		IntentContext        map[string]any `json:"intentContext"`
		SupersedesDecisionID string         `json:"supersedesDecisionId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	decisionID, err := s.Decisions.Apply(r.Context(), decision.ApplyInput{
		TenantID:             p.TenantID,
		CaseID:               r.PathValue("caseID"),
		Type:                 decision.Type(req.Type),
		Actor:                p.Actor(authorityOf(p)),
		Reason:               req.Reason,
		IntentContext:        req.IntentContext,
		SupersedesDecisionID: req.SupersedesDecisionID,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"decisionId": decisionID})
}

func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req struct {
		ExecutorID string `json:"executorId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	err := s.Machine.StartExecution(r.Context(), p.TenantID, r.PathValue("caseID"), req.ExecutorID, p.Actor(authorityOf(p)))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"lifecycle": string(lifecycle.Executing)})
}

func (s *Server) handleCompleteExecution(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req struct {
		RequiredVerifiers int      `json:"requiredVerifiers"`
		RequiredRoleKeys  []string `json:"requiredRoleKeys"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	// Policy precedence: explicit request, tenant profile, service default.
	verifiers, roleKeys := req.RequiredVerifiers, req.RequiredRoleKeys
	if verifiers < 1 {
		if profile, ok := s.Profiles[p.TenantID]; ok {
			verifiers = profile.Verification.RequiredVerifiers
			if len(roleKeys) == 0 {
				roleKeys = profile.Verification.RequiredRoleKeys
			}
		} else {
			verifiers = s.DefaultVerifiers
		}
	}
	if verifiers < 1 {
		WriteError(w, http.StatusBadRequest, "validation error", "requiredVerifiers must be >= 1")
		return
	}

	recordID, err := s.Engine.RequestVerification(r.Context(), p.TenantID, r.PathValue("caseID"),
		verifiers, roleKeys, p.Actor(authorityOf(p)))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"verificationRecordId": recordID})
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req struct {
		Status  string `json:"status"`
		RoleKey string `json:"roleKey"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	consensus, err := s.Engine.RecordVote(r.Context(), r.PathValue("recordID"), p.ID, req.RoleKey,
		verification.VoteStatus(req.Status))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"consensus": string(consensus)})
}

func (s *Server) handleOpenAppeal(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	appealID, err := s.Appeals.Open(r.Context(), p.TenantID, r.PathValue("caseID"), p.ID, req.Reason)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"appealId": appealID})
}

func (s *Server) handleResolveAppeal(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req struct {
		SupersededCommitID string `json:"supersededCommitId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SupersededCommitID == "" {
		WriteError(w, http.StatusBadRequest, "validation error", "supersededCommitId is required")
		return
	}

	err := s.Appeals.Resolve(r.Context(), p.TenantID, r.PathValue("appealID"), req.SupersededCommitID, p.Actor(authorityOf(p)))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(appeal.StatusResolved)})
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	result, err := s.Reconciler.ReconcileCase(r.Context(), p.TenantID, r.PathValue("caseID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	// Tenant scoping: confirm the case belongs to the caller first.
	if _, err := storage.GetCase(r.Context(), s.DB, p.TenantID, r.PathValue("caseID")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	commits, err := s.Ledger.ListByCase(r.Context(), s.DB, r.PathValue("caseID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, commits)
}

func (s *Server) handleLedgerExport(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	if _, err := storage.GetCase(r.Context(), s.DB, p.TenantID, r.PathValue("caseID")); err != nil {
		writeDomainError(w, r, err)
		return
	}
	bundle, err := s.Ledger.ExportBundle(r.Context(), s.DB, r.PathValue("caseID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}

func authorityOf(p auth.Principal) string {
	if len(p.Roles) == 0 {
		return "principal:" + p.ID
	}
	return "roles:" + strings.Join(p.Roles, ",")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		WriteError(w, http.StatusBadRequest, "validation error", fmt.Sprintf("malformed body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// responseRecorder captures the response for idempotent replay storage.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   strings.Builder
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
