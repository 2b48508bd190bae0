// Package api exposes the core's commands over a thin JSON surface.
// Error responses use RFC 7807 Problem Details.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/relieflane/caseledger/pkg/appeal"
	"github.com/relieflane/caseledger/pkg/auth"
	"github.com/relieflane/caseledger/pkg/decision"
	"github.com/relieflane/caseledger/pkg/idempotency"
	"github.com/relieflane/caseledger/pkg/lifecycle"
	"github.com/relieflane/caseledger/pkg/storage"
	"github.com/relieflane/caseledger/pkg/verification"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// WriteError writes an RFC 7807 problem response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&ProblemDetail{
		Type:   fmt.Sprintf("https://caseledger.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// writeDomainError maps core errors onto HTTP classes: domain invariant
// violations and concurrency races are conflicts, missing entities are
// not found, forbidden actions are forbidden. Anything unexpected is
// logged with full context and surfaced generically — internal hashes
// and key material never leave the process.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		illegal  *lifecycle.IllegalTransitionError
		missing  *lifecycle.MissingPrerequisiteError
		mismatch *decision.SupersessionMismatchError
	)

	switch {
	case errors.Is(err, storage.ErrCaseNotFound),
		errors.Is(err, storage.ErrExecutionNotFound),
		errors.Is(err, verification.ErrRecordNotFound),
		errors.Is(err, appeal.ErrAppealNotFound):
		WriteError(w, http.StatusNotFound, "not found", err.Error())

	case errors.Is(err, verification.ErrSelfVerification):
		WriteError(w, http.StatusForbidden, "forbidden", err.Error())

	case errors.As(err, &illegal),
		errors.As(err, &missing),
		errors.As(err, &mismatch),
		errors.Is(err, storage.ErrCASConflict),
		errors.Is(err, decision.ErrNotProjectable),
		errors.Is(err, verification.ErrConflictingVote),
		errors.Is(err, appeal.ErrNotAppealable),
		errors.Is(err, appeal.ErrAppealClosed),
		errors.Is(err, idempotency.ErrKeyConflict),
		errors.Is(err, idempotency.ErrInProgress):
		WriteError(w, http.StatusConflict, "conflict", err.Error())

	default:
		slog.ErrorContext(r.Context(), "unhandled api error",
			slog.String("path", r.URL.Path),
			slog.String("request_id", auth.GetRequestID(r.Context())),
			slog.String("error", err.Error()))
		WriteError(w, http.StatusInternalServerError, "internal error", "")
	}
}
