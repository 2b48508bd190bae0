// Package reconcile detects and repairs drift between the stored case
// projection and ledger truth.
//
// The stored lifecycle is a projection of the ledger; if they disagree,
// the ledger wins. A repair is itself a ledger commit (LIFECYCLE_REPAIRED)
// so the intervention is auditable, and the repair event is skipped by
// replay so repairs never affect future reconciliation.
package reconcile

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/relieflane/caseledger/pkg/ledger"
	"github.com/relieflane/caseledger/pkg/lifecycle"
	"github.com/relieflane/caseledger/pkg/observability"
	"github.com/relieflane/caseledger/pkg/storage"
)

// Result reports the outcome of reconciling one case.
type Result struct {
	Drift    bool                `json:"drift"`
	Repaired bool                `json:"repaired"`
	Previous lifecycle.Lifecycle `json:"previous,omitempty"`
	Derived  lifecycle.Lifecycle `json:"derived,omitempty"`
}

// SweepReport aggregates a tenant-wide reconciliation pass.
type SweepReport struct {
	Cases    int `json:"cases"`
	Drifted  int `json:"drifted"`
	Repaired int `json:"repaired"`
	Failed   int `json:"failed"`
}

// Service replays ledgers against stored projections.
type Service struct {
	db             *storage.DB
	ledger         *ledger.Store
	clock          func() time.Time
	limiter        *rate.Limiter
	tenantLimiters map[string]*rate.Limiter
	log            *slog.Logger
	obs            *observability.Provider
}

// NewService builds a reconciliation service. The sweep is throttled so
// it never starves live traffic of the store.
func NewService(db *storage.DB, ls *ledger.Store) *Service {
	return &Service{
		db:      db,
		ledger:  ls,
		clock:   time.Now,
		limiter: rate.NewLimiter(rate.Limit(50), 1),
		log:     slog.Default(),
	}
}

// WithClock overrides the clock. Intended for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithSweepRate overrides the sweep throttle (cases per second).
func (s *Service) WithSweepRate(casesPerSecond float64) *Service {
	s.limiter = rate.NewLimiter(rate.Limit(casesPerSecond), 1)
	return s
}

// WithTenantSweepRates overrides the sweep throttle for specific tenants
// (cases per second). Tenants without an entry keep the service-wide rate.
func (s *Service) WithTenantSweepRates(rates map[string]float64) *Service {
	s.tenantLimiters = make(map[string]*rate.Limiter, len(rates))
	for tenantID, casesPerSecond := range rates {
		if casesPerSecond > 0 {
			s.tenantLimiters[tenantID] = rate.NewLimiter(rate.Limit(casesPerSecond), 1)
		}
	}
	return s
}

// WithObservability traces reconciliations and counts repairs on the
// provider's meters.
func (s *Service) WithObservability(p *observability.Provider) *Service {
	s.obs = p
	return s
}

func (s *Service) limiterFor(tenantID string) *rate.Limiter {
	if l, ok := s.tenantLimiters[tenantID]; ok {
		return l
	}
	return s.limiter
}

// ReconcileCase replays the case's ledger and repairs the stored
// lifecycle if it disagrees. Idempotent: a second call right after a
// repair reports no drift. The repair runs under the same optimistic
// predicate as business transitions, so it cannot race unsafely with
// live traffic.
func (s *Service) ReconcileCase(ctx context.Context, tenantID, caseID string) (Result, error) {
	var result Result

	if s.obs != nil {
		var span trace.Span
		ctx, span = s.obs.StartSpan(ctx, "reconcile.case", tenantID, caseID)
		defer span.End()
	}

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		c, err := storage.GetCase(ctx, tx, tenantID, caseID)
		if err != nil {
			return err
		}
		stored := lifecycle.Lifecycle(c.Lifecycle)

		events, err := s.ledger.ListByCase(ctx, tx, caseID)
		if err != nil {
			return err
		}
		derived := lifecycle.Derive(events)

		if stored == derived {
			result = Result{Drift: false}
			return nil
		}

		if err := storage.CompareAndSwapLifecycle(ctx, tx, tenantID, caseID,
			string(stored), string(derived),
			lifecycle.StatusFor(derived), lifecycle.TaskFor(derived), s.clock()); err != nil {
			return err
		}

		ts, err := s.ledger.NextTimestamp(ctx, tx, caseID)
		if err != nil {
			return err
		}
		if _, err := s.ledger.Append(ctx, tx, ledger.Commit{
			TenantID:       tenantID,
			CaseID:         caseID,
			EventType:      ledger.EventLifecycleRepaired,
			TS:             ts,
			ActorKind:      ledger.ActorSystem,
			AuthorityProof: "reconciliation",
			Payload: map[string]any{
				"previous": string(stored),
				"repaired": string(derived),
			},
		}); err != nil {
			return err
		}

		result = Result{Drift: true, Repaired: true, Previous: stored, Derived: derived}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if result.Repaired {
		if s.obs != nil {
			s.obs.Repairs.Add(ctx, 1)
		}
		s.log.WarnContext(ctx, "lifecycle drift repaired",
			slog.String("tenant_id", tenantID),
			slog.String("case_id", caseID),
			slog.String("previous", string(result.Previous)),
			slog.String("repaired", string(result.Derived)))
	}
	return result, nil
}

// Sweep reconciles every case of a tenant sequentially and aggregates
// counts. Safe to run arbitrarily often; per-case failures are counted
// and logged, not fatal to the sweep.
func (s *Service) Sweep(ctx context.Context, tenantID string) (SweepReport, error) {
	ids, err := storage.ListCaseIDs(ctx, s.db, tenantID)
	if err != nil {
		return SweepReport{}, err
	}

	report := SweepReport{Cases: len(ids)}
	limiter := s.limiterFor(tenantID)
	for _, id := range ids {
		if err := limiter.Wait(ctx); err != nil {
			return report, err
		}
		res, err := s.ReconcileCase(ctx, tenantID, id)
		if err != nil {
			report.Failed++
			s.log.ErrorContext(ctx, "reconcile failed",
				slog.String("tenant_id", tenantID), slog.String("case_id", id),
				slog.String("error", err.Error()))
			continue
		}
		if res.Drift {
			report.Drifted++
		}
		if res.Repaired {
			report.Repaired++
		}
	}
	return report, nil
}
