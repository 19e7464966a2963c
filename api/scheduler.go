/*
scheduler.go - Periodic balance audit

PURPOSE:
  Periodically replays every account's history and compares it with the
  maintained running total. Drift is logged and counted; the audit never
  writes movements.

DESIGN:
  - Runs in the caller's goroutine until ctx is cancelled (errgroup friendly)
  - Runs once immediately on start, then every Interval
  - Each Verify holds the account's section, so the audit sees a quiescent
    account rather than a half-applied write

USAGE:
  audit := NewAuditScheduler(ledgerService, ledgerMetrics, log)
  g.Go(func() error { return audit.Run(ctx) })

SEE ALSO:
  - ledger/balance.go: BalanceCalculator.Verify
  - metrics/ledger.go: ObserveAudit
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/warp/balance-ledger/ledger"
	"github.com/warp/balance-ledger/logger"
	"go.uber.org/multierr"
)

// Auditor is the part of the ledger service the audit needs.
type Auditor interface {
	Accounts(ctx context.Context) ([]ledger.Account, error)
	Verify(ctx context.Context, id ledger.AccountID) (ledger.RunningTotal, error)
}

// AuditObserver records audit outcomes, typically as metrics.
type AuditObserver interface {
	ObserveAudit(drifted int, failed bool)
}

// AuditReport summarizes one pass.
type AuditReport struct {
	Checked int
	Drifted []ledger.AccountID
	Err     error // read failures, combined
}

type AuditScheduler struct {
	Auditor  Auditor
	Observer AuditObserver
	Interval time.Duration
	Enabled  bool

	log *logger.Logger
}

func NewAuditScheduler(a Auditor, o AuditObserver, log *logger.Logger) *AuditScheduler {
	if log == nil {
		log = logger.Nop()
	}
	return &AuditScheduler{
		Auditor:  a,
		Observer: o,
		Interval: time.Hour,
		Enabled:  true,
		log:      log,
	}
}

// Run audits until ctx is done. It returns nil on cancellation.
func (s *AuditScheduler) Run(ctx context.Context) error {
	if !s.Enabled || s.Interval <= 0 {
		s.log.Info(ctx, "audit.disabled")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.log.Info(s.log.WithField(ctx, "interval", s.Interval.String()), "audit.started")
	s.RunNow(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-ctx.Done():
			s.log.Info(ctx, "audit.stopped")
			return nil
		}
	}
}

// RunNow performs one audit pass over every account.
func (s *AuditScheduler) RunNow(ctx context.Context) AuditReport {
	var report AuditReport

	accounts, err := s.Auditor.Accounts(ctx)
	if err != nil {
		report.Err = fmt.Errorf("listing accounts: %w", err)
		s.finish(ctx, report)
		return report
	}

	for _, acct := range accounts {
		if ctx.Err() != nil {
			report.Err = multierr.Append(report.Err, ctx.Err())
			break
		}
		report.Checked++

		_, err := s.Auditor.Verify(ctx, acct.ID)
		var drift *ledger.BalanceDriftError
		switch {
		case err == nil:
		case errors.As(err, &drift):
			report.Drifted = append(report.Drifted, acct.ID)
			s.log.Error(s.log.WithAccountID(ctx, string(acct.ID)), "audit.balance_drift", err)
		default:
			report.Err = multierr.Append(report.Err, fmt.Errorf("verifying %s: %w", acct.ID, err))
		}
	}

	s.finish(ctx, report)
	return report
}

func (s *AuditScheduler) finish(ctx context.Context, report AuditReport) {
	if s.Observer != nil {
		s.Observer.ObserveAudit(len(report.Drifted), report.Err != nil)
	}
	ctx = s.log.WithFields(ctx, map[string]any{
		"checked": report.Checked,
		"drifted": len(report.Drifted),
	})
	if report.Err != nil {
		s.log.Error(ctx, "audit.completed_with_errors", report.Err)
		return
	}
	s.log.Info(ctx, "audit.completed")
}
