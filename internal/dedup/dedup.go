package dedup

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/eklund-io/banksync-server/internal/domain"
)

// Action is what the reconciler does with a fetched transaction that
// matches an existing ledger transaction.
type Action int

const (
	// Drop excludes the fetched transaction from the import.
	Drop Action = iota
	// Replace keeps the fetched transaction so it overwrites the existing
	// one on import.
	Replace
)

// Matcher decides the action for a fetched transaction that shares an
// external ID with an existing ledger transaction. Banks use this to let
// booked transactions supersede the pending reservations they had reported
// earlier.
type Matcher func(fetched, existing domain.Transaction) Action

// Result is the outcome of reconciling one fetched batch. It is consumed
// immediately by the import and never persisted.
type Result struct {
	Transactions []domain.Transaction
	Replaced     int
	Skipped      int
	Errors       []string
}

// Source provides the existing ledger transactions of an account from a
// given date onward.
type Source interface {
	TransactionsSince(ctx context.Context, accountID uuid.UUID, since domain.Date) ([]domain.Transaction, error)
}

// Reconciler removes fetched transactions that already exist in the
// ledger. Matching is by external ID only; transactions without one are
// always kept.
type Reconciler struct {
	source Source
}

// NewReconciler creates a Reconciler reading existing transactions from
// source.
func NewReconciler(source Source) *Reconciler {
	return &Reconciler{source: source}
}

// Reconcile compares fetched transactions against the ledger transactions
// of accountID dated within the configured overlap window before
// fetchStart. With dedup disabled the fetched batch passes through
// untouched. A failing existing-transaction lookup never fails the run:
// the batch passes through and the failure is recorded in Result.Errors.
func (r *Reconciler) Reconcile(
	ctx context.Context,
	accountID uuid.UUID,
	fetched []domain.Transaction,
	fetchStart domain.Date,
	cfg domain.DedupConfig,
	matcher Matcher,
) Result {
	if !cfg.Enabled {
		return Result{Transactions: fetched}
	}

	windowStart := fetchStart.AddDays(-cfg.OverlapDays)

	existing, err := r.source.TransactionsSince(ctx, accountID, windowStart)
	if err != nil {
		return Result{
			Transactions: fetched,
			Errors:       []string{fmt.Sprintf("deduplication skipped, existing transactions unavailable: %v", err)},
		}
	}

	// Index by external ID, enforcing the window even when the source
	// returned rows outside it.
	byExternalID := make(map[string]domain.Transaction, len(existing))
	for _, tx := range existing {
		if tx.ExternalID == "" || tx.Date.Before(windowStart) {
			continue
		}
		byExternalID[tx.ExternalID] = tx
	}

	result := Result{Transactions: make([]domain.Transaction, 0, len(fetched))}
	for _, tx := range fetched {
		if tx.ExternalID == "" {
			result.Transactions = append(result.Transactions, tx)
			continue
		}

		match, found := byExternalID[tx.ExternalID]
		if !found {
			result.Transactions = append(result.Transactions, tx)
			continue
		}

		action := Drop
		if matcher != nil {
			action = matcher(tx, match)
		}

		switch action {
		case Replace:
			result.Transactions = append(result.Transactions, tx)
			result.Replaced++
		default:
			result.Skipped++
		}
	}

	return result
}
