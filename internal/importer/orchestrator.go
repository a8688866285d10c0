// Package importer runs bank-to-ledger imports. An Orchestrator executes one
// run from ledger connect through fetch, dedup and import; a Manager creates
// runs and keeps their event history; a Runner executes queued runs on a
// worker pool.
package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sirupsen/logrus"

	"github.com/eklund-io/banksync-server/internal/bank"
	"github.com/eklund-io/banksync-server/internal/dedup"
	"github.com/eklund-io/banksync-server/internal/domain"
	"github.com/eklund-io/banksync-server/internal/ledger"
	"github.com/eklund-io/banksync-server/internal/streaming"
)

const cleanupTimeout = 15 * time.Second

// LedgerClient is the slice of the ledger API one run drives.
type LedgerClient interface {
	Connect(ctx context.Context) error
	SmartStartDate(ctx context.Context, accountID uuid.UUID) (*domain.Date, error)
	TransactionsSince(ctx context.Context, accountID uuid.UUID, since domain.Date) ([]domain.Transaction, error)
	ImportTransactions(ctx context.Context, accountID uuid.UUID, txns []domain.Transaction, dryRun bool) (*ledger.ImportResult, error)
	Shutdown(ctx context.Context) error
}

// Orchestrator executes a single import run from start to finish. Runs are
// strictly linear; a failed step ends the run.
type Orchestrator struct {
	registry  *bank.Registry
	newLedger func() LedgerClient
}

// NewOrchestrator creates an Orchestrator. newLedger is called once per run
// to get a fresh ledger client.
func NewOrchestrator(registry *bank.Registry, newLedger func() LedgerClient) *Orchestrator {
	return &Orchestrator{
		registry:  registry,
		newLedger: newLedger,
	}
}

// Run executes one import run and reports it on the bus: zero or more
// progress, qr-code and auth-status events, then exactly one success or
// error event, then exactly one close.
func (o *Orchestrator) Run(ctx context.Context, bus *streaming.Bus, profile domain.Profile, dryRun bool) (*domain.ImportOutcome, error) {
	log := logrus.WithFields(logrus.Fields{
		"profile": profile.Name,
		"bank":    profile.Bank,
		"dryRun":  dryRun,
	})
	log.Info("Orchestrator.Run.Start")

	outcome, err := o.execute(ctx, bus, profile, dryRun)
	if err != nil {
		log.WithError(err).Error("Orchestrator.Run.Error")
		bus.Publish(streaming.NewEvent(streaming.EventTypeError, streaming.ErrorEvent{Message: err.Error()}))
		bus.Publish(streaming.NewEvent(streaming.EventTypeClose, streaming.CloseEvent{Success: false, Error: err.Error()}))
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"added":    outcome.Added,
		"skipped":  outcome.Skipped,
		"replaced": outcome.Replaced,
	}).Info("Orchestrator.Run.Complete")
	bus.Publish(streaming.NewEvent(streaming.EventTypeSuccess, streaming.SuccessEvent{
		Count:   outcome.Added,
		Skipped: outcome.Skipped,
		Message: successMessage(outcome),
	}))
	bus.Publish(streaming.NewEvent(streaming.EventTypeClose, streaming.CloseEvent{Success: true}))
	return outcome, nil
}

func (o *Orchestrator) execute(ctx context.Context, bus *streaming.Bus, profile domain.Profile, dryRun bool) (*domain.ImportOutcome, error) {
	progress := func(format string, args ...interface{}) {
		bus.Publish(streaming.NewEvent(streaming.EventTypeProgress, streaming.ProgressEvent{
			Message: fmt.Sprintf(format, args...),
		}))
	}

	ledgerClient := o.newLedger()
	var bankClient bank.Client
	defer func() {
		o.cleanup(bankClient, ledgerClient)
	}()

	progress("connecting to ledger")
	if err := ledgerClient.Connect(ctx); err != nil {
		return nil, fmt.Errorf("could not connect to ledger: %w", err)
	}

	progress("looking up the latest ledger transaction")
	start, err := ledgerClient.SmartStartDate(ctx, profile.LedgerAccountID)
	if err != nil {
		return nil, fmt.Errorf("could not determine start date: %w", err)
	}
	if start == nil {
		return nil, errors.New("ledger account has no transactions yet, create a starting transaction first")
	}

	bankClient, err = o.registry.New(profile.Bank)
	if err != nil {
		return nil, err
	}
	if err := bankClient.Initialize(ctx, profile.BankParams); err != nil {
		return nil, err
	}
	o.bridgeSession(bankClient.Session(), bus)

	end := domain.Today()
	progress("fetching transactions from %s between %s and %s", profile.Bank, start, end)
	fetched, err := bankClient.FetchTransactions(ctx, *start, end)
	if err != nil {
		return nil, fmt.Errorf("could not fetch transactions: %w", err)
	}
	progress("fetched %d transactions", len(fetched))

	reconciler := dedup.NewReconciler(ledgerClient)
	result := reconciler.Reconcile(ctx, profile.LedgerAccountID, fetched, *start, profile.Dedup, bankClient.Matcher())
	for _, msg := range result.Errors {
		progress("%s", msg)
	}
	if matched := result.Skipped + result.Replaced; matched > 0 {
		progress("matched %d already imported transactions (%d replaced, %d skipped)",
			matched, result.Replaced, result.Skipped)
	}

	if dryRun {
		progress("dry run, not writing to the ledger")
	} else {
		progress("importing %d transactions", len(result.Transactions))
	}
	imported, err := ledgerClient.ImportTransactions(ctx, profile.LedgerAccountID, result.Transactions, dryRun)
	if err != nil {
		return nil, fmt.Errorf("could not import transactions: %w", err)
	}

	return &domain.ImportOutcome{
		Added:    imported.Added,
		Skipped:  result.Skipped + imported.Skipped,
		Replaced: result.Replaced,
		DryRun:   dryRun,
		Errors:   append(result.Errors, imported.Errors...),
	}, nil
}

// bridgeSession republishes session updates as run events. QR tokens repeat
// while the session is pending; status and message changes are emitted once.
func (o *Orchestrator) bridgeSession(session *bank.Session, bus *streaming.Bus) {
	var lastStatus bank.Status
	var lastMessage string
	session.OnUpdate(func(u bank.Update) {
		if u.Status != lastStatus {
			lastStatus = u.Status
			bus.Publish(streaming.NewEvent(streaming.EventTypeAuthStatus, streaming.AuthStatusEvent{Status: string(u.Status)}))
		}
		if u.QRToken != "" {
			bus.Publish(streaming.NewEvent(streaming.EventTypeQRCode, streaming.QRCodeEvent{Token: u.QRToken}))
		}
		if u.Message != "" && u.Message != lastMessage {
			lastMessage = u.Message
			bus.Publish(streaming.NewEvent(streaming.EventTypeProgress, streaming.ProgressEvent{Message: u.Message}))
		}
	})
}

// cleanup releases bank and ledger resources. Failures are logged and never
// override the run's outcome.
func (o *Orchestrator) cleanup(bankClient bank.Client, ledgerClient LedgerClient) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if bankClient != nil {
		if err := bankClient.Cleanup(ctx); err != nil {
			logrus.WithError(err).Warn("Orchestrator.cleanup.bank cleanup failed")
		}
	}
	if err := ledgerClient.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("Orchestrator.cleanup.ledger shutdown failed")
	}
}

func successMessage(outcome *domain.ImportOutcome) string {
	if outcome.DryRun {
		return fmt.Sprintf("dry run complete, %d transactions would be imported", outcome.Added)
	}
	return fmt.Sprintf("imported %d transactions", outcome.Added)
}
