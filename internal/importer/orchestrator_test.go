package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eklund-io/banksync-server/internal/bank"
	"github.com/eklund-io/banksync-server/internal/bank/mockbank"
	"github.com/eklund-io/banksync-server/internal/dedup"
	"github.com/eklund-io/banksync-server/internal/domain"
	"github.com/eklund-io/banksync-server/internal/ledger"
	"github.com/eklund-io/banksync-server/internal/streaming"
)

var testAccountID = uuid.Must(uuid.FromString("9f2d6c1a-3b58-4e07-8f41-d25a6c3e9b10"))

// mockLedger is a mock for LedgerClient.
type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) Connect(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockLedger) SmartStartDate(ctx context.Context, accountID uuid.UUID) (*domain.Date, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Date), args.Error(1)
}

func (m *mockLedger) TransactionsSince(ctx context.Context, accountID uuid.UUID, since domain.Date) ([]domain.Transaction, error) {
	args := m.Called(ctx, accountID, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Transaction), args.Error(1)
}

func (m *mockLedger) ImportTransactions(ctx context.Context, accountID uuid.UUID, txns []domain.Transaction, dryRun bool) (*ledger.ImportResult, error) {
	args := m.Called(ctx, accountID, txns, dryRun)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.ImportResult), args.Error(1)
}

func (m *mockLedger) Shutdown(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// spyBank wraps a real bank client and counts lifecycle calls.
type spyBank struct {
	inner        bank.Client
	initCalls    int
	fetchCalls   int
	cleanupCalls int
}

func (s *spyBank) Initialize(ctx context.Context, params map[string]string) error {
	s.initCalls++
	return s.inner.Initialize(ctx, params)
}

func (s *spyBank) Session() *bank.Session { return s.inner.Session() }

func (s *spyBank) FetchTransactions(ctx context.Context, start, end domain.Date) ([]domain.Transaction, error) {
	s.fetchCalls++
	return s.inner.FetchTransactions(ctx, start, end)
}

func (s *spyBank) Matcher() dedup.Matcher { return s.inner.Matcher() }

func (s *spyBank) Cleanup(ctx context.Context) error {
	s.cleanupCalls++
	return s.inner.Cleanup(ctx)
}

// eventLog records every event a run publishes, in order. Runs execute on
// the test goroutine here, so no locking is needed.
type eventLog struct {
	events []streaming.Event
}

func newEventLog(bus *streaming.Bus) *eventLog {
	log := &eventLog{}
	bus.Subscribe(func(event streaming.Event) {
		log.events = append(log.events, event)
	})
	return log
}

func (l *eventLog) types() []streaming.EventType {
	types := make([]streaming.EventType, 0, len(l.events))
	for _, e := range l.events {
		types = append(types, e.Type)
	}
	return types
}

func (l *eventLog) count(eventType streaming.EventType) int {
	n := 0
	for _, e := range l.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (l *eventLog) progressMessages() []string {
	var messages []string
	for _, e := range l.events {
		if e.Type == streaming.EventTypeProgress {
			messages = append(messages, e.Data.(streaming.ProgressEvent).Message)
		}
	}
	return messages
}

func (l *eventLog) qrTokens() []string {
	var tokens []string
	for _, e := range l.events {
		if e.Type == streaming.EventTypeQRCode {
			tokens = append(tokens, e.Data.(streaming.QRCodeEvent).Token)
		}
	}
	return tokens
}

func (l *eventLog) authStatuses() []string {
	var statuses []string
	for _, e := range l.events {
		if e.Type == streaming.EventTypeAuthStatus {
			statuses = append(statuses, e.Data.(streaming.AuthStatusEvent).Status)
		}
	}
	return statuses
}

func (l *eventLog) errorMessage() string {
	for _, e := range l.events {
		if e.Type == streaming.EventTypeError {
			return e.Data.(streaming.ErrorEvent).Message
		}
	}
	return ""
}

func (l *eventLog) success() streaming.SuccessEvent {
	for _, e := range l.events {
		if e.Type == streaming.EventTypeSuccess {
			return e.Data.(streaming.SuccessEvent)
		}
	}
	return streaming.SuccessEvent{}
}

func (l *eventLog) hasProgressContaining(t *testing.T, substr string) {
	t.Helper()
	for _, msg := range l.progressMessages() {
		if strings.Contains(msg, substr) {
			return
		}
	}
	t.Errorf("no progress event contains %q, got %v", substr, l.progressMessages())
}

// assertRunProtocol checks that the run published exactly one terminal
// event followed by exactly one close, and nothing after the close.
func assertRunProtocol(t *testing.T, log *eventLog, wantSuccess bool) {
	t.Helper()
	require.NotEmpty(t, log.events)

	if wantSuccess {
		assert.Equal(t, 1, log.count(streaming.EventTypeSuccess))
		assert.Equal(t, 0, log.count(streaming.EventTypeError))
	} else {
		assert.Equal(t, 0, log.count(streaming.EventTypeSuccess))
		assert.Equal(t, 1, log.count(streaming.EventTypeError))
	}
	assert.Equal(t, 1, log.count(streaming.EventTypeClose))

	last := log.events[len(log.events)-1]
	require.Equal(t, streaming.EventTypeClose, last.Type)
	assert.Equal(t, wantSuccess, last.Data.(streaming.CloseEvent).Success)

	require.GreaterOrEqual(t, len(log.events), 2)
	terminal := log.events[len(log.events)-2]
	if wantSuccess {
		assert.Equal(t, streaming.EventTypeSuccess, terminal.Type)
	} else {
		assert.Equal(t, streaming.EventTypeError, terminal.Type)
		assert.Equal(t, terminal.Data.(streaming.ErrorEvent).Message, last.Data.(streaming.CloseEvent).Error)
	}
}

func mockbankProfile(params map[string]string) domain.Profile {
	return domain.Profile{
		Name:            "checking",
		Bank:            mockbank.Name,
		BankParams:      params,
		LedgerAccountID: testAccountID,
		Dedup:           domain.DedupConfig{Enabled: true, OverlapDays: 7},
	}
}

func mockbankRegistry() *bank.Registry {
	registry := bank.NewRegistry()
	mockbank.Register(registry)
	return registry
}

func newRunBus() (*streaming.Bus, *eventLog) {
	bus := streaming.NewBus()
	return bus, newEventLog(bus)
}

func TestRun_ImportsFetchedTransactions(t *testing.T) {
	start := domain.Today().AddDays(-3)
	existing := []domain.Transaction{{
		Date:       start,
		Amount:     -500,
		ExternalID: fmt.Sprintf("mock-%s-0", start),
	}}

	led := new(mockLedger)
	led.On("Connect", mock.Anything).Return(nil)
	led.On("SmartStartDate", mock.Anything, testAccountID).Return(&start, nil)
	led.On("TransactionsSince", mock.Anything, testAccountID, start.AddDays(-7)).Return(existing, nil)
	led.On("ImportTransactions", mock.Anything, testAccountID, mock.MatchedBy(func(txns []domain.Transaction) bool {
		// mockbank yields one transaction per day over the four day range
		// and the existing row matches the first one.
		return len(txns) == 3
	}), false).Return(&ledger.ImportResult{Added: 3}, nil)
	led.On("Shutdown", mock.Anything).Return(nil)

	orch := NewOrchestrator(mockbankRegistry(), func() LedgerClient { return led })
	bus, log := newRunBus()

	outcome, err := orch.Run(context.Background(), bus, mockbankProfile(nil), false)

	require.NoError(t, err)
	assert.Equal(t, 3, outcome.Added)
	assert.Equal(t, 1, outcome.Skipped)
	assert.Equal(t, 0, outcome.Replaced)
	assert.False(t, outcome.DryRun)
	assert.Empty(t, outcome.Errors)

	assertRunProtocol(t, log, true)
	assert.Equal(t, []streaming.EventType{
		streaming.EventTypeProgress,   // connecting to ledger
		streaming.EventTypeProgress,   // looking up the latest ledger transaction
		streaming.EventTypeProgress,   // fetching transactions
		streaming.EventTypeAuthStatus, // authenticated (instant mode)
		streaming.EventTypeProgress,   // authentication complete
		streaming.EventTypeProgress,   // fetched 4 transactions
		streaming.EventTypeProgress,   // matched 1 already imported
		streaming.EventTypeProgress,   // importing 3 transactions
		streaming.EventTypeSuccess,
		streaming.EventTypeClose,
	}, log.types())

	success := log.success()
	assert.Equal(t, 3, success.Count)
	assert.Equal(t, 1, success.Skipped)
	assert.Equal(t, "imported 3 transactions", success.Message)

	led.AssertExpectations(t)
	led.AssertNumberOfCalls(t, "Shutdown", 1)
}

func TestRun_FailsWithoutStartingTransaction(t *testing.T) {
	led := new(mockLedger)
	led.On("Connect", mock.Anything).Return(nil)
	led.On("SmartStartDate", mock.Anything, testAccountID).Return(nil, nil)
	led.On("Shutdown", mock.Anything).Return(nil)

	registry := bank.NewRegistry()
	var created int
	registry.Register(mockbank.Name, func() bank.Client {
		created++
		return mockbank.NewClient()
	})

	orch := NewOrchestrator(registry, func() LedgerClient { return led })
	bus, log := newRunBus()

	outcome, err := orch.Run(context.Background(), bus, mockbankProfile(nil), false)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "create a starting transaction first")
	assert.Nil(t, outcome)
	assert.Equal(t, 0, created, "the bank client must not be built when there is no start date")

	assertRunProtocol(t, log, false)
	assert.Contains(t, log.errorMessage(), "create a starting transaction first")
	led.AssertNotCalled(t, "TransactionsSince", mock.Anything, mock.Anything, mock.Anything)
	led.AssertNotCalled(t, "ImportTransactions", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	led.AssertNumberOfCalls(t, "Shutdown", 1)
}

func TestRun_LedgerConnectFailure(t *testing.T) {
	led := new(mockLedger)
	led.On("Connect", mock.Anything).Return(errors.New("connection refused"))
	led.On("Shutdown", mock.Anything).Return(nil)

	registry := bank.NewRegistry()
	var created int
	registry.Register(mockbank.Name, func() bank.Client {
		created++
		return mockbank.NewClient()
	})

	orch := NewOrchestrator(registry, func() LedgerClient { return led })
	bus, log := newRunBus()

	outcome, err := orch.Run(context.Background(), bus, mockbankProfile(nil), false)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not connect to ledger")
	assert.Nil(t, outcome)
	assert.Equal(t, 0, created)

	assertRunProtocol(t, log, false)
	led.AssertNumberOfCalls(t, "Shutdown", 1)
}

func TestRun_UnknownBank(t *testing.T) {
	start := domain.Today().AddDays(-3)

	led := new(mockLedger)
	led.On("Connect", mock.Anything).Return(nil)
	led.On("SmartStartDate", mock.Anything, testAccountID).Return(&start, nil)
	led.On("Shutdown", mock.Anything).Return(nil)

	profile := mockbankProfile(nil)
	profile.Bank = "acmebank"

	orch := NewOrchestrator(mockbankRegistry(), func() LedgerClient { return led })
	bus, log := newRunBus()

	outcome, err := orch.Run(context.Background(), bus, profile, false)

	require.Error(t, err)
	var configErr *domain.ConfigError
	require.ErrorAs(t, err, &configErr)
	assert.Contains(t, err.Error(), "unknown bank integration")
	assert.Nil(t, outcome)

	assertRunProtocol(t, log, false)
	led.AssertNumberOfCalls(t, "Shutdown", 1)
}

func TestRun_BadBankParams(t *testing.T) {
	start := domain.Today().AddDays(-3)

	led := new(mockLedger)
	led.On("Connect", mock.Anything).Return(nil)
	led.On("SmartStartDate", mock.Anything, testAccountID).Return(&start, nil)
	led.On("Shutdown", mock.Anything).Return(nil)

	spy := &spyBank{inner: mockbank.NewClient()}
	registry := bank.NewRegistry()
	registry.Register(mockbank.Name, func() bank.Client { return spy })

	orch := NewOrchestrator(registry, func() LedgerClient { return led })
	bus, log := newRunBus()

	outcome, err := orch.Run(context.Background(), bus, mockbankProfile(map[string]string{"authMode": "bogus"}), false)

	require.Error(t, err)
	var configErr *domain.ConfigError
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "authMode", configErr.Field)
	assert.Nil(t, outcome)
	assert.Equal(t, 1, spy.initCalls)
	assert.Equal(t, 0, spy.fetchCalls)
	assert.Equal(t, 1, spy.cleanupCalls)

	assertRunProtocol(t, log, false)
	led.AssertNumberOfCalls(t, "Shutdown", 1)
}

func TestRun_DryRunStillCallsImportWithFlag(t *testing.T) {
	start := domain.Today().AddDays(-3)

	led := new(mockLedger)
	led.On("Connect", mock.Anything).Return(nil)
	led.On("SmartStartDate", mock.Anything, testAccountID).Return(&start, nil)
	led.On("ImportTransactions", mock.Anything, testAccountID, mock.Anything, true).
		Return(&ledger.ImportResult{Added: 4}, nil)
	led.On("Shutdown", mock.Anything).Return(nil)

	profile := mockbankProfile(nil)
	profile.Dedup = domain.DedupConfig{}

	orch := NewOrchestrator(mockbankRegistry(), func() LedgerClient { return led })
	bus, log := newRunBus()

	outcome, err := orch.Run(context.Background(), bus, profile, true)

	require.NoError(t, err)
	assert.True(t, outcome.DryRun)
	assert.Equal(t, 4, outcome.Added)

	assertRunProtocol(t, log, true)
	log.hasProgressContaining(t, "dry run, not writing to the ledger")
	assert.Equal(t, "dry run complete, 4 transactions would be imported", log.success().Message)

	led.AssertExpectations(t)
	led.AssertNotCalled(t, "TransactionsSince", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_QRAuthenticationBridgesToEvents(t *testing.T) {
	start := domain.Today().AddDays(-3)

	led := new(mockLedger)
	led.On("Connect", mock.Anything).Return(nil)
	led.On("SmartStartDate", mock.Anything, testAccountID).Return(&start, nil)
	led.On("TransactionsSince", mock.Anything, testAccountID, mock.Anything).
		Return([]domain.Transaction{}, nil)
	led.On("ImportTransactions", mock.Anything, testAccountID, mock.Anything, false).
		Return(&ledger.ImportResult{Added: 4}, nil)
	led.On("Shutdown", mock.Anything).Return(nil)

	orch := NewOrchestrator(mockbankRegistry(), func() LedgerClient { return led })
	bus, log := newRunBus()

	profile := mockbankProfile(map[string]string{"authMode": "qr", "rotationDelayMs": "1"})
	_, err := orch.Run(context.Background(), bus, profile, false)

	require.NoError(t, err)
	assert.Equal(t, []string{"mockbank.qr.0", "mockbank.qr.1", "mockbank.qr.2"}, log.qrTokens())
	assert.Equal(t, []string{"pending", "authenticated"}, log.authStatuses())
	assertRunProtocol(t, log, true)
}

func TestRun_AuthFailureEndsRun(t *testing.T) {
	start := domain.Today().AddDays(-3)

	led := new(mockLedger)
	led.On("Connect", mock.Anything).Return(nil)
	led.On("SmartStartDate", mock.Anything, testAccountID).Return(&start, nil)
	led.On("Shutdown", mock.Anything).Return(nil)

	spy := &spyBank{inner: mockbank.NewClient()}
	registry := bank.NewRegistry()
	registry.Register(mockbank.Name, func() bank.Client { return spy })

	orch := NewOrchestrator(registry, func() LedgerClient { return led })
	bus, log := newRunBus()

	outcome, err := orch.Run(context.Background(), bus, mockbankProfile(map[string]string{"authMode": "fail"}), false)

	require.Error(t, err)
	var authErr *domain.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, err.Error(), "could not fetch transactions")
	assert.Nil(t, outcome)

	assert.Equal(t, []string{"pending", "failed"}, log.authStatuses())
	assertRunProtocol(t, log, false)

	assert.Equal(t, 1, spy.fetchCalls)
	assert.Equal(t, 1, spy.cleanupCalls)
	led.AssertNotCalled(t, "ImportTransactions", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	led.AssertNumberOfCalls(t, "Shutdown", 1)
}

func TestRun_AuthExpiryEndsRun(t *testing.T) {
	start := domain.Today().AddDays(-3)

	led := new(mockLedger)
	led.On("Connect", mock.Anything).Return(nil)
	led.On("SmartStartDate", mock.Anything, testAccountID).Return(&start, nil)
	led.On("Shutdown", mock.Anything).Return(nil)

	orch := NewOrchestrator(mockbankRegistry(), func() LedgerClient { return led })
	bus, log := newRunBus()

	_, err := orch.Run(context.Background(), bus, mockbankProfile(map[string]string{"authMode": "expire"}), false)

	require.Error(t, err)
	var authErr *domain.AuthError
	require.ErrorAs(t, err, &authErr)

	assert.Equal(t, []string{"pending", "expired"}, log.authStatuses())
	assertRunProtocol(t, log, false)
}

func TestRun_DedupLookupFailureDegradesGracefully(t *testing.T) {
	start := domain.Today().AddDays(-3)

	led := new(mockLedger)
	led.On("Connect", mock.Anything).Return(nil)
	led.On("SmartStartDate", mock.Anything, testAccountID).Return(&start, nil)
	led.On("TransactionsSince", mock.Anything, testAccountID, mock.Anything).
		Return(nil, errors.New("cache unavailable"))
	led.On("ImportTransactions", mock.Anything, testAccountID, mock.MatchedBy(func(txns []domain.Transaction) bool {
		return len(txns) == 4
	}), false).Return(&ledger.ImportResult{Added: 4}, nil)
	led.On("Shutdown", mock.Anything).Return(nil)

	orch := NewOrchestrator(mockbankRegistry(), func() LedgerClient { return led })
	bus, log := newRunBus()

	outcome, err := orch.Run(context.Background(), bus, mockbankProfile(nil), false)

	require.NoError(t, err, "a failing dedup lookup must not fail the run")
	assert.Equal(t, 4, outcome.Added)
	assert.Equal(t, 0, outcome.Skipped)
	require.Len(t, outcome.Errors, 1)
	assert.Contains(t, outcome.Errors[0], "deduplication skipped")

	assertRunProtocol(t, log, true)
	log.hasProgressContaining(t, "deduplication skipped")
	led.AssertExpectations(t)
}

func TestRun_LedgerReportedErrorsLandInOutcome(t *testing.T) {
	start := domain.Today().AddDays(-3)

	led := new(mockLedger)
	led.On("Connect", mock.Anything).Return(nil)
	led.On("SmartStartDate", mock.Anything, testAccountID).Return(&start, nil)
	led.On("TransactionsSince", mock.Anything, testAccountID, mock.Anything).
		Return([]domain.Transaction{}, nil)
	led.On("ImportTransactions", mock.Anything, testAccountID, mock.Anything, false).
		Return(&ledger.ImportResult{Added: 3, Skipped: 1, Errors: []string{"transaction 4: unknown payee"}}, nil)
	led.On("Shutdown", mock.Anything).Return(nil)

	orch := NewOrchestrator(mockbankRegistry(), func() LedgerClient { return led })
	bus, log := newRunBus()

	outcome, err := orch.Run(context.Background(), bus, mockbankProfile(nil), false)

	require.NoError(t, err, "server-side per-transaction problems do not fail the run")
	assert.Equal(t, 3, outcome.Added)
	assert.Equal(t, 1, outcome.Skipped)
	assert.Equal(t, []string{"transaction 4: unknown payee"}, outcome.Errors)
	assertRunProtocol(t, log, true)
}

func TestRun_ImportFailureSurfaces(t *testing.T) {
	start := domain.Today().AddDays(-3)

	led := new(mockLedger)
	led.On("Connect", mock.Anything).Return(nil)
	led.On("SmartStartDate", mock.Anything, testAccountID).Return(&start, nil)
	led.On("TransactionsSince", mock.Anything, testAccountID, mock.Anything).
		Return([]domain.Transaction{}, nil)
	led.On("ImportTransactions", mock.Anything, testAccountID, mock.Anything, false).
		Return(nil, &domain.ImportError{Reason: "ledger rejected the batch"})
	led.On("Shutdown", mock.Anything).Return(nil)

	orch := NewOrchestrator(mockbankRegistry(), func() LedgerClient { return led })
	bus, log := newRunBus()

	outcome, err := orch.Run(context.Background(), bus, mockbankProfile(nil), false)

	require.Error(t, err)
	var importErr *domain.ImportError
	require.ErrorAs(t, err, &importErr)
	assert.Contains(t, err.Error(), "could not import transactions")
	assert.Nil(t, outcome)

	assertRunProtocol(t, log, false)
	led.AssertNumberOfCalls(t, "Shutdown", 1)
}

func TestRun_CleanupFailureDoesNotMaskOutcome(t *testing.T) {
	start := domain.Today().AddDays(-3)

	led := new(mockLedger)
	led.On("Connect", mock.Anything).Return(nil)
	led.On("SmartStartDate", mock.Anything, testAccountID).Return(&start, nil)
	led.On("TransactionsSince", mock.Anything, testAccountID, mock.Anything).
		Return([]domain.Transaction{}, nil)
	led.On("ImportTransactions", mock.Anything, testAccountID, mock.Anything, false).
		Return(&ledger.ImportResult{Added: 4}, nil)
	led.On("Shutdown", mock.Anything).Return(errors.New("connection reset"))

	orch := NewOrchestrator(mockbankRegistry(), func() LedgerClient { return led })
	bus, log := newRunBus()

	outcome, err := orch.Run(context.Background(), bus, mockbankProfile(nil), false)

	require.NoError(t, err)
	assert.Equal(t, 4, outcome.Added)
	assertRunProtocol(t, log, true)
	led.AssertNumberOfCalls(t, "Shutdown", 1)
}
