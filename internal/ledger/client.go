// Package ledger talks to the ledger server that owns the books. A Client
// logs in, syncs the budget into a local cache and pushes imported
// transactions back up. Start-date and dedup window queries are answered
// from the cache so a slow server never stalls them.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/gofrs/uuid/v5"
	"github.com/sirupsen/logrus"

	"github.com/eklund-io/banksync-server/internal/domain"
	"github.com/eklund-io/banksync-server/internal/ledger/cache"
)

// Config carries everything needed to reach one budget on a ledger server.
type Config struct {
	ServerURL     string
	Password      string
	SyncID        uuid.UUID
	EncryptionKey string
	CacheDir      string
	HTTPClient    *http.Client
}

// ImportResult summarizes one import call. Errors holds per-transaction
// problems the server reported while still accepting the batch.
type ImportResult struct {
	Added   int
	Updated int
	Skipped int
	Errors  []string
}

// Client is a connection to one budget on a ledger server. Connect must be
// called before any other method; Shutdown releases the cache handle and is
// safe to call more than once.
type Client struct {
	serverURL     string
	password      string
	syncID        uuid.UUID
	encryptionKey string
	cacheDir      string
	httpClient    *http.Client

	token string
	cache *cache.Cache
}

// NewClient creates an unconnected client from the given config.
func NewClient(cfg Config) *Client {
	return &Client{
		serverURL:     strings.TrimRight(cfg.ServerURL, "/"),
		password:      cfg.Password,
		syncID:        cfg.SyncID,
		encryptionKey: cfg.EncryptionKey,
		cacheDir:      cfg.CacheDir,
		httpClient:    cfg.HTTPClient,
	}
}

type loginRequest struct {
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type accountsResponse struct {
	Accounts []wireAccount `json:"accounts"`
}

type wireAccount struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	OffBudget bool      `json:"offBudget"`
	Closed    bool      `json:"closed"`
}

type syncResponse struct {
	Transactions []wireTransaction `json:"transactions"`
	Cursor       string            `json:"cursor"`
	HasMore      bool              `json:"hasMore"`
}

type wireTransaction struct {
	ID         string      `json:"id"`
	AccountID  uuid.UUID   `json:"accountId"`
	Date       domain.Date `json:"date"`
	Amount     int64       `json:"amount"`
	Payee      string      `json:"payee"`
	ImportedID string      `json:"importedId"`
	Notes      string      `json:"notes,omitempty"`
	Cleared    bool        `json:"cleared"`
}

type importRequest struct {
	Transactions []wireNewTransaction `json:"transactions"`
}

type wireNewTransaction struct {
	Date            domain.Date          `json:"date"`
	Amount          int64                `json:"amount"`
	Payee           string               `json:"payee"`
	ImportedID      string               `json:"importedId,omitempty"`
	Notes           string               `json:"notes,omitempty"`
	Cleared         bool                 `json:"cleared"`
	Subtransactions []wireNewTransaction `json:"subtransactions,omitempty"`
}

type importResponse struct {
	Added   int      `json:"added"`
	Updated int      `json:"updated"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// outOfSyncError marks a 409 response so the import path can retry once.
type outOfSyncError struct {
	message string
}

func (e *outOfSyncError) Error() string {
	return e.message
}

// Connect logs in and syncs the budget into the local cache.
func (c *Client) Connect(ctx context.Context) error {
	if c.cache != nil {
		return nil
	}

	var login loginResponse
	if err := c.do(ctx, http.MethodPost, "/v1/login", loginRequest{Password: c.password}, &login); err != nil {
		return fmt.Errorf("ledger login failed: %w", err)
	}
	c.token = login.Token

	budgetCache, err := cache.Open(c.cacheDir, c.syncID)
	if err != nil {
		return err
	}
	c.cache = budgetCache

	if err := c.sync(ctx); err != nil {
		budgetCache.Close()
		c.cache = nil
		return err
	}
	return nil
}

// Shutdown releases the cache handle. Safe to call more than once and before
// Connect.
func (c *Client) Shutdown(ctx context.Context) error {
	if c.cache == nil {
		return nil
	}
	err := c.cache.Close()
	c.cache = nil
	c.token = ""
	return err
}

// ListAccounts returns the budget's accounts straight from the server.
func (c *Client) ListAccounts(ctx context.Context) ([]domain.Account, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}

	var resp accountsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/budgets/"+c.syncID.String()+"/accounts", nil, &resp); err != nil {
		return nil, fmt.Errorf("ledger account listing failed: %w", err)
	}

	accounts := make([]domain.Account, len(resp.Accounts))
	for i, a := range resp.Accounts {
		accounts[i] = domain.Account{ID: a.ID, Name: a.Name, OffBudget: a.OffBudget, Closed: a.Closed}
	}
	return accounts, nil
}

// SmartStartDate returns the day before the newest transaction on the
// account, or nil when the account has no transactions yet.
func (c *Client) SmartStartDate(ctx context.Context, accountID uuid.UUID) (*domain.Date, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}

	latest, err := c.cache.LatestTransactionDate(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, nil
	}
	start := latest.AddDays(-1)
	return &start, nil
}

// TransactionsSince returns the account's known transactions dated on or
// after since, as of the last sync.
func (c *Client) TransactionsSince(ctx context.Context, accountID uuid.UUID, since domain.Date) ([]domain.Transaction, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	return c.cache.TransactionsSince(ctx, accountID, since)
}

// ImportTransactions pushes transactions into the account. With dryRun set
// the server is never called and the result counts what would have been
// sent. An out-of-sync response invalidates the cache, resyncs and retries
// once.
func (c *Client) ImportTransactions(ctx context.Context, accountID uuid.UUID, txns []domain.Transaction, dryRun bool) (*ImportResult, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}

	if dryRun {
		return &ImportResult{Added: len(txns)}, nil
	}

	result, err := c.importOnce(ctx, accountID, txns)
	if err == nil {
		return result, nil
	}
	var outOfSync *outOfSyncError
	if !errors.As(err, &outOfSync) {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"budget": c.syncID,
		"reason": outOfSync.message,
	}).Warn("Ledger.ImportTransactions.out of sync, resyncing cache")

	if err := c.cache.Invalidate(ctx); err != nil {
		return nil, fmt.Errorf("cache invalidation after out-of-sync failed: %w", err)
	}
	if err := c.sync(ctx); err != nil {
		return nil, err
	}

	result, err = c.importOnce(ctx, accountID, txns)
	if err != nil {
		if errors.As(err, &outOfSync) {
			return nil, &domain.ImportError{Reason: "ledger still out of sync after resync", Cause: err}
		}
		return nil, err
	}
	return result, nil
}

func (c *Client) importOnce(ctx context.Context, accountID uuid.UUID, txns []domain.Transaction) (*ImportResult, error) {
	outgoing := make([]wireNewTransaction, len(txns))
	for i, t := range txns {
		outgoing[i] = toWire(t)
	}

	path := "/v1/budgets/" + c.syncID.String() + "/accounts/" + accountID.String() + "/transactions/import"
	var resp importResponse
	if err := c.do(ctx, http.MethodPost, path, importRequest{Transactions: outgoing}, &resp); err != nil {
		return nil, err
	}
	return &ImportResult{Added: resp.Added, Updated: resp.Updated, Skipped: resp.Skipped, Errors: resp.Errors}, nil
}

func toWire(t domain.Transaction) wireNewTransaction {
	w := wireNewTransaction{
		Date:       t.Date,
		Amount:     t.Amount,
		Payee:      t.Payee,
		ImportedID: t.ExternalID,
		Notes:      t.Notes,
		Cleared:    t.Cleared,
	}
	for _, sub := range t.Subtransactions {
		w.Subtransactions = append(w.Subtransactions, toWire(sub))
	}
	return w
}

// sync pulls changes from the server into the cache until the server reports
// no more pages.
func (c *Client) sync(ctx context.Context) error {
	cursor, err := c.cache.Cursor(ctx)
	if err != nil {
		return err
	}

	for {
		path := "/v1/budgets/" + c.syncID.String() + "/transactions?cursor=" + url.QueryEscape(cursor)
		var page syncResponse
		if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
			return fmt.Errorf("ledger sync failed: %w", err)
		}

		rows := make([]cache.Row, len(page.Transactions))
		for i, t := range page.Transactions {
			rows[i] = cache.Row{
				ID:         t.ID,
				AccountID:  t.AccountID,
				Date:       t.Date,
				Amount:     t.Amount,
				Payee:      t.Payee,
				ExternalID: t.ImportedID,
				Notes:      t.Notes,
				Cleared:    t.Cleared,
			}
		}
		if err := c.cache.ApplyPage(ctx, page.Cursor, rows); err != nil {
			return err
		}

		logrus.WithFields(logrus.Fields{
			"budget":       c.syncID,
			"transactions": len(rows),
			"cursor":       page.Cursor,
		}).Debug("Ledger.sync.page applied")

		cursor = page.Cursor
		if !page.HasMore {
			return nil
		}
	}
}

func (c *Client) requireConnected() error {
	if c.cache == nil {
		return errors.New("ledger client is not connected")
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("cannot encode %s request: %w", path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return fmt.Errorf("cannot create %s request: %w", path, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.encryptionKey != "" {
		req.Header.Set("X-Budget-Key", c.encryptionKey)
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return fmt.Errorf("cannot execute %s request: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("cannot read %s response: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		return responseError(path, resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("cannot decode %s response: %w", path, err)
	}

	if logrus.IsLevelEnabled(logrus.DebugLevel) {
		logrus.Debugf("Ledger.do.%s response: %s", path, spew.Sdump(out))
	}
	return nil
}

func responseError(path string, status int, body []byte) error {
	message := strings.TrimSpace(string(body))
	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		message = parsed.Error
	}

	switch {
	case status == http.StatusUpgradeRequired || strings.Contains(message, "unsupported client version"):
		return &domain.ImportError{
			Reason:          "ledger server rejected this client version, upgrade banksync-server",
			UpgradeRequired: true,
		}
	case status == http.StatusConflict:
		if message == "" {
			message = "budget out of sync"
		}
		return &outOfSyncError{message: message}
	}
	return fmt.Errorf("%s returned status %d: %s", path, status, message)
}

func (c *Client) client() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return http.DefaultClient
}
