// Package icabanken fetches account transactions from ICA Banken's
// customer API. Authentication runs through BankID; the first fetch of a
// run performs the login.
package icabanken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eklund-io/banksync-server/internal/bank"
	"github.com/eklund-io/banksync-server/internal/bank/bankid"
	"github.com/eklund-io/banksync-server/internal/dedup"
	"github.com/eklund-io/banksync-server/internal/domain"
)

// Name is the registry key of this integration.
const Name = "icabanken"

const (
	defaultAPIURL    = "https://api.icabanken.se/customer/v2"
	defaultBankIDURL = "https://api.icabanken.se/bankid/v2"
)

var personalNumberPattern = regexp.MustCompile(`^\d{12}$`)

// Register adds the integration to a registry.
func Register(registry *bank.Registry) {
	registry.Register(Name, func() bank.Client { return NewClient() })
}

// Client is one run's connection to ICA Banken.
type Client struct {
	apiURL     string
	httpClient *http.Client
	bankID     *bankid.Client
	session    *bank.Session

	personalNumber string
	accountNumber  string

	sessionToken string
}

// NewClient creates an uninitialized Client.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		session:    bank.NewSession(),
	}
}

// Initialize validates the profile params. Recognized keys: personalNumber
// (required, twelve digits), accountNumber (optional, picks the account to
// fetch), apiUrl and bankidUrl (optional endpoint overrides).
func (c *Client) Initialize(ctx context.Context, params map[string]string) error {
	personalNumber := params["personalNumber"]
	if !personalNumberPattern.MatchString(personalNumber) {
		return &domain.ConfigError{Field: "personalNumber", Reason: "must be twelve digits, like 195001011234"}
	}

	c.personalNumber = personalNumber
	c.accountNumber = params["accountNumber"]

	c.apiURL = strings.TrimRight(params["apiUrl"], "/")
	if c.apiURL == "" {
		c.apiURL = defaultAPIURL
	}

	bankIDURL := params["bankidUrl"]
	if bankIDURL == "" {
		bankIDURL = defaultBankIDURL
	}
	c.bankID = bankid.NewClient(bankIDURL)

	return nil
}

// Session returns the authentication session of this run.
func (c *Client) Session() *bank.Session {
	return c.session
}

// Matcher lets booked transactions supersede the pending reservations the
// bank reported earlier under the same ID. Everything else is dropped as a
// plain duplicate.
func (c *Client) Matcher() dedup.Matcher {
	return func(fetched, existing domain.Transaction) dedup.Action {
		if fetched.Cleared && !existing.Cleared {
			return dedup.Replace
		}
		return dedup.Drop
	}
}

// FetchTransactions returns all transactions dated within [start, end],
// logging in through BankID if this run has not authenticated yet.
func (c *Client) FetchTransactions(ctx context.Context, start, end domain.Date) ([]domain.Transaction, error) {
	if start.After(end) {
		return nil, &domain.FetchError{Bank: Name, Op: "validate date range", Cause: domain.ErrInvalidRange}
	}

	if err := c.ensureAuthenticated(ctx); err != nil {
		return nil, err
	}

	accountID, err := c.resolveAccount(ctx)
	if err != nil {
		return nil, err
	}

	uri := fmt.Sprintf("%s/accounts/%s/transactions?fromDate=%s&toDate=%s", c.apiURL, accountID, start, end)
	data, err := c.get(ctx, uri)
	if err != nil {
		return nil, &domain.FetchError{Bank: Name, Op: "fetch transactions", Cause: err}
	}

	var list transactionList
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, &domain.FetchError{Bank: Name, Op: "decode transactions", Cause: err}
	}

	transactions := make([]domain.Transaction, 0, len(list.Transactions))
	for _, raw := range list.Transactions {
		tx, err := raw.toDomain()
		if err != nil {
			return nil, &domain.FetchError{Bank: Name, Op: "decode transactions", Cause: err}
		}
		transactions = append(transactions, tx)
	}
	return transactions, nil
}

// Cleanup cancels any in-flight BankID order and drops the bank session.
// Safe to call repeatedly and before Initialize.
func (c *Client) Cleanup(ctx context.Context) error {
	if c.bankID != nil {
		_ = c.bankID.Cancel(ctx)
	}

	if c.sessionToken != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/logout", nil)
		if err == nil {
			req.Header.Set("X-Session-Token", c.sessionToken)
			if resp, err := c.httpClient.Do(req); err == nil {
				resp.Body.Close()
			}
		}
		c.sessionToken = ""
	}
	return nil
}

// ensureAuthenticated runs the BankID handshake and exchanges the
// completed order for a bank session token. Later calls in the same run
// reuse the token.
func (c *Client) ensureAuthenticated(ctx context.Context) error {
	if c.sessionToken != "" {
		return nil
	}

	if err := c.bankID.Authenticate(ctx, c.session, c.personalNumber); err != nil {
		return err
	}

	ticket, err := c.bankID.Wait(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(loginRequest{OrderRef: ticket.OrderRef, Signature: ticket.Signature})
	if err != nil {
		return &domain.AuthError{Reason: "cannot encode login request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/login", strings.NewReader(string(body)))
	if err != nil {
		return &domain.AuthError{Reason: "cannot create login request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.AuthError{Reason: "login request failed", Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &domain.AuthError{Reason: "cannot read login response", Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		return &domain.AuthError{Reason: fmt.Sprintf("login returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))}
	}

	var login loginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		return &domain.AuthError{Reason: "cannot decode login response", Cause: err}
	}
	if login.SessionToken == "" {
		return &domain.AuthError{Reason: "login response carried no session token"}
	}

	c.sessionToken = login.SessionToken
	return nil
}

// resolveAccount returns the bank's ID of the account to fetch. With an
// accountNumber configured it must match one of the customer's accounts;
// without one, a single-account customer gets that account.
func (c *Client) resolveAccount(ctx context.Context) (string, error) {
	data, err := c.get(ctx, c.apiURL+"/accounts")
	if err != nil {
		return "", &domain.FetchError{Bank: Name, Op: "list accounts", Cause: err}
	}

	var list accountList
	if err := json.Unmarshal(data, &list); err != nil {
		return "", &domain.FetchError{Bank: Name, Op: "decode accounts", Cause: err}
	}
	if len(list.Accounts) == 0 {
		return "", &domain.FetchError{Bank: Name, Op: "list accounts", Cause: errors.New("customer has no accounts")}
	}

	if c.accountNumber == "" {
		if len(list.Accounts) > 1 {
			return "", &domain.FetchError{Bank: Name, Op: "list accounts",
				Cause: fmt.Errorf("customer has %d accounts, set accountNumber to pick one", len(list.Accounts))}
		}
		return list.Accounts[0].ID, nil
	}

	for _, account := range list.Accounts {
		if account.Number == c.accountNumber {
			return account.ID, nil
		}
	}
	return "", &domain.FetchError{Bank: Name, Op: "list accounts",
		Cause: fmt.Errorf("no account with number %q", c.accountNumber)}
}

// get retrieves an authenticated API resource.
func (c *Client) get(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot create request %q: %w", uri, err)
	}
	req.Header.Set("X-Session-Token", c.sessionToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("cannot read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

type loginRequest struct {
	OrderRef  string `json:"orderRef"`
	Signature string `json:"signature"`
}

type loginResponse struct {
	SessionToken string `json:"sessionToken"`
}

type accountList struct {
	Accounts []struct {
		ID     string `json:"accountId"`
		Number string `json:"accountNumber"`
		Name   string `json:"name"`
	} `json:"accounts"`
}

type transactionList struct {
	Transactions []bankTransaction `json:"transactions"`
}

// bankTransaction mirrors one row of the bank's transaction feed. Booked
// toggles from false to true when a card reservation settles; the ID stays
// the same.
type bankTransaction struct {
	ID     string          `json:"transactionId"`
	Date   string          `json:"transactionDate"`
	Text   string          `json:"text"`
	Memo   string          `json:"memo"`
	Amount decimal.Decimal `json:"amount"`
	Booked bool            `json:"booked"`
}

func (t bankTransaction) toDomain() (domain.Transaction, error) {
	date, err := domain.ParseDate(t.Date)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("transaction %s: %w", t.ID, err)
	}

	return domain.Transaction{
		Date:       date,
		Amount:     t.Amount.Shift(2).Round(0).IntPart(),
		Payee:      t.Text,
		ExternalID: t.ID,
		Notes:      t.Memo,
		Cleared:    t.Booked,
	}, nil
}
