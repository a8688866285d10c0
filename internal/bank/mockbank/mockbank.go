// Package mockbank is a deterministic in-process bank integration for
// development and tests. It needs no credentials, never leaves the
// process, and can replay every authentication outcome.
package mockbank

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/eklund-io/banksync-server/internal/bank"
	"github.com/eklund-io/banksync-server/internal/dedup"
	"github.com/eklund-io/banksync-server/internal/domain"
)

// Name is the registry key of this integration.
const Name = "mockbank"

var payees = []string{"MOCK GROCERY", "MOCK CAFE", "MOCK TRANSIT", "MOCK PHARMACY"}

// Register adds the integration to a registry.
func Register(registry *bank.Registry) {
	registry.Register(Name, func() bank.Client { return NewClient() })
}

// Client synthesizes one deterministic transaction set per date range.
type Client struct {
	session *bank.Session

	authMode      string
	perDay        int
	qrRotations   int
	rotationDelay time.Duration

	authenticated bool
}

// NewClient creates a Client with instant authentication and one
// transaction per day.
func NewClient() *Client {
	return &Client{
		session:       bank.NewSession(),
		authMode:      "instant",
		perDay:        1,
		qrRotations:   3,
		rotationDelay: 400 * time.Millisecond,
	}
}

// Initialize accepts the params authMode (instant, qr, fail, expire),
// perDay (transactions per day, default 1) and rotationDelayMs (delay
// between QR rotations in qr mode).
func (c *Client) Initialize(ctx context.Context, params map[string]string) error {
	if mode, ok := params["authMode"]; ok {
		switch mode {
		case "instant", "qr", "fail", "expire":
			c.authMode = mode
		default:
			return &domain.ConfigError{Field: "authMode", Reason: fmt.Sprintf("unknown mode %q, want instant, qr, fail or expire", mode)}
		}
	}

	if raw, ok := params["perDay"]; ok {
		perDay, err := strconv.Atoi(raw)
		if err != nil || perDay < 1 {
			return &domain.ConfigError{Field: "perDay", Reason: "must be a positive integer"}
		}
		c.perDay = perDay
	}

	if raw, ok := params["rotationDelayMs"]; ok {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			return &domain.ConfigError{Field: "rotationDelayMs", Reason: "must be a non-negative integer"}
		}
		c.rotationDelay = time.Duration(ms) * time.Millisecond
	}

	return nil
}

// Session returns the authentication session of this run.
func (c *Client) Session() *bank.Session {
	return c.session
}

// Matcher returns nil, mockbank uses the default drop rule.
func (c *Client) Matcher() dedup.Matcher {
	return nil
}

// FetchTransactions synthesizes the transactions of [start, end]. The
// first call plays the configured authentication script.
func (c *Client) FetchTransactions(ctx context.Context, start, end domain.Date) ([]domain.Transaction, error) {
	if start.After(end) {
		return nil, &domain.FetchError{Bank: Name, Op: "validate date range", Cause: domain.ErrInvalidRange}
	}

	if err := c.ensureAuthenticated(ctx); err != nil {
		return nil, err
	}

	var transactions []domain.Transaction
	dayIndex := 0
	for day := start; !day.After(end); day = day.AddDays(1) {
		for n := 0; n < c.perDay; n++ {
			transactions = append(transactions, domain.Transaction{
				Date:       day,
				Amount:     -int64(500 + dayIndex*100 + n*25),
				Payee:      payees[(dayIndex+n)%len(payees)],
				ExternalID: fmt.Sprintf("mock-%s-%d", day, n),
				Cleared:    true,
			})
		}
		dayIndex++
	}
	return transactions, nil
}

// Cleanup is a no-op; mockbank holds no external resources.
func (c *Client) Cleanup(ctx context.Context) error {
	return nil
}

func (c *Client) ensureAuthenticated(ctx context.Context) error {
	if c.authenticated {
		return nil
	}

	if err := c.session.Begin(); err != nil {
		return &domain.AuthError{Reason: "cannot start authentication", Cause: err}
	}

	switch c.authMode {
	case "fail":
		c.session.Pending("mockbank.qr.0", "mockbank.app-token", "waiting for user")
		c.session.Fail("mock authentication rejected")
		return &domain.AuthError{Reason: "mock authentication rejected"}

	case "expire":
		c.session.Pending("mockbank.qr.0", "mockbank.app-token", "waiting for user")
		c.session.Expire("authentication window expired")
		return &domain.AuthError{Reason: "authentication window expired"}

	case "qr":
		for i := 0; i < c.qrRotations; i++ {
			c.session.Pending(fmt.Sprintf("mockbank.qr.%d", i), "mockbank.app-token", "waiting for user")
			select {
			case <-ctx.Done():
				c.session.Fail("authentication aborted")
				return &domain.AuthError{Reason: "authentication aborted", Cause: ctx.Err()}
			case <-time.After(c.rotationDelay):
			}
		}
	}

	c.session.Authenticated("authentication complete")
	c.authenticated = true
	return nil
}
