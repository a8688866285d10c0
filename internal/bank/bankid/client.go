// Package bankid drives the BankID relying-party flow: start an order,
// present animated QR codes while the user confirms in their app, poll
// collect until the order completes or dies, cancel on cleanup.
package bankid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"

	"github.com/eklund-io/banksync-server/internal/bank"
	"github.com/eklund-io/banksync-server/internal/domain"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultQRWait       = 30 * time.Second
)

// Ticket is the proof of a completed authentication, taken from the
// order's completion data.
type Ticket struct {
	OrderRef       string
	PersonalNumber string
	Name           string
	Signature      string
}

// Client runs one authentication order against a BankID relying-party
// endpoint. PollInterval and QRWait default to the production values when
// zero; tests shorten them.
type Client struct {
	BaseURL      string
	HTTPClient   *http.Client
	EndUserIP    string
	PollInterval time.Duration
	QRWait       time.Duration

	mu         sync.Mutex
	session    *bank.Session
	order      *authResponse
	ticket     *Ticket
	err        error
	done       chan struct{}
	finishOnce sync.Once
	cancelPoll context.CancelFunc
	cancelOnce sync.Once
}

// NewClient creates a Client for the given relying-party base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		done:    make(chan struct{}),
	}
}

type authRequest struct {
	EndUserIP      string `json:"endUserIp"`
	PersonalNumber string `json:"personalNumber,omitempty"`
}

type authResponse struct {
	OrderRef       string `json:"orderRef"`
	AutoStartToken string `json:"autoStartToken"`
	QRStartToken   string `json:"qrStartToken"`
	QRStartSecret  string `json:"qrStartSecret"`
}

type collectRequest struct {
	OrderRef string `json:"orderRef"`
}

type collectResponse struct {
	OrderRef       string          `json:"orderRef"`
	Status         string          `json:"status"`
	HintCode       string          `json:"hintCode,omitempty"`
	CompletionData *completionData `json:"completionData,omitempty"`
}

type completionData struct {
	User struct {
		PersonalNumber string `json:"personalNumber"`
		Name           string `json:"name"`
		GivenName      string `json:"givenName"`
		Surname        string `json:"surname"`
	} `json:"user"`
	Signature string `json:"signature"`
}

// Authenticate starts the order and blocks until the first scannable QR
// payload has been emitted on the session, the wait window elapses, or the
// order cannot be started. Polling continues in the background and drives
// the session to its terminal status; use Wait to observe it.
func (c *Client) Authenticate(ctx context.Context, session *bank.Session, personalNumber string) error {
	if err := session.Begin(); err != nil {
		return &domain.AuthError{Reason: "cannot start authentication", Cause: err}
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	pollCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelPoll = cancel
	c.mu.Unlock()

	ready := make(chan error, 1)
	go c.run(pollCtx, personalNumber, ready)

	select {
	case err := <-ready:
		if err != nil {
			session.Fail(err.Error())
			return err
		}
		return nil
	case <-time.After(c.qrWait()):
		cancel()
		err := &domain.TimeoutError{Op: "waiting for QR token", Wait: c.qrWait()}
		session.Expire(err.Error())
		c.finish(nil, err)
		return err
	case <-ctx.Done():
		cancel()
		session.Fail("authentication aborted")
		err := &domain.AuthError{Reason: "authentication aborted", Cause: ctx.Err()}
		c.finish(nil, err)
		return err
	}
}

// Wait blocks until the order reaches a terminal status and returns the
// ticket of a completed authentication, or the error that ended it.
func (c *Client) Wait(ctx context.Context) (*Ticket, error) {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.ticket, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel stops polling and cancels the remote order best-effort. It is
// idempotent and never fails the caller.
func (c *Client) Cancel(ctx context.Context) error {
	c.cancelOnce.Do(func() {
		c.mu.Lock()
		cancel := c.cancelPoll
		order := c.order
		session := c.session
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}

		if order != nil && (session == nil || session.Status() != bank.StatusAuthenticated) {
			if err := c.post(ctx, "/cancel", collectRequest{OrderRef: order.OrderRef}, nil); err != nil {
				logrus.WithError(err).Debug("BankID.Cancel.remote cancel failed")
			}
		}

		if session != nil {
			session.Fail("authentication cancelled")
		}
		c.finish(nil, &domain.AuthError{Reason: "authentication cancelled"})
	})
	return nil
}

// run starts the order, emits the first QR payload, and polls collect.
func (c *Client) run(ctx context.Context, personalNumber string, ready chan<- error) {
	var order authResponse
	err := c.post(ctx, "/auth", authRequest{EndUserIP: c.endUserIP(), PersonalNumber: personalNumber}, &order)
	if err != nil {
		authErr := &domain.AuthError{Reason: "could not start authentication order", Cause: err}
		c.finish(nil, authErr)
		ready <- authErr
		return
	}

	startedAt := time.Now()
	c.mu.Lock()
	c.order = &order
	session := c.session
	c.mu.Unlock()

	session.Pending(QRPayload(order.QRStartToken, order.QRStartSecret, 0), order.AutoStartToken, "waiting for user")
	ready <- nil

	c.poll(ctx, session, &order, startedAt)
}

func (c *Client) poll(ctx context.Context, session *bank.Session, order *authResponse, startedAt time.Time) {
	ticker := time.NewTicker(c.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			session.Fail("authentication aborted")
			c.finish(nil, &domain.AuthError{Reason: "authentication aborted", Cause: ctx.Err()})
			return
		case <-ticker.C:
		}

		var status collectResponse
		if err := c.post(ctx, "/collect", collectRequest{OrderRef: order.OrderRef}, &status); err != nil {
			if ctx.Err() != nil {
				session.Fail("authentication aborted")
				c.finish(nil, &domain.AuthError{Reason: "authentication aborted", Cause: ctx.Err()})
				return
			}
			session.Fail("lost contact with the authentication service")
			c.finish(nil, &domain.AuthError{Reason: "collect failed", Cause: err})
			return
		}

		switch status.Status {
		case "complete":
			ticket := &Ticket{OrderRef: order.OrderRef}
			if status.CompletionData != nil {
				ticket.PersonalNumber = status.CompletionData.User.PersonalNumber
				ticket.Name = status.CompletionData.User.Name
				ticket.Signature = status.CompletionData.Signature
			}
			session.Authenticated("authentication complete")
			c.finish(ticket, nil)
			return

		case "failed":
			if status.HintCode == "expiredTransaction" {
				message := "authentication window expired"
				session.Expire(message)
				c.finish(nil, &domain.AuthError{Reason: message})
				return
			}
			message := failureMessage(status.HintCode)
			session.Fail(message)
			c.finish(nil, &domain.AuthError{Reason: message})
			return

		default:
			seconds := int64(time.Since(startedAt).Seconds())
			session.Pending(
				QRPayload(order.QRStartToken, order.QRStartSecret, seconds),
				order.AutoStartToken,
				pendingMessage(status.HintCode),
			)
		}
	}
}

// finish records the terminal result exactly once and releases Wait.
func (c *Client) finish(ticket *Ticket, err error) {
	c.finishOnce.Do(func() {
		c.mu.Lock()
		c.ticket = ticket
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("cannot encode %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("cannot create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("cannot execute %s request: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("cannot read %s response: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("cannot decode %s response: %w", path, err)
	}

	if logrus.IsLevelEnabled(logrus.DebugLevel) {
		logrus.Debugf("BankID.post.%s response: %s", path, spew.Sdump(out))
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) pollInterval() time.Duration {
	if c.PollInterval > 0 {
		return c.PollInterval
	}
	return defaultPollInterval
}

func (c *Client) qrWait() time.Duration {
	if c.QRWait > 0 {
		return c.QRWait
	}
	return defaultQRWait
}

func (c *Client) endUserIP() string {
	if c.EndUserIP != "" {
		return c.EndUserIP
	}
	return "127.0.0.1"
}

func pendingMessage(hintCode string) string {
	switch hintCode {
	case "outstandingTransaction":
		return "waiting for the BankID app to start"
	case "started":
		return "BankID app started, waiting for user"
	case "userSign":
		return "waiting for the user to sign"
	default:
		return "waiting for user"
	}
}

func failureMessage(hintCode string) string {
	switch hintCode {
	case "userCancel":
		return "authentication cancelled by user"
	case "certificateErr":
		return "BankID certificate error"
	case "startFailed":
		return "BankID app failed to start"
	default:
		return "authentication failed"
	}
}
