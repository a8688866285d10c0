package bankid

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eklund-io/banksync-server/internal/bank"
	"github.com/eklund-io/banksync-server/internal/domain"
)

// fakeRP serves the relying-party endpoints. Collect responses are played
// from a script; the last entry repeats.
type fakeRP struct {
	mu        sync.Mutex
	script    []collectResponse
	collects  int
	cancels   int
	authDelay time.Duration
	authFail  bool
}

func (f *fakeRP) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth":
			if f.authDelay > 0 {
				time.Sleep(f.authDelay)
			}
			if f.authFail {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			_ = json.NewEncoder(w).Encode(authResponse{
				OrderRef:       "order-1",
				AutoStartToken: "auto-start-token",
				QRStartToken:   testQRStartToken,
				QRStartSecret:  testQRStartSecret,
			})
		case "/collect":
			f.mu.Lock()
			resp := collectResponse{OrderRef: "order-1", Status: "pending"}
			if len(f.script) > 0 {
				idx := f.collects
				if idx >= len(f.script) {
					idx = len(f.script) - 1
				}
				resp = f.script[idx]
			}
			f.collects++
			f.mu.Unlock()
			_ = json.NewEncoder(w).Encode(resp)
		case "/cancel":
			f.mu.Lock()
			f.cancels++
			f.mu.Unlock()
			_ = json.NewEncoder(w).Encode(struct{}{})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func (f *fakeRP) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

func newTestClient(t *testing.T, rp *fakeRP) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(rp.handler())
	t.Cleanup(srv.Close)

	client := NewClient(srv.URL)
	client.PollInterval = 10 * time.Millisecond
	client.QRWait = 2 * time.Second
	return client, srv
}

type updateRecorder struct {
	mu      sync.Mutex
	updates []bank.Update
}

func (r *updateRecorder) record(u bank.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *updateRecorder) all() []bank.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bank.Update, len(r.updates))
	copy(out, r.updates)
	return out
}

func completeResponse() collectResponse {
	resp := collectResponse{OrderRef: "order-1", Status: "complete"}
	resp.CompletionData = &completionData{Signature: "sig"}
	resp.CompletionData.User.PersonalNumber = "190001019876"
	resp.CompletionData.User.Name = "Test Person"
	return resp
}

func TestAuthenticate_EmitsFirstQRBeforeReturning(t *testing.T) {
	rp := &fakeRP{script: []collectResponse{
		{OrderRef: "order-1", Status: "pending", HintCode: "outstandingTransaction"},
		completeResponse(),
	}}
	client, _ := newTestClient(t, rp)

	session := bank.NewSession()
	recorder := &updateRecorder{}
	session.OnUpdate(recorder.record)

	err := client.Authenticate(context.Background(), session, "190001019876")
	require.NoError(t, err)

	updates := recorder.all()
	require.NotEmpty(t, updates)
	assert.Equal(t, bank.StatusPending, updates[0].Status)
	assert.True(t, strings.HasPrefix(updates[0].QRToken, "bankid."+testQRStartToken+"."))
	assert.Equal(t, "auto-start-token", updates[0].AppToken)
}

func TestAuthenticate_PollsUntilComplete(t *testing.T) {
	rp := &fakeRP{script: []collectResponse{
		{OrderRef: "order-1", Status: "pending", HintCode: "outstandingTransaction"},
		{OrderRef: "order-1", Status: "pending", HintCode: "userSign"},
		completeResponse(),
	}}
	client, _ := newTestClient(t, rp)

	session := bank.NewSession()
	require.NoError(t, client.Authenticate(context.Background(), session, ""))

	ticket, err := client.Wait(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ticket)

	assert.Equal(t, "order-1", ticket.OrderRef)
	assert.Equal(t, "190001019876", ticket.PersonalNumber)
	assert.Equal(t, "Test Person", ticket.Name)
	assert.Equal(t, bank.StatusAuthenticated, session.Status())
}

func TestAuthenticate_UserCancelFailsSession(t *testing.T) {
	rp := &fakeRP{script: []collectResponse{
		{OrderRef: "order-1", Status: "failed", HintCode: "userCancel"},
	}}
	client, _ := newTestClient(t, rp)

	session := bank.NewSession()
	require.NoError(t, client.Authenticate(context.Background(), session, ""))

	_, err := client.Wait(context.Background())
	require.Error(t, err)

	var authErr *domain.AuthError
	assert.ErrorAs(t, err, &authErr)
	assert.Contains(t, err.Error(), "cancelled")
	assert.Equal(t, bank.StatusFailed, session.Status())
}

func TestAuthenticate_ExpiredTransactionExpiresSession(t *testing.T) {
	rp := &fakeRP{script: []collectResponse{
		{OrderRef: "order-1", Status: "failed", HintCode: "expiredTransaction"},
	}}
	client, _ := newTestClient(t, rp)

	session := bank.NewSession()
	require.NoError(t, client.Authenticate(context.Background(), session, ""))

	_, err := client.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, bank.StatusExpired, session.Status())
}

func TestAuthenticate_TimesOutWaitingForToken(t *testing.T) {
	rp := &fakeRP{
		authDelay: 300 * time.Millisecond,
		script:    []collectResponse{completeResponse()},
	}
	client, _ := newTestClient(t, rp)
	client.QRWait = 50 * time.Millisecond

	session := bank.NewSession()
	err := client.Authenticate(context.Background(), session, "")
	require.Error(t, err)

	var timeoutErr *domain.TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, bank.StatusExpired, session.Status())
}

func TestAuthenticate_AuthEndpointFailure(t *testing.T) {
	rp := &fakeRP{authFail: true}
	client, _ := newTestClient(t, rp)

	session := bank.NewSession()
	err := client.Authenticate(context.Background(), session, "")
	require.Error(t, err)

	var authErr *domain.AuthError
	assert.ErrorAs(t, err, &authErr)
	assert.Equal(t, bank.StatusFailed, session.Status())
}

func TestAuthenticate_SecondAttemptRejected(t *testing.T) {
	rp := &fakeRP{script: []collectResponse{completeResponse()}}
	client, _ := newTestClient(t, rp)

	session := bank.NewSession()
	require.NoError(t, client.Authenticate(context.Background(), session, ""))
	_, err := client.Wait(context.Background())
	require.NoError(t, err)

	other := NewClient(client.BaseURL)
	err = other.Authenticate(context.Background(), session, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, bank.ErrAuthInProgress)
}

func TestCancel_StopsPollingAndCancelsRemoteOrder(t *testing.T) {
	rp := &fakeRP{script: []collectResponse{
		{OrderRef: "order-1", Status: "pending", HintCode: "outstandingTransaction"},
	}}
	client, _ := newTestClient(t, rp)

	session := bank.NewSession()
	require.NoError(t, client.Authenticate(context.Background(), session, ""))

	assert.NoError(t, client.Cancel(context.Background()))
	assert.NoError(t, client.Cancel(context.Background()))

	_, err := client.Wait(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, rp.cancelCount())
	assert.Equal(t, bank.StatusFailed, session.Status())
}

func TestCancel_BeforeAuthenticateIsSafe(t *testing.T) {
	client := NewClient("http://127.0.0.1:0")
	assert.NoError(t, client.Cancel(context.Background()))
}

func TestWait_RespectsContext(t *testing.T) {
	rp := &fakeRP{script: []collectResponse{
		{OrderRef: "order-1", Status: "pending"},
	}}
	client, _ := newTestClient(t, rp)

	session := bank.NewSession()
	require.NoError(t, client.Authenticate(context.Background(), session, ""))
	defer func() { _ = client.Cancel(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
