package bank

import (
	"errors"
	"sync"
	"time"
)

// Status is the authentication state of a Session.
type Status string

const (
	// StatusIdle means authentication has not started yet.
	StatusIdle Status = "idle"
	// StatusPending means the bank is waiting for the user to confirm,
	// typically by scanning a QR code or approving in the bank's app.
	StatusPending Status = "pending"
	// StatusAuthenticated means the bank accepted the authentication.
	StatusAuthenticated Status = "authenticated"
	// StatusFailed means the bank rejected or the user cancelled.
	StatusFailed Status = "failed"
	// StatusExpired means the authentication window closed unused.
	StatusExpired Status = "expired"
)

// terminal reports whether no further transitions can follow.
func (s Status) terminal() bool {
	return s == StatusAuthenticated || s == StatusFailed || s == StatusExpired
}

// Update is one observable change of a Session. Pending updates repeat
// while the bank refreshes token material; QRToken and AppToken carry the
// current values to present to the user.
type Update struct {
	Status   Status
	QRToken  string
	AppToken string
	Message  string
	At       time.Time
}

// ErrAuthInProgress is returned by Begin when the session already has an
// authentication attempt in flight.
var ErrAuthInProgress = errors.New("authentication already in progress")

// Session tracks the single authentication attempt of an import run and
// fans every change out to its observers. Observers are invoked
// synchronously, in subscription order, on the goroutine that emitted the
// change. Session state is never persisted.
type Session struct {
	notifyMu sync.Mutex

	mu        sync.Mutex
	status    Status
	began     bool
	observers []func(Update)
}

// NewSession creates an idle Session.
func NewSession() *Session {
	return &Session{status: StatusIdle}
}

// OnUpdate subscribes fn to all subsequent session changes.
func (s *Session) OnUpdate(fn func(Update)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Status returns the current authentication state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Done reports whether the session reached a terminal state.
func (s *Session) Done() bool {
	return s.Status().terminal()
}

// Begin claims the session for one authentication attempt. A second call
// before the first attempt finished returns ErrAuthInProgress.
func (s *Session) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.began && !s.status.terminal() {
		return ErrAuthInProgress
	}
	if s.status.terminal() {
		return ErrAuthInProgress
	}
	s.began = true
	return nil
}

// Pending emits a pending update carrying fresh token material. Repeated
// calls are expected while the bank rotates QR payloads.
func (s *Session) Pending(qrToken, appToken, message string) {
	s.emit(Update{Status: StatusPending, QRToken: qrToken, AppToken: appToken, Message: message})
}

// Authenticated marks the session successfully authenticated.
func (s *Session) Authenticated(message string) {
	s.emit(Update{Status: StatusAuthenticated, Message: message})
}

// Fail marks the session failed.
func (s *Session) Fail(message string) {
	s.emit(Update{Status: StatusFailed, Message: message})
}

// Expire marks the session expired.
func (s *Session) Expire(message string) {
	s.emit(Update{Status: StatusExpired, Message: message})
}

// emit applies the update and notifies observers. Updates after a terminal
// state are discarded, so racing completion and cleanup paths cannot emit
// a second terminal status.
func (s *Session) emit(update Update) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.status.terminal() {
		s.mu.Unlock()
		return
	}
	s.status = update.Status
	observers := make([]func(Update), len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	if update.At.IsZero() {
		update.At = time.Now()
	}

	for _, fn := range observers {
		fn(update)
	}
}
