// Package bank defines the capability surface a bank integration offers to
// an import run, plus the authentication session and the integration
// registry. Integrations live in subpackages and register themselves by
// name at startup.
package bank

import (
	"context"

	"github.com/eklund-io/banksync-server/internal/dedup"
	"github.com/eklund-io/banksync-server/internal/domain"
)

// Client is one bank integration bound to a single import run. A run
// drives its client sequentially; implementations are not safe for
// concurrent use.
type Client interface {
	// Initialize validates params and prepares the client. It performs no
	// network calls; malformed params surface as *domain.ConfigError.
	Initialize(ctx context.Context, params map[string]string) error

	// Session returns the client's authentication session. Observers
	// subscribed to it see every status change of the run's single
	// authentication attempt.
	Session() *Session

	// FetchTransactions returns every transaction dated between start and
	// end, both inclusive. The first call authenticates the session. An
	// error means no transactions were obtained, there are never partial
	// results.
	FetchTransactions(ctx context.Context, start, end domain.Date) ([]domain.Transaction, error)

	// Matcher returns the bank's deduplication rule, or nil for the
	// default rule of dropping matched transactions.
	Matcher() dedup.Matcher

	// Cleanup releases the session and any other resources. It is
	// idempotent and safe to call even when Initialize failed.
	Cleanup(ctx context.Context) error
}
