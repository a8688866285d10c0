// Package cache keeps a local sqlite mirror of one budget's transactions so
// that start-date lookups and deduplication queries never block on the ledger
// server.
package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/eklund-io/banksync-server/internal/domain"
)

// MigrationsFS holds the cache schema migrations. Open applies them, and
// scripts/cache_migrations applies them to existing cache files in bulk.
//
//go:embed migrations/*.sql
var MigrationsFS embed.FS

// Row is one synced ledger transaction as stored in the mirror.
type Row struct {
	ID         string
	AccountID  uuid.UUID
	Date       domain.Date
	Amount     int64
	Payee      string
	ExternalID string
	Notes      string
	Cleared    bool
}

// Cache is the sqlite mirror for a single budget.
type Cache struct {
	db       *sql.DB
	budgetID string
}

// Open opens the cache file for the given budget under dir, creating the file
// and bringing the schema up to date as needed.
func Open(dir string, budgetID uuid.UUID) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	path := filepath.Join(dir, budgetID.String()+".db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}
	// modernc sqlite allows a single writer per database file.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Cache{db: db, budgetID: budgetID.String()}, nil
}

func runMigrations(db *sql.DB) error {
	source, err := iofs.New(MigrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load cache migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to prepare cache migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to prepare cache migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate cache schema: %w", err)
	}
	return nil
}

// Close closes the underlying database file.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Cursor returns the sync position recorded by the last ApplyPage, or the
// empty string when the budget has never been synced.
func (c *Cache) Cursor(ctx context.Context) (string, error) {
	var cursor string
	err := c.db.QueryRowContext(ctx,
		`SELECT cursor FROM sync_state WHERE budget_id = ?`, c.budgetID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read sync cursor: %w", err)
	}
	return cursor, nil
}

// ApplyPage upserts one page of synced transactions and advances the cursor,
// all in a single database transaction.
func (c *Cache) ApplyPage(ctx context.Context, cursor string, rows []Row) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin cache transaction: %w", err)
	}
	defer tx.Rollback()

	for _, row := range rows {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transactions (id, budget_id, account_id, date, amount, payee, external_id, notes, cleared)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				account_id = excluded.account_id,
				date = excluded.date,
				amount = excluded.amount,
				payee = excluded.payee,
				external_id = excluded.external_id,
				notes = excluded.notes,
				cleared = excluded.cleared`,
			row.ID, c.budgetID, row.AccountID.String(), row.Date.String(), row.Amount,
			row.Payee, row.ExternalID, row.Notes, row.Cleared)
		if err != nil {
			return fmt.Errorf("failed to upsert cached transaction: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_state (budget_id, cursor, synced_at)
		VALUES (?, ?, ?)
		ON CONFLICT (budget_id) DO UPDATE SET
			cursor = excluded.cursor,
			synced_at = excluded.synced_at`,
		c.budgetID, cursor, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save sync cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache transaction: %w", err)
	}
	return nil
}

// Invalidate drops every cached transaction for the budget and resets the
// cursor so the next sync starts from scratch.
func (c *Cache) Invalidate(ctx context.Context) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin cache transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE budget_id = ?`, c.budgetID); err != nil {
		return fmt.Errorf("failed to clear cached transactions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_state WHERE budget_id = ?`, c.budgetID); err != nil {
		return fmt.Errorf("failed to clear sync cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cache transaction: %w", err)
	}
	return nil
}

// LatestTransactionDate returns the date of the newest cached transaction on
// the account, or nil when the account has none.
func (c *Cache) LatestTransactionDate(ctx context.Context, accountID uuid.UUID) (*domain.Date, error) {
	var raw string
	err := c.db.QueryRowContext(ctx, `
		SELECT date FROM transactions
		WHERE budget_id = ? AND account_id = ?
		ORDER BY date DESC LIMIT 1`,
		c.budgetID, accountID.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest transaction date: %w", err)
	}

	date, err := domain.ParseDate(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cached transaction date %q: %w", raw, err)
	}
	return &date, nil
}

// TransactionsSince returns the cached transactions on the account dated on
// or after since, oldest first.
func (c *Cache) TransactionsSince(ctx context.Context, accountID uuid.UUID, since domain.Date) ([]domain.Transaction, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT date, amount, payee, external_id, notes, cleared FROM transactions
		WHERE budget_id = ? AND account_id = ? AND date >= ?
		ORDER BY date, id`,
		c.budgetID, accountID.String(), since.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query cached transactions: %w", err)
	}
	defer rows.Close()

	var result []domain.Transaction
	for rows.Next() {
		var (
			raw string
			t   domain.Transaction
		)
		if err := rows.Scan(&raw, &t.Amount, &t.Payee, &t.ExternalID, &t.Notes, &t.Cleared); err != nil {
			return nil, fmt.Errorf("failed to scan cached transaction: %w", err)
		}
		date, err := domain.ParseDate(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse cached transaction date %q: %w", raw, err)
		}
		t.Date = date
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read cached transactions: %w", err)
	}
	return result, nil
}
