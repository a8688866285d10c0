package domain

import (
	"github.com/gofrs/uuid/v5"
)

// DedupConfig controls deduplication for one profile.
type DedupConfig struct {
	Enabled     bool
	OverlapDays int
}

// Profile binds a bank integration to a ledger account. Profiles come from
// static configuration and are read-only at runtime.
type Profile struct {
	Name            string
	Bank            string
	BankParams      map[string]string
	LedgerAccountID uuid.UUID
	Dedup           DedupConfig
}

// Account represents a ledger account.
type Account struct {
	ID        uuid.UUID
	Name      string
	OffBudget bool
	Closed    bool
}
