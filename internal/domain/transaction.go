package domain

// Transaction is a single bank or ledger transaction. Amount is in signed
// cents, negative for outflows. ExternalID is the bank's stable identifier
// for the transaction and, when present, is the deduplication key.
type Transaction struct {
	Date            Date
	Amount          int64
	Payee           string
	ExternalID      string
	Notes           string
	Cleared         bool
	Subtransactions []Transaction
}

// ImportOutcome summarizes one completed import run.
type ImportOutcome struct {
	Added    int
	Skipped  int
	Replaced int
	DryRun   bool
	Errors   []string
}
