package account

// Account is the API response model for a ledger account.
type Account struct {
	ID        string `json:"id" doc:"Account UUID"`
	Name      string `json:"name" doc:"Account name"`
	OffBudget bool   `json:"offBudget" doc:"True when the account is tracked outside the budget"`
	Closed    bool   `json:"closed" doc:"True when the account is closed"`
}
