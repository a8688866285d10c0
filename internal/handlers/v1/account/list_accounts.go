package account

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/sirupsen/logrus"

	"github.com/eklund-io/banksync-server/internal/domain"
	"github.com/eklund-io/banksync-server/internal/logging"
)

// ListAccountsResponseBody is the response body for listing accounts.
type ListAccountsResponseBody struct {
	Accounts []Account `json:"accounts" doc:"Accounts of the configured ledger budget"`
}

// ListAccountsOutput is the Huma output for listing accounts.
type ListAccountsOutput struct {
	Body ListAccountsResponseBody
}

// LedgerClient is the slice of the ledger client this handler drives. A
// fresh client is used per request and shut down afterwards.
type LedgerClient interface {
	Connect(ctx context.Context) error
	ListAccounts(ctx context.Context) ([]domain.Account, error)
	Shutdown(ctx context.Context) error
}

// ListAccountsHandler handles GET /v1/accounts.
type ListAccountsHandler struct {
	newClient func() LedgerClient
}

// NewListAccountsHandler creates a new ListAccountsHandler. newClient is
// called once per request.
func NewListAccountsHandler(newClient func() LedgerClient) *ListAccountsHandler {
	return &ListAccountsHandler{newClient: newClient}
}

// Register registers the list accounts endpoint with the Huma API.
func (h *ListAccountsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-accounts",
		Method:      http.MethodGet,
		Path:        "/v1/accounts",
		Summary:     "List ledger accounts",
		Description: "Returns the accounts of the configured ledger budget.",
		Tags:        []string{"Accounts"},
	}, h.handle)
}

func (h *ListAccountsHandler) handle(ctx context.Context, _ *struct{}) (*ListAccountsOutput, error) {
	logData := logging.GetLogData(ctx)

	client := h.newClient()
	if err := client.Connect(ctx); err != nil {
		return nil, huma.NewError(http.StatusBadGateway, "could not connect to ledger", err)
	}
	defer func() {
		if err := client.Shutdown(ctx); err != nil {
			logrus.WithError(err).Warn("ListAccounts.ledger shutdown failed")
		}
	}()

	var stopTimer func()
	if logData != nil {
		stopTimer = logData.AddTiming("listAccountsMs")
	}
	accounts, err := client.ListAccounts(ctx)
	if stopTimer != nil {
		stopTimer()
	}
	if err != nil {
		return nil, huma.NewError(http.StatusBadGateway, "failed to list accounts", err)
	}

	if logData != nil {
		logData.AddData("accountCount", len(accounts))
	}

	resp := ListAccountsResponseBody{
		Accounts: make([]Account, len(accounts)),
	}
	for i, acc := range accounts {
		resp.Accounts[i] = Account{
			ID:        acc.ID.String(),
			Name:      acc.Name,
			OffBudget: acc.OffBudget,
			Closed:    acc.Closed,
		}
	}

	return &ListAccountsOutput{Body: resp}, nil
}
