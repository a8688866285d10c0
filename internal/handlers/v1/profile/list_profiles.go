package profile

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/eklund-io/banksync-server/internal/domain"
	"github.com/eklund-io/banksync-server/internal/logging"
)

// Profile is the API response model for an import profile. Bank params are
// never exposed, they can carry personal identifiers.
type Profile struct {
	Name            string `json:"name" doc:"Profile name"`
	Bank            string `json:"bank" doc:"Bank integration the profile uses"`
	LedgerAccountID string `json:"ledgerAccountId" doc:"Ledger account UUID the profile imports into"`
	DedupEnabled    bool   `json:"dedupEnabled" doc:"Whether deduplication is enabled"`
	OverlapDays     int    `json:"overlapDays" doc:"Days before the fetch start checked for duplicates"`
}

// ListProfilesResponseBody is the response body for listing profiles.
type ListProfilesResponseBody struct {
	Profiles []Profile `json:"profiles" doc:"Configured import profiles"`
}

// ListProfilesOutput is the Huma output for listing profiles.
type ListProfilesOutput struct {
	Body ListProfilesResponseBody
}

// ListProfilesHandler handles GET /v1/profiles.
type ListProfilesHandler struct {
	profiles []domain.Profile
}

// NewListProfilesHandler creates a new ListProfilesHandler.
func NewListProfilesHandler(profiles []domain.Profile) *ListProfilesHandler {
	return &ListProfilesHandler{profiles: profiles}
}

// Register registers the list profiles endpoint with the Huma API.
func (h *ListProfilesHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-profiles",
		Method:      http.MethodGet,
		Path:        "/v1/profiles",
		Summary:     "List import profiles",
		Description: "Returns the configured import profiles without their bank parameters.",
		Tags:        []string{"Profiles"},
	}, h.handle)
}

func (h *ListProfilesHandler) handle(ctx context.Context, _ *struct{}) (*ListProfilesOutput, error) {
	if logData := logging.GetLogData(ctx); logData != nil {
		logData.AddData("profileCount", len(h.profiles))
	}

	resp := ListProfilesResponseBody{
		Profiles: make([]Profile, len(h.profiles)),
	}
	for i, p := range h.profiles {
		resp.Profiles[i] = Profile{
			Name:            p.Name,
			Bank:            p.Bank,
			LedgerAccountID: p.LedgerAccountID.String(),
			DedupEnabled:    p.Dedup.Enabled,
			OverlapDays:     p.Dedup.OverlapDays,
		}
	}

	return &ListProfilesOutput{Body: resp}, nil
}
