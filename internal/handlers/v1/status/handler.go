package status

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/eklund-io/banksync-server/internal/bank"
)

// StatusResponseBody reports service health and the available bank
// integrations.
type StatusResponseBody struct {
	Status string   `json:"status" doc:"Service health, always ok when reachable"`
	Banks  []string `json:"banks" doc:"Registered bank integrations"`
}

// StatusOutput is the Huma output for the status endpoint.
type StatusOutput struct {
	Body StatusResponseBody
}

// Handler handles GET /v1/status.
type Handler struct {
	registry *bank.Registry
}

// NewHandler creates a new status Handler.
func NewHandler(registry *bank.Registry) *Handler {
	return &Handler{registry: registry}
}

// Register registers the status endpoint with the Huma API.
func (h *Handler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-status",
		Method:      http.MethodGet,
		Path:        "/v1/status",
		Summary:     "Service health",
		Description: "Reports whether the service is up and which bank integrations it carries.",
		Tags:        []string{"Status"},
	}, h.handle)
}

func (h *Handler) handle(ctx context.Context, _ *struct{}) (*StatusOutput, error) {
	return &StatusOutput{Body: StatusResponseBody{
		Status: "ok",
		Banks:  h.registry.Names(),
	}}, nil
}
