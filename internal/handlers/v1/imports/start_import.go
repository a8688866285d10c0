package imports

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/eklund-io/banksync-server/internal/domain"
	"github.com/eklund-io/banksync-server/internal/importer"
	"github.com/eklund-io/banksync-server/internal/logging"
)

// StartImportBody is the request body for starting an import run.
type StartImportBody struct {
	Profile string `json:"profile" minLength:"1" doc:"Name of the configured profile to import"`
	DryRun  bool   `json:"dryRun,omitempty" doc:"Fetch and reconcile without writing to the ledger"`
}

// StartImportInput is the Huma input for starting an import run.
type StartImportInput struct {
	Body StartImportBody
}

// StartImportOutput is the Huma output for starting an import run.
type StartImportOutput struct {
	Body Run
}

// runStarter is the interface for queueing import runs.
type runStarter interface {
	Start(profileName string, dryRun bool) (string, error)
}

// StartImportHandler handles POST /v1/imports.
type StartImportHandler struct {
	Manager runStarter
}

// NewStartImportHandler creates a new StartImportHandler.
func NewStartImportHandler(manager runStarter) *StartImportHandler {
	return &StartImportHandler{Manager: manager}
}

// Register registers the start import endpoint with the Huma API.
func (h *StartImportHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-import",
		Method:        http.MethodPost,
		Path:          "/v1/imports",
		Summary:       "Start an import run",
		Description:   "Queues an import run for a configured profile and returns its id. Follow the run on its events stream.",
		Tags:          []string{"Imports"},
		DefaultStatus: http.StatusCreated,
	}, h.handle)
}

func (h *StartImportHandler) handle(ctx context.Context, input *StartImportInput) (*StartImportOutput, error) {
	runID, err := h.Manager.Start(input.Body.Profile, input.Body.DryRun)
	if err != nil {
		var configErr *domain.ConfigError
		if errors.As(err, &configErr) {
			return nil, huma.NewError(http.StatusBadRequest, "unknown profile", err)
		}
		return nil, huma.NewError(http.StatusServiceUnavailable, "could not queue the import run", err)
	}

	if logData := logging.GetLogData(ctx); logData != nil {
		logData.AddData("runId", runID)
		logData.AddData("profile", input.Body.Profile)
		logData.AddData("dryRun", input.Body.DryRun)
	}

	return &StartImportOutput{Body: Run{
		ID:      runID,
		Profile: input.Body.Profile,
		DryRun:  input.Body.DryRun,
		State:   string(importer.RunStateQueued),
	}}, nil
}
