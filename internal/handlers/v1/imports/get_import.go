package imports

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/eklund-io/banksync-server/internal/importer"
)

// GetImportInput is the Huma input for reading an import run.
type GetImportInput struct {
	RunID string `path:"runId" doc:"Run UUID returned by start-import"`
}

// GetImportOutput is the Huma output for reading an import run.
type GetImportOutput struct {
	Body Run
}

// runReader is the interface for reading import runs.
type runReader interface {
	Get(runID string) (*importer.Snapshot, error)
}

// GetImportHandler handles GET /v1/imports/{runId}.
type GetImportHandler struct {
	Manager runReader
}

// NewGetImportHandler creates a new GetImportHandler.
func NewGetImportHandler(manager runReader) *GetImportHandler {
	return &GetImportHandler{Manager: manager}
}

// Register registers the get import endpoint with the Huma API.
func (h *GetImportHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-import",
		Method:      http.MethodGet,
		Path:        "/v1/imports/{runId}",
		Summary:     "Read an import run",
		Description: "Returns the current state of an import run. Use the events stream for live progress.",
		Tags:        []string{"Imports"},
	}, h.handle)
}

func (h *GetImportHandler) handle(ctx context.Context, input *GetImportInput) (*GetImportOutput, error) {
	snapshot, err := h.Manager.Get(input.RunID)
	if err != nil {
		if errors.Is(err, importer.ErrRunNotFound) {
			return nil, huma.NewError(http.StatusNotFound, "run not found", err)
		}
		return nil, huma.NewError(http.StatusInternalServerError, "failed to read run", err)
	}

	return &GetImportOutput{Body: Run{
		ID:      snapshot.RunID,
		Profile: snapshot.Profile,
		DryRun:  snapshot.DryRun,
		State:   string(snapshot.State),
	}}, nil
}
