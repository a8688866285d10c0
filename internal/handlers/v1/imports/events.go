package imports

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/sirupsen/logrus"

	"github.com/eklund-io/banksync-server/internal/importer"
	"github.com/eklund-io/banksync-server/internal/logging"
	"github.com/eklund-io/banksync-server/internal/streaming"
)

// heartbeatInterval keeps proxies from timing out idle streams, QR
// authentication can leave long gaps between events.
const heartbeatInterval = 15 * time.Second

// ImportEventsInput is the Huma input for streaming import run events.
type ImportEventsInput struct {
	RunID string `path:"runId" doc:"Run UUID returned by start-import"`
}

// runAttacher is the interface for following a run's event stream.
type runAttacher interface {
	Attach(ctx context.Context, runID string) (*importer.Snapshot, *streaming.Client, error)
	Detach(runID string, client *streaming.Client)
}

// ImportEventsHandler handles GET /v1/imports/{runId}/events.
type ImportEventsHandler struct {
	Manager runAttacher
}

// NewImportEventsHandler creates a new ImportEventsHandler.
func NewImportEventsHandler(manager runAttacher) *ImportEventsHandler {
	return &ImportEventsHandler{Manager: manager}
}

// Register registers the import events stream with the Huma API.
func (h *ImportEventsHandler) Register(api huma.API) {
	sse.Register(api, huma.Operation{
		OperationID: "import-events",
		Method:      http.MethodGet,
		Path:        "/v1/imports/{runId}/events",
		Summary:     "Stream import run events",
		Description: "Replays the run's event history, then streams live events until the run closes. Late subscribers see the full history.",
		Tags:        []string{"Imports"},
	}, map[string]any{
		string(streaming.EventTypeConnected):  streaming.ConnectedEvent{},
		string(streaming.EventTypeProgress):   streaming.ProgressEvent{},
		string(streaming.EventTypeQRCode):     streaming.QRCodeEvent{},
		string(streaming.EventTypeAuthStatus): streaming.AuthStatusEvent{},
		string(streaming.EventTypeSuccess):    streaming.SuccessEvent{},
		string(streaming.EventTypeError):      streaming.ErrorEvent{},
		string(streaming.EventTypeClose):      streaming.CloseEvent{},
		string(streaming.EventTypeHeartbeat):  streaming.HeartbeatEvent{},
	}, h.handle)
}

func (h *ImportEventsHandler) handle(ctx context.Context, input *ImportEventsInput, send sse.Sender) {
	snapshot, client, err := h.Manager.Attach(ctx, input.RunID)
	if err != nil {
		// The SSE response has already started, so the error travels on the
		// stream instead of as a status code.
		_ = send.Data(streaming.ErrorEvent{Message: "run not found"})
		_ = send.Data(streaming.CloseEvent{Success: false, Error: "run not found"})
		return
	}
	defer h.Manager.Detach(input.RunID, client)

	if logData := logging.GetLogData(ctx); logData != nil {
		logData.AddData("runId", input.RunID)
		logData.AddData("replayedEvents", len(snapshot.Events))
	}

	if err := send.Data(streaming.ConnectedEvent{RunID: input.RunID}); err != nil {
		return
	}

	var lastSeq int64
	for _, event := range snapshot.Events {
		if err := send.Data(event.Data); err != nil {
			return
		}
		lastSeq = event.Seq
		if event.Type == streaming.EventTypeClose {
			return
		}
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.WithField("runId", input.RunID).Debug("ImportEvents.client disconnected, run continues")
			return
		case event, ok := <-client.Events:
			if !ok {
				return
			}
			// Events at or below lastSeq were already replayed from the
			// history.
			if event.Seq <= lastSeq {
				continue
			}
			lastSeq = event.Seq
			if err := send.Data(event.Data); err != nil {
				return
			}
			if event.Type == streaming.EventTypeClose {
				return
			}
		case <-heartbeat.C:
			if err := send.Data(streaming.HeartbeatEvent{Timestamp: time.Now()}); err != nil {
				return
			}
		}
	}
}
