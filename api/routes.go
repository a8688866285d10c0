package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/sirupsen/logrus"

	"github.com/eklund-io/banksync-server/internal/bank"
	"github.com/eklund-io/banksync-server/internal/domain"
	"github.com/eklund-io/banksync-server/internal/handlers/v1/account"
	"github.com/eklund-io/banksync-server/internal/handlers/v1/imports"
	"github.com/eklund-io/banksync-server/internal/handlers/v1/profile"
	"github.com/eklund-io/banksync-server/internal/handlers/v1/status"
	"github.com/eklund-io/banksync-server/internal/importer"
	"github.com/eklund-io/banksync-server/internal/ledger"
	"github.com/eklund-io/banksync-server/internal/logging"
)

type Rest struct {
	Logger    *logrus.Logger
	Port      int
	Registry  *bank.Registry
	Manager   *importer.Manager
	NewLedger func() *ledger.Client
	Profiles  []domain.Profile
}

func (r *Rest) Serve() {
	mux := http.NewServeMux()
	api := humago.New(mux, huma.DefaultConfig("Banksync Server", "1.0.0"))
	api.UseMiddleware(logging.Middleware(r.Logger))

	status.NewHandler(r.Registry).Register(api)
	profile.NewListProfilesHandler(r.Profiles).Register(api)
	account.NewListAccountsHandler(func() account.LedgerClient { return r.NewLedger() }).Register(api)
	imports.NewStartImportHandler(r.Manager).Register(api)
	imports.NewGetImportHandler(r.Manager).Register(api)
	imports.NewImportEventsHandler(r.Manager).Register(api)

	// Browser UI, served when a build is shipped alongside the binary.
	mux.Handle("/", http.FileServer(http.Dir("static")))

	server := http.Server{
		Addr:        ":" + strconv.Itoa(r.Port),
		Handler:     mux,
		ReadTimeout: time.Duration(30) * time.Second,
		// Event streams stay open for the lifetime of a run, so no
		// write deadline.
		WriteTimeout:      0,
		IdleTimeout:       time.Duration(10) * time.Second,
		ReadHeaderTimeout: time.Duration(10) * time.Second,
	}

	r.Logger.WithField("port", r.Port).Info("HttpServer.Serve.listening")
	err := server.ListenAndServe()
	if err != nil {
		r.Logger.WithError(err).Error("HttpServer.Serve.listen error")
	}
	r.Logger.Info("HttpServer.Serve.shutting down")
}
