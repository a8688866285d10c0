package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/eklund-io/banksync-server/api"
	"github.com/eklund-io/banksync-server/internal/bank"
	"github.com/eklund-io/banksync-server/internal/bank/icabanken"
	"github.com/eklund-io/banksync-server/internal/bank/mockbank"
	"github.com/eklund-io/banksync-server/internal/config"
	"github.com/eklund-io/banksync-server/internal/importer"
	"github.com/eklund-io/banksync-server/internal/ledger"
	"github.com/eklund-io/banksync-server/internal/logging"
	"github.com/eklund-io/banksync-server/internal/streaming"
)

// numRunWorkers caps how many import runs execute at once.
const numRunWorkers = 4

func main() {
	cfg, err := config.Load(os.Getenv("BANKSYNC_CONFIG"))
	if err != nil {
		logrus.WithError(err).Fatal("config.Load")
		return
	}

	logger := logging.SetupLogging(cfg.LogLevel)
	logrus.Info("banksync-server starting")

	registry := bank.NewRegistry()
	icabanken.Register(registry)
	mockbank.Register(registry)

	newLedger := func() *ledger.Client {
		return ledger.NewClient(ledger.Config{
			ServerURL:     cfg.Ledger.ServerURL,
			Password:      cfg.Ledger.Password,
			SyncID:        cfg.Ledger.SyncID,
			EncryptionKey: cfg.Ledger.EncryptionKey,
			CacheDir:      cfg.Ledger.CacheDir,
			HTTPClient:    &http.Client{Timeout: cfg.Ledger.Timeout},
		})
	}

	runner := importer.NewRunner(numRunWorkers)
	runner.Start()

	orchestrator := importer.NewOrchestrator(registry, func() importer.LedgerClient {
		return newLedger()
	})
	manager := importer.NewManager(orchestrator, runner, streaming.NewHub(), cfg.Profiles)

	go func() {
		httpRest := api.Rest{
			Logger:    logger,
			Port:      cfg.Port,
			Registry:  registry,
			Manager:   manager,
			NewLedger: newLedger,
			Profiles:  cfg.Profiles,
		}
		httpRest.Serve()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logrus.Info("banksync-server stopping, waiting for running imports")
	runner.Stop()
}
