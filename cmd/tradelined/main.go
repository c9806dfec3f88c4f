package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradeline/config"
	"tradeline/core"
	"tradeline/core/events"
	"tradeline/core/types"
	"tradeline/observability/logging"
	"tradeline/rpc"
	"tradeline/storage"
)

// eventCarrier is implemented by engine events that wrap a typed payload.
type eventCarrier interface {
	Event() *types.Event
}

// slogEmitter publishes ledger events to the structured log so off-chain
// observers can tail transitions without polling storage.
type slogEmitter struct {
	logger *slog.Logger
}

func (e slogEmitter) Emit(evt events.Event) {
	if evt == nil {
		return
	}
	carrier, ok := evt.(eventCarrier)
	if !ok || carrier.Event() == nil {
		e.logger.Info("ledger event", "type", evt.EventType())
		return
	}
	payload := carrier.Event()
	args := make([]any, 0, 2+2*len(payload.Attributes))
	args = append(args, "type", payload.Type)
	for key, value := range payload.Attributes {
		args = append(args, key, value)
	}
	e.logger.Info("ledger event", args...)
}

func main() {
	configPath := flag.String("config", "tradeline.toml", "path to the daemon configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}

	logger := logging.Setup("tradelined", cfg.Environment)

	if cfg.DeployerAddress == "" {
		logger.Error("DeployerAddress must be configured; the passport registry handoff cannot run without it")
		os.Exit(1)
	}
	deployer := [20]byte(common.HexToAddress(cfg.DeployerAddress))

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open database", "dir", cfg.DataDir, "err", err)
		os.Exit(1)
	}
	defer db.Close()

	node := core.NewNode(db)
	node.SetEmitter(slogEmitter{logger: logger})

	// The minting authority handoff must land before any escrow completes.
	if err := node.SetupPassport(deployer); err != nil {
		logger.Error("passport registry setup failed", "err", err)
		os.Exit(1)
	}
	logger.Info("passport registry ready")

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting metrics server", "addr", cfg.MetricsAddress)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "err", err)
		}
	}()

	server := rpc.NewServer(node)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.RPCAddress)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("rpc server failed", "err", err)
			os.Exit(1)
		}
	}
}
