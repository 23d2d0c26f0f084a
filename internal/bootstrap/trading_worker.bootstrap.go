package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/krobus00/trading-core/internal/audit"
	"github.com/krobus00/trading-core/internal/config"
	httpHandler "github.com/krobus00/trading-core/internal/handler/trading/http"
	"github.com/krobus00/trading-core/internal/infrastructure"
	"github.com/krobus00/trading-core/internal/repository"
	"github.com/krobus00/trading-core/internal/service/botscheduler"
	"github.com/krobus00/trading-core/internal/service/execution"
	"github.com/krobus00/trading-core/internal/service/marketdata"
	"github.com/krobus00/trading-core/internal/service/oms"
	"github.com/krobus00/trading-core/internal/service/pnl"
	"github.com/krobus00/trading-core/internal/service/position"
	"github.com/krobus00/trading-core/internal/service/riskgate"
	"github.com/krobus00/trading-core/internal/service/strategy"
	"github.com/krobus00/trading-core/internal/service/venue"
	"github.com/krobus00/trading-core/internal/util"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const paperFillDelay = 500 * time.Millisecond

// StartTradingWorker wires and runs the whole trading core: market data
// hub and feed, risk gate, order manager, execution engine against the
// venue, position manager, PnL calculator, bot scheduler and the HTTP
// gateway.
func StartTradingWorker(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tradingDB, err := infrastructure.NewPostgresConnection(ctx, config.Env.Database["trading"])
	util.ContinueOrFatal(err)
	infrastructure.StartPostgresHealthCheck(ctx, tradingDB, config.Env.Database["trading"].PingInterval)

	redisClient, err := infrastructure.NewRedisClient(ctx, config.Env.Redis["trading"])
	util.ContinueOrFatal(err)

	nc, js, err := infrastructure.NewJetstream()
	util.ContinueOrFatal(err)

	orderRepo := repository.NewOrderRepository(tradingDB)
	tradeRepo := repository.NewTradeRepository(tradingDB)
	positionRepo := repository.NewPositionRepository(tradingDB)
	botRepo := repository.NewBotRepository(tradingDB)
	botRuntimeStore := repository.NewRedisBotRuntimeStore(redisClient)

	auditSink := audit.NewJetstreamSink(js)
	err = auditSink.JetstreamEventInit(ctx)
	util.ContinueOrFatal(err)
	auditSink.Start(ctx)

	hub := marketdata.NewHub(config.Env.MarketData.SubscriberBuffer)
	feed := marketdata.NewFeed(hub, config.Env.Venue, config.Env.MarketData.Symbols)

	venueConn := venue.NewPaperVenue(hub, paperFillDelay)
	if config.Env.Venue.Name != "" && config.Env.Venue.Name != "paper" {
		logrus.Warnf("venue %s has no native connector, falling back to paper execution", config.Env.Venue.Name)
	}

	positionManager := position.NewManager(positionRepo)
	gate := riskgate.NewGate(auditSink, nil)

	allowedSymbols := make(map[string]struct{}, len(config.Env.Risk.AllowedSymbols))
	for _, symbol := range config.Env.Risk.AllowedSymbols {
		allowedSymbols[symbol] = struct{}{}
	}

	orderManager := oms.NewOrderManager(
		orderRepo,
		tradeRepo,
		gate,
		positionManager,
		nil,
		hub,
		auditSink,
		oms.RiskParams{
			AllowedSymbols:  allowedSymbols,
			MaxPositionSize: config.Env.Risk.MaxPositionSize,
			RiskFraction:    config.Env.Risk.RiskFraction,
			AccountEquity:   config.Env.Risk.AccountEquity,
		},
	)

	engine := execution.NewEngine(venueConn, orderManager, config.Env.Execution)
	orderManager.SetSubmitter(engine)

	scheduler := botscheduler.NewScheduler(
		botRepo,
		botRuntimeStore,
		hub,
		orderManager,
		positionManager,
		auditSink,
		config.Env.Scheduler,
	)
	orderManager.SetBotView(scheduler)
	gate.SetNotifier(scheduler)

	err = strategy.RegisterAll(scheduler, strategy.NewRedisGridStateStore(redisClient))
	util.ContinueOrFatal(err)

	pnlCalc := pnl.NewCalculator(positionManager, hub)

	engine.Start(ctx)
	orderManager.StartExpirySweeper(ctx, config.Env.Execution.ReconcileInterval)
	go feed.Run(ctx)

	err = scheduler.StartAll(ctx)
	util.ContinueOrFatal(err)

	tradingHTTPHandler := httpHandler.NewTradingHTTPHandler(orderManager, pnlCalc, scheduler, botRepo, positionRepo)
	httpMux := http.NewServeMux()
	tradingHTTPHandler.Register(httpMux)

	httpPort := fmt.Sprintf(":%s", config.Env.Port["trading_http"])
	httpServer := infrastructure.NewHTTPServerWithConfig(infrastructure.HTTPServerConfig{
		Addr:            httpPort,
		ShutdownTimeout: config.Env.GracefulShutdownTimeout,
	}, httpMux)

	go func() {
		err := httpServer.Start()
		if err != nil {
			logrus.Error(err)
		}
	}()
	logrus.Info(fmt.Sprintf("http server started on %s", httpPort))

	wait := gracefulShutdown(ctx, config.Env.GracefulShutdownTimeout, map[string]operation{
		"bot scheduler": func(ctx context.Context) error {
			scheduler.StopAll(ctx)
			return nil
		},
		"http": func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
		"execution engine": func(ctx context.Context) error {
			cancel()
			engine.Wait()
			return nil
		},
		"trading database": func(ctx context.Context) error {
			return tradingDB.Close()
		},
		"redis": func(ctx context.Context) error {
			return redisClient.Close()
		},
		"nats connection": func(ctx context.Context) error {
			return infrastructure.CloseJetstream(nc)
		},
	})

	<-wait
}
