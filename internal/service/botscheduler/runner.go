package botscheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/krobus00/trading-core/internal/entity"
	"github.com/krobus00/trading-core/internal/service/marketdata"
	"github.com/sirupsen/logrus"
)

// runner is the single goroutine driving one bot. It owns the bot's tick
// subscription and strategy instance; nothing else touches them while
// the bot runs.
type runner struct {
	scheduler *Scheduler
	bot       *entity.Bot
	strategy  Strategy
	sub       *marketdata.Subscription
	done      chan struct{}
}

func newRunner(scheduler *Scheduler, bot *entity.Bot, strategy Strategy, sub *marketdata.Subscription) *runner {
	return &runner{
		scheduler: scheduler,
		bot:       bot,
		strategy:  strategy,
		sub:       sub,
		done:      make(chan struct{}),
	}
}

// halt detaches the runner from market data and signals the loop to
// exit. Safe to call once; the scheduler serializes stop calls.
func (r *runner) halt() {
	r.sub.Close()
	close(r.done)
}

func (r *runner) run(ctx context.Context) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.sub.Close()
			r.scheduler.handleBotError(context.WithoutCancel(ctx), r.bot, fmt.Errorf("strategy panic: %v", recovered))
		}
	}()

	heartbeat := time.NewTicker(r.scheduler.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	started := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-heartbeat.C:
			r.scheduler.recordHeartbeat(ctx, r.bot)
		case tick := <-r.sub.Ticks():
			signals, err := r.strategy.OnTick(ctx, tick)
			if err != nil {
				r.sub.Close()
				r.scheduler.handleBotError(ctx, r.bot, err)
				return
			}

			if !started {
				started = true
				r.scheduler.markRunning(ctx, r.bot)
				r.scheduler.recordHeartbeat(ctx, r.bot)
				logrus.WithFields(logrus.Fields{
					"bot_id":   r.bot.ID,
					"strategy": r.bot.Strategy,
				}).Info("bot running")
			}

			r.scheduler.handleSignals(ctx, r.bot, signals)
		}
	}
}
