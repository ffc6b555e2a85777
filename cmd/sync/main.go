package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/timmy/playermarket/internal/app"
	"github.com/timmy/playermarket/internal/config"
	"github.com/timmy/playermarket/internal/domain"
	"github.com/timmy/playermarket/internal/logger"
	"github.com/timmy/playermarket/internal/service"
)

func main() {
	logCfg := logger.ConfigFromEnv()
	logCfg.ServiceName = "playermarket-sync"
	appLogger := logger.New(logCfg)
	logger.SetDefaultLogger(appLogger)
	defer logger.Sync()

	mode := flag.String("mode", "daily", "Run mode: initial, daily or full")
	chunk := flag.Bool("chunk", false, "Run one bounded chunk instead of a full run")
	stage := flag.String("stage", string(domain.StagePlayersImport), "Stage to chunk")
	maxPages := flag.Int("max-pages", 0, "Pages per chunk (0 uses sync.chunk_max_pages)")
	continueFrom := flag.String("continue-from", "", "Continuation cursor returned by the previous chunk")
	stop := flag.Bool("stop", false, "Cancel every running execution")
	status := flag.String("status", "", "Print status: current, latest, history or stats")
	limit := flag.Int("limit", 0, "With -status history, number of executions to list")
	reset := flag.String("reset", "", "Delete the checkpoint of a stage so it starts over")
	recompute := flag.Bool("recompute", false, "Recompute market values only")
	force := flag.Bool("force", false, "With -recompute, ignore the cached multiplier matrix")
	schedule := flag.String("schedule", "", "Cron expression; run daily syncs until interrupted (\"config\" uses schedule.daily)")
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to load config")
	}

	a, err := app.New(cfg)
	if err != nil {
		appLogger.WithError(err).Fatal("Failed to initialize application")
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = logger.SetComponent(ctx, "sync-cli")

	var out interface{}
	switch {
	case *schedule != "":
		expr := *schedule
		if expr == "config" {
			expr = cfg.Schedule.Daily
		}
		runScheduled(ctx, a, expr)
		return
	case *stop:
		out, err = a.Orchestrator.Stop(ctx)
	case *status != "":
		out, err = a.Orchestrator.Status(ctx, service.StatusType(*status), *limit)
	case *reset != "":
		err = a.Orchestrator.ResetStage(ctx, domain.StageName(*reset))
		out = map[string]string{"reset": *reset}
	case *recompute:
		out, err = a.MarketValues.Recompute(ctx, service.RecomputeOptions{ForceUpdate: *force})
	case *chunk:
		out, err = a.Chunks.RunChunk(ctx, domain.StageName(*stage), service.ChunkOptions{
			MaxPages:     *maxPages,
			ContinueFrom: *continueFrom,
		})
	default:
		syncType, ok := domain.ParseSyncType(*mode)
		if !ok {
			appLogger.WithField("mode", *mode).Fatal("Unknown run mode")
		}
		out, err = a.Orchestrator.Run(ctx, syncType)
	}
	if err != nil {
		appLogger.WithError(err).Error("Sync command failed")
		a.Close()
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)

	if report, ok := out.(*service.RunReport); ok && report.Status != domain.ExecutionStatusCompleted {
		a.Close()
		os.Exit(2)
	}
}

// runScheduled triggers a daily run on every tick of the cron expression. A tick that finds
// a run still in progress is skipped.
func runScheduled(ctx context.Context, a *app.App, expr string) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(expr, func() {
		report, err := a.Orchestrator.Run(ctx, domain.SyncTypeDaily)
		switch {
		case errors.Is(err, service.ErrRunInProgress):
			logger.CtxWarn(ctx, "Scheduled run skipped: another run holds the sync lock")
		case err != nil:
			logger.FromContext(ctx).WithError(err).Error("Scheduled run failed to start")
		default:
			logger.With(logger.Fields{
				logger.FieldExecutionID: report.ExecutionID,
				logger.FieldStatus:      report.Status,
				logger.FieldDurationMs:  report.DurationMs,
			}).Info(ctx, "Scheduled run finished")
		}
	})
	if err != nil {
		logger.FromContext(ctx).WithError(err).Fatalf("Invalid schedule %q", expr)
	}

	logger.CtxInfo(ctx, "Scheduler started with %q", expr)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	logger.CtxInfo(ctx, "Scheduler stopped")
}
