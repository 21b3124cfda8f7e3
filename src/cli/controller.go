package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flotilla-io/flotilla/src/api"
	"github.com/flotilla-io/flotilla/src/backend"
	"github.com/flotilla-io/flotilla/src/bus"
	"github.com/flotilla-io/flotilla/src/connect"
	"github.com/flotilla-io/flotilla/src/events"
	"github.com/flotilla-io/flotilla/src/node"
	"github.com/flotilla-io/flotilla/src/store"
	"github.com/flotilla-io/flotilla/src/types"
	"github.com/flotilla-io/flotilla/src/utils"
	"github.com/flotilla-io/flotilla/src/utils/cache"
	"github.com/flotilla-io/flotilla/src/watchdog"
)

func newControllerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "controller",
		Short: "Run the orchestrator controller",
		RunE:  runController,
	}
}

// runController wires the controller: store, event log, bus consumers, node
// staleness sweeper, termination watchdog and the control API. Controllers
// are stateless between requests, so any number of them can run against the
// same store and bus.
func runController(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := utils.NewLogger()
	ctx = utils.LoggerWithCtx(ctx, logger)
	config := utils.GetConfig(ctx)

	redisClient, err := cache.NewClient(ctx, config)
	if err != nil {
		logger.Fatal("Failed to create Redis client", err)
	}

	droneBus, err := bus.Connect(config.NatsURL, "flotilla-controller", logger)
	if err != nil {
		logger.Fatal("Failed to connect to NATS", err)
	}
	defer droneBus.Close()

	staleness := time.Duration(config.NodeStalenessS) * time.Second
	grace := time.Duration(config.TerminationGraceS) * time.Second

	st := store.New(redisClient)
	log := events.NewLog(redisClient, config.EventStreamMaxLen)
	nodes := node.NewRegistry(st, log, logger, staleness)
	backends := backend.NewRegistry(st, log, droneBus, logger)
	connects := connect.NewService(st, log, droneBus, logger, config.DefaultCluster, staleness, config.BackendURLPattern)
	wd := watchdog.New(st, backends, logger, config.WatchdogCron, grace)

	// Drone-originated messages. Both handlers are idempotent, so the
	// at-least-once bus needs no dedup on this side.
	unsubStatus, err := droneBus.SubscribeStatus(func(report types.StatusReport) {
		if _, _, err := backends.Apply(ctx, report); err != nil && !errors.Is(err, backend.ErrUnknownBackend) {
			logger.Errorw("Failed to apply status report", "backend_id", report.BackendID, "error", err)
		}
	})
	if err != nil {
		logger.Fatal("Failed to subscribe to status reports", err)
	}
	defer unsubStatus()

	unsubHeartbeats, err := droneBus.SubscribeHeartbeats(func(hb types.DroneHeartbeat) {
		if err := nodes.ApplyHeartbeat(ctx, hb); err != nil {
			logger.Errorw("Failed to apply heartbeat", "cluster", hb.Cluster, "drone", hb.Name, "error", err)
		}
	})
	if err != nil {
		logger.Fatal("Failed to subscribe to heartbeats", err)
	}
	defer unsubHeartbeats()

	go func() {
		if err := wd.Run(ctx); err != nil {
			logger.Errorw("Watchdog stopped", "error", err)
		}
	}()

	go func() {
		ticker := time.NewTicker(staleness)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := nodes.SweepStale(ctx); err != nil {
					logger.Errorw("Failed to sweep stale drones", "error", err)
				}
			}
		}
	}()

	server := api.NewServer(connects, backends, nodes, st, log, wd, logger, config.HTTPListenAddr)
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Shutting down gracefully...")
	return nil
}
