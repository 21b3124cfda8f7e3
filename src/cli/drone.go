package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flotilla-io/flotilla/src/bus"
	"github.com/flotilla-io/flotilla/src/drone"
	"github.com/flotilla-io/flotilla/src/utils"
)

func newDroneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drone",
		Short: "Run a drone agent",
		RunE:  runDrone,
	}
}

func runDrone(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := utils.NewLogger()
	ctx = utils.LoggerWithCtx(ctx, logger)
	config := utils.GetConfig(ctx)

	droneBus, err := bus.Connect(config.NatsURL, "flotilla-drone", logger)
	if err != nil {
		logger.Fatal("Failed to connect to NATS", err)
	}
	defer droneBus.Close()

	agent, err := drone.NewAgent(config, droneBus, drone.NewSimRuntime(), logger)
	if err != nil {
		return err
	}
	return agent.Run(ctx)
}
