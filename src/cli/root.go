package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flotilla-io/flotilla/src/types"
	"github.com/flotilla-io/flotilla/src/utils"
)

var controllerURL string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "flotilla",
		Short:         "Fleet orchestrator for session-affine backends",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&controllerURL, "controller", "", "controller base URL (defaults to CONTROLLER_URL)")

	root.AddCommand(newControllerCmd())
	root.AddCommand(newDroneCmd())
	root.AddCommand(newConnectCmd())
	root.AddCommand(newTerminateCmd())
	root.AddCommand(newDrainCmd())
	root.AddCommand(newAdminCmd())
	return root
}

// Execute runs the CLI. Called by main.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func apiClient(cmd *cobra.Command) *Client {
	base := controllerURL
	if base == "" {
		base = utils.GetConfig(cmd.Context()).ControllerURL
	}
	return NewClient(base)
}

func newConnectCmd() *cobra.Command {
	var (
		cluster  string
		image    string
		key      string
		tag      string
		maxIdle  int
		lifetime int
		wait     bool
	)
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a backend, spawning one if the key is unheld",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := types.ConnectRequest{
				Cluster: cluster,
				SpawnConfig: &types.SpawnConfig{
					Executable: types.ExecutorConfig{Image: image},
				},
			}
			if maxIdle > 0 {
				req.SpawnConfig.MaxIdleSeconds = &maxIdle
			}
			if lifetime > 0 {
				req.SpawnConfig.LifetimeLimitSeconds = &lifetime
			}
			if key != "" {
				req.Key = &types.KeyConfig{Name: key, Tag: tag}
			}

			client := apiClient(cmd)
			resp, err := client.Connect(cmd.Context(), req)
			if err != nil {
				return err
			}
			if resp.Spawned {
				fmt.Printf("Created backend: %s\n", resp.BackendID)
			} else {
				fmt.Printf("Reusing backend: %s\n", resp.BackendID)
			}
			fmt.Printf("URL: %s\n", resp.URL)

			if wait {
				return client.StreamBackendStatus(cmd.Context(), resp.BackendID, func(report types.StatusReport) bool {
					fmt.Printf("Status: %s at %s\n", report.Status, report.Time)
					return report.Status < types.BackendReady
				})
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cluster, "cluster", "", "target cluster")
	cmd.Flags().StringVar(&image, "image", "", "workload image")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	cmd.Flags().StringVar(&tag, "tag", "", "key tag")
	cmd.Flags().IntVar(&maxIdle, "max-idle", 500, "allowed idle seconds (0 = unlimited)")
	cmd.Flags().IntVar(&lifetime, "lifetime", 0, "lifetime limit seconds (0 = unlimited)")
	cmd.Flags().BoolVar(&wait, "wait", false, "follow the status stream until Ready")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

func newTerminateCmd() *cobra.Command {
	var (
		backendID string
		hard      bool
		wait      bool
	)
	cmd := &cobra.Command{
		Use:   "terminate",
		Short: "Terminate a backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := apiClient(cmd)
			if err := client.Terminate(cmd.Context(), backendID, hard); err != nil {
				return err
			}
			fmt.Printf("Sent termination signal %s\n", backendID)

			if wait {
				return client.StreamBackendStatus(cmd.Context(), backendID, func(report types.StatusReport) bool {
					fmt.Printf("Status: %s at %s\n", report.Status, report.Time)
					return report.Status < types.BackendTerminated
				})
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&backendID, "backend", "", "backend id")
	cmd.Flags().BoolVar(&hard, "hard", false, "hard terminate (no grace period)")
	cmd.Flags().BoolVar(&wait, "wait", false, "follow the status stream until Terminated")
	_ = cmd.MarkFlagRequired("backend")
	return cmd
}

func newDrainCmd() *cobra.Command {
	var (
		cluster string
		drone   string
	)
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Remove a drone from the placement pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiClient(cmd).Drain(cmd.Context(), cluster, drone); err != nil {
				return err
			}
			fmt.Printf("Sent drain signal to %s\n", drone)
			return nil
		},
	}
	cmd.Flags().StringVar(&cluster, "cluster", "", "cluster")
	cmd.Flags().StringVar(&drone, "drone", "", "drone name")
	_ = cmd.MarkFlagRequired("cluster")
	_ = cmd.MarkFlagRequired("drone")
	return cmd
}
