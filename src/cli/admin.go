package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/flotilla-io/flotilla/src/types"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administrative read surface",
	}
	cmd.AddCommand(newListDronesCmd())
	cmd.AddCommand(newListBackendsCmd())
	cmd.AddCommand(newTerminationCandidatesCmd())
	cmd.AddCommand(newEventsCmd())
	return cmd
}

func newListDronesCmd() *cobra.Command {
	var (
		cluster string
		all     bool
	)
	cmd := &cobra.Command{
		Use:   "list-drones",
		Short: "List registered drones",
		RunE: func(cmd *cobra.Command, args []string) error {
			drones, err := apiClient(cmd).ListDrones(cmd.Context(), cluster)
			if err != nil {
				return err
			}
			for _, d := range drones {
				if !all && d.Status != types.NodeAvailable {
					continue
				}
				age := time.Since(d.LastHeartbeat).Round(time.Second)
				extra := ""
				if d.Draining {
					extra = " (draining)"
				}
				fmt.Printf("%s %s %s flotilla=%s@%s %s %s ago%s\n",
					d.Cluster, d.Name, d.ID, d.Version, d.Hash, d.Status, age, extra)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cluster, "cluster", "", "filter by cluster")
	cmd.Flags().BoolVar(&all, "all", false, "include drones that are not available")
	return cmd
}

func newListBackendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-backends",
		Short: "List backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			backends, err := apiClient(cmd).ListBackends(cmd.Context())
			if err != nil {
				return err
			}
			for _, b := range backends {
				fmt.Printf("%s %s %s %s %s\n",
					b.ID, b.Cluster, b.Status, b.LastStatusTime.Format(time.RFC3339), b.DroneID)
			}
			return nil
		},
	}
}

func newTerminationCandidatesCmd() *cobra.Command {
	var (
		cluster string
		drone   string
	)
	cmd := &cobra.Command{
		Use:   "termination-candidates",
		Short: "Show reclamation state for a drone's backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			candidates, err := apiClient(cmd).TerminationCandidates(cmd.Context(), cluster, drone)
			if err != nil {
				return err
			}
			for _, c := range candidates {
				if c.ExpirationTime != nil && c.ExpirationTime.After(c.AsOf) {
					fmt.Printf("%s is alive until expiration time %s\n", c.BackendID, c.ExpirationTime.Format(time.RFC3339))
					continue
				}
				if c.AllowedIdleSeconds != nil {
					idle := c.AsOf.Sub(c.LastKeepalive)
					allowed := time.Duration(*c.AllowedIdleSeconds) * time.Second
					if idle <= allowed {
						fmt.Printf("%s is alive within its %ds idle budget (idle %s)\n", c.BackendID, *c.AllowedIdleSeconds, idle.Round(time.Second))
						continue
					}
				}
				fmt.Printf("%s is a candidate for termination\n", c.BackendID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cluster, "cluster", "", "cluster")
	cmd.Flags().StringVar(&drone, "drone", "", "drone name")
	_ = cmd.MarkFlagRequired("cluster")
	_ = cmd.MarkFlagRequired("drone")
	return cmd
}

func newEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Tail the live event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return apiClient(cmd).StreamEvents(cmd.Context(), func(ev types.Event) bool {
				key := ev.Key
				if key == "" {
					key = "<global>"
				}
				fmt.Printf("%s %s %s %s %s\n",
					ev.Timestamp.Format(time.RFC3339), ev.ID, key, ev.Kind, string(ev.Payload))
				return true
			})
		},
	}
}
