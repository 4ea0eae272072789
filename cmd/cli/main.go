package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &client{}
	root := &cobra.Command{
		Use:           "safealert",
		Short:         "Trigger and inspect safety alerts on a running daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.base, "api", envOr("API_BASE", "http://localhost:8080"), "daemon base URL")
	root.PersistentFlags().StringVar(&c.key, "key", os.Getenv("API_KEY"), "API key (admin key for sos, cancel and checkin)")
	root.PersistentFlags().DurationVar(&c.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(newSOSCmd(c), newCancelCmd(c), newCheckInCmd(c), newAlertsCmd(c))
	return root
}

func newSOSCmd(c *client) *cobra.Command {
	var lat, lng float64
	cmd := &cobra.Command{
		Use:   "sos",
		Short: "Raise a manual emergency alert",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]float64{}
			// Without coordinates the daemon uses the last known fix.
			if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lng") {
				body["lat"], body["lng"] = lat, lng
			}
			if err := c.do(cmd.Context(), "POST", "/api/sos", body, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "SOS sent.")
			return nil
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude")
	return cmd
}

func newCancelCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel",
		Short: "Cancel alerts that are still being delivered",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.do(cmd.Context(), "POST", "/api/sos/cancel", struct{}{}, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cancel requested.")
			return nil
		},
	}
}

func newCheckInCmd(c *client) *cobra.Command {
	return &cobra.Command{
		Use:       "checkin on|off",
		Short:     "Turn check-in mode (no-motion detection) on or off",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			on := args[0] == "on"
			var out struct {
				CheckIn bool `json:"check_in"`
			}
			if err := c.do(cmd.Context(), "PUT", "/api/checkin", map[string]bool{"enabled": on}, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Check-in enabled: %v\n", out.CheckIn)
			return nil
		},
	}
}

type alertRow struct {
	ID           string    `json:"id"`
	Cause        string    `json:"cause"`
	State        string    `json:"state"`
	AttemptCount int       `json:"attempt_count"`
	CreatedAt    time.Time `json:"created_at"`
}

func newAlertsCmd(c *client) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List recent alerts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var rows []alertRow
			if err := c.do(cmd.Context(), "GET", "/api/alerts?limit="+strconv.Itoa(limit), nil, &rows); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(w, "No alerts.")
				return nil
			}
			for _, r := range rows {
				fmt.Fprintf(w, "%-36s %-12s %-11s %3d  %s\n", r.ID, r.Cause, r.State, r.AttemptCount, r.CreatedAt.Local().Format(time.DateTime))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
