package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	dbustransport "accountpolld/internal/transport/dbus"
)

var pollWait time.Duration

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Ask the running daemon to poll and wait for Done",
	RunE:  runPoll,
}

func init() {
	pollCmd.Flags().DurationVar(&pollWait, "timeout", 2*time.Minute, "How long to wait for the Done signal")
	rootCmd.AddCommand(pollCmd)
}

func runPoll(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	conn, err := dbustransport.Connect(cfg.DBus.Bus)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), pollWait)
	defer cancel()

	start := time.Now()
	if err := dbustransport.PollAndWait(ctx, conn, cfg.DBus.NameOrDefault()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "poll done in %s\n", time.Since(start).Round(time.Millisecond))
	return nil
}
