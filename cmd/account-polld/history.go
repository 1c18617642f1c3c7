package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"accountpolld/internal/config"
	"accountpolld/internal/storage"
	logx "accountpolld/pkg/logx"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent poll results from the history store",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of entries to show")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	sc := storage.Config{}
	if cfg.Storage != nil {
		sc.Driver = cfg.Storage.Driver
		sc.Path = cfg.Storage.Path
	}
	if !storage.Enabled(sc) {
		return errors.New("poll history is disabled (storage.driver)")
	}
	if sc.Path == "" {
		name := "history.jsonl"
		if sc.Driver != "file" {
			name = "history.db"
		}
		sc.Path = config.DefaultHistoryPath(name)
	}

	st, err := storage.Open(sc, logx.Nop())
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.Recent(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACCOUNT\tSERVICE\tPLUGIN\tOUTCOME\tNOTIFS\tTOOK\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.At.Local().Format(time.DateTime), e.AccountID, e.ServiceID, e.PluginKey,
			e.Outcome, e.Notifications, time.Duration(e.TookMS)*time.Millisecond, e.Error)
	}
	return tw.Flush()
}
