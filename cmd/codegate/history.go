package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/codegate/internal/history"
	"github.com/mattjoyce/codegate/internal/log"
	"github.com/mattjoyce/codegate/internal/storage"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		limit   int
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently finished executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts, true)
			if err != nil {
				return err
			}
			log.SetupWriter(cmd.ErrOrStderr(), "warn", cfg.Service.LogFormat)
			if cfg.History.Path == "" {
				return errors.New("execution history is disabled (set history.path)")
			}

			db, err := storage.OpenSQLite(cmd.Context(), cfg.History.Path)
			if err != nil {
				return err
			}
			defer db.Close()

			records, err := history.New(db).Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"executions": records})
			}
			if len(records) == 0 {
				fmt.Fprintln(out, "No executions recorded.")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "COMPLETED\tID\tPROVIDER\tMODEL\tOUTCOME\tEXIT\tDURATION\tFILES")
			for _, r := range records {
				exit := "-"
				if r.ExitCode != nil {
					exit = fmt.Sprintf("%d", *r.ExitCode)
				}
				outcome := r.Outcome
				if r.ErrorCode != "" {
					outcome += " (" + r.ErrorCode + ")"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
					r.CompletedAt.Local().Format(time.DateTime),
					r.ID, r.Provider, r.Model, outcome, exit,
					(time.Duration(r.DurationMs) * time.Millisecond).String(),
					r.FileCount)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of executions to show")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}
