package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"tender/internal/history"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent spawns from the history journal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			stdout := cmd.OutOrStdout()
			if !cfg.History.Enabled {
				fmt.Fprintln(stdout, "History journal is disabled (set history.enabled = true)")
				return nil
			}

			store, err := history.Open(cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(stdout, "No spawns recorded")
				return nil
			}
			fmt.Fprintln(stdout, renderTable(
				[]string{"ID", "State", "Exit", "PID", "Project", "Started", "Ran"},
				historyRows(records),
				[]columnAlignment{alignRight, alignLeft, alignRight, alignRight, alignLeft, alignLeft, alignRight},
			))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of spawns to show (0 for all)")
	return cmd
}

func historyRows(records []history.Record) [][]string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		exit := "-"
		if rec.ExitCode != nil {
			exit = strconv.Itoa(*rec.ExitCode)
		}
		pid := "-"
		if rec.WorkerPID > 0 {
			pid = strconv.Itoa(rec.WorkerPID)
		}
		ran := "-"
		if d := rec.Duration(); d > 0 {
			ran = d.Round(time.Millisecond).String()
		}
		rows = append(rows, []string{
			strconv.FormatInt(rec.ID, 10),
			string(rec.State),
			exit,
			pid,
			rec.ProjectRoot,
			rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
			ran,
		})
	}
	return rows
}
