package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"
	"voxscribe/internal/config"
	"voxscribe/internal/metrics"
	"voxscribe/internal/storage"

	"github.com/spf13/cobra"
)

func printMetrics(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		cfg, err := config.ReadConfig(configPath)
		if err != nil {
			return err
		}
		dir = cfg.Metrics.Dir
	}

	store, err := metrics.NewFileStore(dir)
	if err != nil {
		return err
	}

	snap, err := store.Load()
	if err != nil {
		return err
	}
	if snap == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "no metrics recorded in %s\n", dir)
		return nil
	}

	summary := metrics.NewCollector(store).Summary()
	names := make([]string, 0, len(summary))
	for name := range summary {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "messages processed\t%d\n\n", snap.TotalMessagesProcessed)
	fmt.Fprintln(w, "OPERATION\tAVG (s)\tCOUNT\tFAILURES")
	for _, name := range names {
		s := summary[name]
		fmt.Fprintf(w, "%s\t%.2f\t%d\t%d\n", name, s.AverageTime, s.TotalOperations, s.Failures)
	}
	return w.Flush()
}

func showTask(cmd *cobra.Command, args []string) error {
	dsn, _ := cmd.Flags().GetString("dsn")
	cfg, err := config.ReadConfig(configPath)
	if err != nil {
		return err
	}
	if dsn == "" {
		dsn = cfg.Postgres.DSN
	}
	if dsn == "" {
		return fmt.Errorf("postgres DSN is not configured")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	db, err := storage.NewPostgresStorage(ctx, dsn, cfg.Postgres.MigrationsPath)
	if err != nil {
		return err
	}
	defer db.Close()

	task, err := db.GetTaskByID(ctx, args[0])
	if err != nil {
		return err
	}

	out := map[string]any{"task": task}
	transcript, err := db.GetTranscriptByTaskID(ctx, task.ID)
	switch {
	case err == nil:
		out["transcript"] = transcript
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
