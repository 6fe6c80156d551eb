package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mmdatafocus/hours_backend/config"
	"github.com/mmdatafocus/hours_backend/models"
	"github.com/mmdatafocus/hours_backend/reconsync"
	"github.com/mmdatafocus/hours_backend/utils"
)

func main() {
	syncType := flag.String("type", reconsync.SyncTypeFull, "Sync type: full, employees, projects, hours, matching, alerts.")
	from := flag.String("from", "", "Optional: first work date (YYYY-MM-DD). Defaults to the lookback window.")
	to := flag.String("to", "", "Optional: last work date (YYYY-MM-DD). Defaults to today (UTC).")
	progress := flag.Bool("progress", false, "Print progress events as NDJSON on stderr.")
	flag.Parse()

	settings, err := config.LoadSyncSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid settings: %v\n", err)
		os.Exit(2)
	}

	req := reconsync.RunRequest{SyncType: strings.TrimSpace(*syncType), TriggeredBy: models.SyncTriggeredManual, Actor: "cli"}
	if req.From, err = parseDay(*from); err != nil {
		fmt.Fprintf(os.Stderr, "invalid -from: %v\n", err)
		os.Exit(2)
	}
	if req.To, err = parseDay(*to); err != nil {
		fmt.Fprintf(os.Stderr, "invalid -to: %v\n", err)
		os.Exit(2)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	if os.Getenv("REDIS_ADDRESS") != "" {
		config.ConnectRedisWithRetry()
	}
	models.MigrateTable()

	ctx := utils.SetActorInContext(context.Background(), "cli")
	o := reconsync.NewOrchestrator(db, settings)
	run, err := o.NewSyncRun(ctx, req, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create run: %v\n", err)
		os.Exit(1)
	}

	var onProgress func(reconsync.ProgressEvent)
	if *progress {
		enc := json.NewEncoder(os.Stderr)
		onProgress = func(ev reconsync.ProgressEvent) {
			if ev.Type != reconsync.EventDone {
				_ = enc.Encode(ev)
			}
		}
	}
	result, err := o.Execute(ctx, run, onProgress)
	if result != nil {
		out := json.NewEncoder(os.Stdout)
		out.SetIndent("", "  ")
		_ = out.Encode(result)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "run %d: %v\n", run.ID, err)
		os.Exit(1)
	}
	if !result.Success {
		os.Exit(3)
	}
}

func parseDay(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
