// Stall is a seller-side runtime for the Agent Commerce Protocol.
// Copyright (C) 2025 The Stall Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// stall-journal prints recent job events from a seller's journal
// database. It reads the same location the seller writes (WAL mode, so
// a running seller is fine) and changes nothing.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"stall/internal/config"
	"stall/internal/journal"
)

func main() {
	var (
		path   = flag.String("path", "", "journal database path (default: the configured seller journal)")
		limit  = flag.Int("n", 50, "maximum number of events to show, newest first")
		jobID  = flag.Int64("job", 0, "only show events for this job id")
		output = flag.String("output", "table", "output format: table or json")
	)
	flag.Parse()

	dbPath := *path
	if dbPath == "" {
		cfg, err := config.LoadSellerConfigFromEnv()
		if err != nil {
			fatalf("load config: %v", err)
		}
		configDir, err := cfg.ResolveConfigDir()
		if err != nil {
			fatalf("resolve config dir: %v", err)
		}
		dbPath = cfg.ResolveJournalPath(configDir)
		if dbPath == "" {
			fatalf("journal is disabled (ACP_JOURNAL_PATH=off); pass -path explicitly")
		}
	}
	if _, err := os.Stat(dbPath); err != nil {
		fatalf("journal database not found at %s", dbPath)
	}

	ctx := context.Background()
	jrnl, err := journal.Open(ctx, dbPath)
	if err != nil {
		fatalf("open journal: %v", err)
	}
	defer jrnl.Close()

	fetch := *limit
	if *jobID != 0 && fetch < 500 {
		// Read deep enough that the per-job filter can still fill the
		// requested limit.
		fetch = 500
	}
	events, err := jrnl.Recent(ctx, fetch)
	if err != nil {
		fatalf("read journal: %v", err)
	}
	if *jobID != 0 {
		filtered := events[:0]
		for _, ev := range events {
			if ev.JobID == *jobID {
				filtered = append(filtered, ev)
			}
		}
		events = filtered
	}
	if len(events) > *limit {
		events = events[:*limit]
	}

	switch *output {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(events); err != nil {
			fatalf("encode json: %v", err)
		}
	case "table":
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tJOB\tPHASE\tSTAGE\tOUTCOME\tSOURCE\tDETAIL")
		for _, ev := range events {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
				ev.CreatedAt.UTC().Format(time.RFC3339), ev.JobID, ev.Phase, ev.Stage, ev.Outcome, ev.Source, ev.Detail)
		}
		w.Flush()
	default:
		fatalf("unknown output format %q", *output)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "stall-journal: "+format+"\n", args...)
	os.Exit(1)
}
