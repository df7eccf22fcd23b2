package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/mtzanidakis/hivemind/internal/config"
	"github.com/mtzanidakis/hivemind/internal/coordination"
	"github.com/mtzanidakis/hivemind/internal/store"
)

func runConflicts(args []string) error {
	var protocolID string
	limit := 50

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--protocol":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for --protocol")
			}
			i++
			protocolID = args[i]
		case "--limit":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for --limit")
			}
			i++
			n, err := strconv.Atoi(args[i])
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid --limit %q", args[i])
			}
			limit = n
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	recs, err := db.ListConflicts(context.Background(), protocolID, limit)
	if err != nil {
		return err
	}
	return printConflicts(os.Stdout, recs)
}

func printConflicts(out io.Writer, recs []coordination.ConflictRecord) error {
	if len(recs) == 0 {
		fmt.Fprintln(out, "No conflicts recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSUBJECT\tLEVEL\tRESOLUTION\tWINNER\tPARTICIPANTS\tDETECTED")
	for _, r := range recs {
		resolution := r.Resolution
		if !r.Resolved {
			resolution = "pending"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Kind, r.Subject, r.Level, resolution, r.Winner,
			strings.Join(r.Participants, ", "), r.DetectedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runSnapshots(args []string) error {
	cmd := "list"
	if len(args) > 0 {
		cmd = args[0]
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	ctx := context.Background()

	switch cmd {
	case "list":
		infos, err := db.ListSnapshots(ctx)
		if err != nil {
			return err
		}
		return printSnapshots(os.Stdout, infos)
	case "show":
		if len(args) < 2 {
			return fmt.Errorf("usage: hivemind snapshots show <agent>")
		}
		snap, err := db.LoadSnapshot(ctx, args[1])
		if err != nil {
			return err
		}
		if snap == nil {
			return fmt.Errorf("no snapshot for agent %s", args[1])
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	return fmt.Errorf("unknown snapshots command: %s", cmd)
}

func printSnapshots(out io.Writer, infos []store.SnapshotInfo) error {
	if len(infos) == 0 {
		fmt.Fprintln(out, "No snapshots stored.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tSIZE\tSEALED\tTAKEN")
	for _, si := range infos {
		sealed := ""
		if si.Sealed {
			sealed = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", si.AgentID, formatSize(int64(si.RawSize)), sealed,
			si.TakenAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}
