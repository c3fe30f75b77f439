package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/morganlombard/Virtual-Game-Table/internal/persistence/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	sessionID := fs.String("session", "", "session id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	client := fs.Int("client", 0, "client id filter (batches)")
	limit := fs.Int("limit", 20, "result limit (snapshots)")
	_ = fs.Parse(args)

	q := "sessions"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*sessionID) == "" {
			fmt.Fprintln(os.Stderr, "missing -session or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "sessions", *sessionID, "index", "relay.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}

	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := runQuery(ctx, idx, q, *sessionID, *client, *limit, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
}

// runQuery prints one JSON object per row.
func runQuery(ctx context.Context, idx *indexdb.SQLiteIndex, q, sessionID string, client, limit int, w io.Writer) error {
	enc := json.NewEncoder(w)
	switch q {
	case "sessions":
		rows, err := idx.Sessions(ctx)
		if err != nil {
			return err
		}
		for _, r := range rows {
			_ = enc.Encode(r)
		}
	case "clients":
		if sessionID == "" {
			return fmt.Errorf("clients: -session required")
		}
		rows, err := idx.Clients(ctx, sessionID)
		if err != nil {
			return err
		}
		for _, r := range rows {
			_ = enc.Encode(r)
		}
	case "batches":
		if sessionID == "" {
			return fmt.Errorf("batches: -session required")
		}
		if client <= 0 {
			n, err := idx.BatchCount(ctx, sessionID)
			if err != nil {
				return err
			}
			return enc.Encode(map[string]any{"session_id": sessionID, "batches": n})
		}
		rows, err := idx.BatchesBy(ctx, sessionID, client)
		if err != nil {
			return err
		}
		for _, r := range rows {
			_ = enc.Encode(r)
		}
	case "snapshots":
		rows, err := idx.Snapshots(ctx, limit)
		if err != nil {
			return err
		}
		for _, r := range rows {
			_ = enc.Encode(r)
		}
	default:
		return fmt.Errorf("unknown query %q (sessions|clients|batches|snapshots)", q)
	}
	return nil
}
