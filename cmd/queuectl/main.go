package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"flack/internal/constants"
	"flack/internal/migration"
	"flack/internal/models"
	"flack/internal/store"
)

const bodyPreviewRunes = 40

func main() {
	dbPath := flag.String("db", "./flack.db", "Path to the local store file")
	list := flag.Bool("list", false, "List queued entries")
	stats := flag.Bool("stats", false, "Print queue occupancy by status")
	wipe := flag.Bool("wipe", false, "Delete the persisted queue envelope")
	flag.Parse()

	if !*list && !*stats && !*wipe {
		flag.Usage()
		os.Exit(2)
	}

	if _, err := os.Stat(*dbPath); os.IsNotExist(err) {
		log.Fatalf("Store file not found: %s", *dbPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if *wipe {
		runWipe(ctx, *dbPath)
		return
	}

	// Inspection opens the store read-only so a running daemon keeps
	// exclusive write access.
	st, err := store.OpenReadOnly(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	entries, result := loadEntries(ctx, st)

	if *stats {
		printStats(models.CountStats(entries), result)
		return
	}
	printEntries(entries, result)
}

func runWipe(ctx context.Context, dbPath string) {
	st, err := store.Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	if err := st.Delete(ctx, constants.QueueStorageKey); err != nil {
		log.Fatalf("Failed to wipe queue envelope: %v", err)
	}
	fmt.Println("Queue envelope removed")
}

// loadEntries reads the persisted envelope and applies the same migration and
// normalization rules the daemon uses on restore. Nothing is written back;
// upgrades happen in memory only.
func loadEntries(ctx context.Context, st *store.Store) ([]models.QueueEntry, migration.RestoreResult) {
	raw, ok, err := st.Get(ctx, constants.QueueStorageKey)
	if err != nil {
		log.Fatalf("Failed to read queue envelope: %v", err)
	}
	if !ok {
		return nil, migration.RestoreResult{}
	}
	return migration.Restore(raw, time.Now())
}

func printEntries(entries []models.QueueEntry, result migration.RestoreResult) {
	printRestoreNotes(result)

	if len(entries) == 0 {
		fmt.Println("Queue is empty")
		return
	}

	fmt.Printf("%d queued entries:\n", len(entries))
	for _, e := range entries {
		line := fmt.Sprintf("  %-10s retries=%d  created=%s  channel=%s  id=%s",
			e.Status, e.RetryCount, formatCreatedAt(e.CreatedAt), e.ChannelID, e.ClientMutationID)
		if e.Error != "" {
			line += fmt.Sprintf("  error=%q", e.Error)
		}
		fmt.Println(line)
		fmt.Printf("    %q\n", previewBody(e.Body))
	}
}

func printStats(stats models.QueueStats, result migration.RestoreResult) {
	printRestoreNotes(result)

	fmt.Printf("total=%d pending=%d sending=%d failed=%d confirming=%d\n",
		stats.Total, stats.Pending, stats.Sending, stats.Failed, stats.Confirming)
}

func printRestoreNotes(result migration.RestoreResult) {
	if result.Migrated {
		fmt.Printf("Envelope is version %d, shown as version %d\n", result.FromVersion, migration.CurrentVersion)
	}
	if result.Wiped {
		fmt.Println("Envelope is unreadable and would be discarded on daemon restart")
	}
	if result.Dropped > 0 {
		fmt.Printf("%d corrupt entries skipped\n", result.Dropped)
	}
}

func formatCreatedAt(unixMilli int64) string {
	if unixMilli == 0 {
		return "unknown"
	}
	return time.UnixMilli(unixMilli).UTC().Format(time.RFC3339)
}

func previewBody(body string) string {
	runes := []rune(body)
	if len(runes) <= bodyPreviewRunes {
		return body
	}
	return string(runes[:bodyPreviewRunes]) + "..."
}
