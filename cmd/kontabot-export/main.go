// Command kontabot-export writes one owner's pending records to a ledger file
// without going through the HTTP server. Stop the server first: the record
// store allows a single process at a time.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/kontabot/internal/fiscal"
	"github.com/zombor/kontabot/internal/invoice"
	"github.com/zombor/kontabot/internal/ledger"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("Export failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := ff.NewFlagSet("kontabot-export")
	var (
		dbPath      = fs.StringLong("db", "kontabot.db", "Database file path")
		storagePath = fs.StringLong("storage", "./files", "Directory where generated exports are archived")
		ownerFlag   = fs.StringLong("owner", "", "Owner whose pending records are exported (required)")
		outDir      = fs.StringLong("out", ".", "Directory the ledger file is written to")
		dryRun      = fs.BoolLong("dry-run", "Print the ledger file to stdout without marking records exported")
	)

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix("KONTABOT")); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		return err
	}
	if *ownerFlag == "" {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		return errors.New("--owner is required")
	}
	owner, err := strconv.ParseInt(*ownerFlag, 10, 64)
	if err != nil {
		return fmt.Errorf("parsing --owner: %w", err)
	}

	store, err := ledger.NewBoltStore(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	storage, err := invoice.NewLocalStorage(*storagePath)
	if err != nil {
		return err
	}

	if *dryRun {
		pending, err := store.QueryPending(owner)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return invoice.ErrNoPendingRecords
		}
		_, err = os.Stdout.Write(fiscal.Render(pending))
		return err
	}

	// No scanner: this command never reads documents
	service := invoice.NewService(store, nil, storage)
	if err := service.Load(); err != nil {
		return err
	}

	export, err := service.Export(owner)
	if err != nil {
		return err
	}

	path := filepath.Join(*outDir, export.Filename)
	if err := os.WriteFile(path, export.Data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	slog.Info("Ledger file written", "owner", owner, "rows", len(export.Records), "path", path)
	return nil
}
