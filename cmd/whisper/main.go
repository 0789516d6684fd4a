// ABOUTME: Whisper is the offline-first client for the encrypted money ledger.
// ABOUTME: Every write lands locally first; sync reconciles with the server later.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/whisper-money/whisper-money-sub002/ledger"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		return
	}

	switch os.Args[1] {
	case "setup":
		setupCmd()
	case "recover":
		recoverCmd()
	case "add":
		addCmd()
	case "list":
		listCmd()
	case "categorize":
		categorizeCmd()
	case "sync":
		syncCmd()
	case "watch":
		watchCmd()
	case "status":
		statusCmd()
	default:
		usage()
	}
}

// setupCmd derives the wrapping key, generates a fresh data key, and uploads
// the wrapped key material. Prints the recovery phrase exactly once.
func setupCmd() {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	var cfg RuntimeConfig
	cfg.BindFlags(fs)
	mustParse(os.Args[2:], fs)

	if err := runApp(cfg, func(ctx context.Context, app *App) error {
		password, err := promptPassword("New password: ")
		if err != nil {
			return err
		}
		confirm, err := promptPassword("Confirm password: ")
		if err != nil {
			return err
		}
		if password != confirm {
			return fmt.Errorf("passwords do not match")
		}
		kr, err := ledger.SetupKeyring(ctx, app.client, password, ledger.DefaultKDFParams())
		if err != nil {
			return err
		}
		phrase, err := kr.Mnemonic()
		if err != nil {
			return err
		}
		fmt.Println("Encryption is set up.")
		fmt.Println("Write down this recovery phrase. It is the only way back in if you forget your password:")
		fmt.Println()
		fmt.Println("  " + phrase)
		return nil
	}); err != nil {
		log.Fatal(err)
	}
}

// recoverCmd validates a recovery phrase by rebuilding the data key from it.
func recoverCmd() {
	fs := flag.NewFlagSet("recover", flag.ExitOnError)
	var cfg RuntimeConfig
	cfg.BindFlags(fs)
	mustParse(os.Args[2:], fs)

	if cfg.Phrase == "" {
		log.Fatal("recover: -phrase required")
	}
	if _, err := ledger.RecoverKeyring(cfg.Phrase); err != nil {
		log.Fatalf("recovery phrase rejected: %v", err)
	}
	fmt.Println("Recovery phrase accepted. Use -phrase with other commands to read your data.")
}

func addCmd() {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	var cfg RuntimeConfig
	cfg.BindFlags(fs)
	amount := fs.Int64("amount", 0, "amount in minor units, negative for outflows")
	date := fs.String("date", "", "transaction date (YYYY-MM-DD)")
	account := fs.String("account", "", "account id")
	desc := fs.String("desc", "", "description")
	notes := fs.String("notes", "", "notes")
	mustParse(os.Args[2:], fs)

	if err := runApp(cfg, func(ctx context.Context, app *App) error {
		if err := app.Unlock(ctx); err != nil {
			return err
		}
		rec, err := app.AddTransaction(ctx, *amount, *date, *account, *desc, *notes)
		if err != nil {
			return err
		}
		fmt.Println(rec.ID)
		return nil
	}); err != nil {
		log.Fatal(err)
	}
}

func listCmd() {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	var cfg RuntimeConfig
	cfg.BindFlags(fs)
	mustParse(os.Args[2:], fs)

	if err := runApp(cfg, func(ctx context.Context, app *App) error {
		if err := app.Unlock(ctx); err != nil {
			return err
		}
		rows, err := app.Transactions(ctx)
		if err != nil {
			return err
		}
		for _, row := range rows {
			category := row.CategoryID
			if category == "" {
				category = "-"
			}
			fmt.Printf("%s  %-10s  %10d  %-12s  %s\n", row.ID, row.Date, row.Amount, category, row.Description)
		}
		return nil
	}); err != nil {
		log.Fatal(err)
	}
}

func categorizeCmd() {
	fs := flag.NewFlagSet("categorize", flag.ExitOnError)
	var cfg RuntimeConfig
	cfg.BindFlags(fs)
	mustParse(os.Args[2:], fs)

	if err := runApp(cfg, func(ctx context.Context, app *App) error {
		if err := app.Unlock(ctx); err != nil {
			return err
		}
		n, err := app.Categorize(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d transaction(s) categorized\n", n)
		return nil
	}); err != nil {
		log.Fatal(err)
	}
}

func syncCmd() {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	var cfg RuntimeConfig
	cfg.BindFlags(fs)
	mustParse(os.Args[2:], fs)

	if err := runApp(cfg, func(ctx context.Context, app *App) error {
		msgs, err := app.Sync(ctx)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			fmt.Println(m)
		}
		if len(msgs) == 0 {
			fmt.Println("synced")
		}
		return nil
	}); err != nil {
		log.Fatal(err)
	}
}

// watchCmd runs the periodic sync loop until interrupted.
func watchCmd() {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	var cfg RuntimeConfig
	cfg.BindFlags(fs)
	mustParse(os.Args[2:], fs)

	if err := runApp(cfg, func(ctx context.Context, app *App) error {
		if cfg.UserID == "" {
			return fmt.Errorf("user id required for watch")
		}
		if err := app.orch.SetAuthenticated(ctx, cfg.UserID); err != nil {
			return err
		}
		ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		log.Print("watching for changes; ctrl-c to stop")
		app.orch.Run(ctx)
		return nil
	}); err != nil {
		log.Fatal(err)
	}
}

func statusCmd() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	var cfg RuntimeConfig
	cfg.BindFlags(fs)
	mustParse(os.Args[2:], fs)

	if err := runApp(cfg, func(ctx context.Context, app *App) error {
		pending, err := app.orch.PendingCount(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("pending changes: %d\n", pending)
		for _, entity := range ledger.Stores {
			n, err := app.store.PendingCountFor(ctx, entity)
			if err != nil {
				return err
			}
			if n > 0 {
				fmt.Printf("  %s: %d\n", entity, n)
			}
		}
		return nil
	}); err != nil {
		log.Fatal(err)
	}
}

func runApp(cfg RuntimeConfig, fn func(context.Context, *App) error) (err error) {
	ctx := context.Background()
	app, err := newApp(cfg)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer func() {
		if cerr := app.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, app)
}

func mustParse(args []string, fs *flag.FlagSet) {
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "whisper commands: setup | recover | add | list | categorize | sync | watch | status\n")
}
