// ABOUTME: Shared runtime glue for the whisper CLI.
// ABOUTME: Opens the local store, API client, and keyring for each command.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/term"

	"github.com/whisper-money/whisper-money-sub002/ledger"
)

// RuntimeConfig captures CLI flag inputs shared across commands.
type RuntimeConfig struct {
	DBPath    string
	ServerURL string
	AuthToken string
	DeviceID  string
	UserID    string
	Phrase    string
}

// BindFlags attaches shared flags to the provided FlagSet.
func (rc *RuntimeConfig) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&rc.DBPath, "db", rc.DBPath, "path to local SQLite store")
	fs.StringVar(&rc.ServerURL, "server", rc.ServerURL, "sync server base URL")
	fs.StringVar(&rc.AuthToken, "token", rc.AuthToken, "bearer token")
	fs.StringVar(&rc.DeviceID, "device", rc.DeviceID, "stable device identifier")
	fs.StringVar(&rc.UserID, "user", rc.UserID, "account user id")
	fs.StringVar(&rc.Phrase, "phrase", rc.Phrase, "recovery phrase (skips the password prompt)")
}

// App glues the CLI commands to the ledger library.
type App struct {
	cfg     RuntimeConfig
	store   *ledger.Store
	client  *ledger.APIClient
	orch    *ledger.Orchestrator
	keyring *ledger.Keyring
}

func newApp(cfg RuntimeConfig) (*App, error) {
	if cfg.DeviceID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.DeviceID = host
		}
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(os.TempDir(), "whisper.db")
	}
	if err := ensureDir(cfg.DBPath); err != nil {
		return nil, err
	}

	store, err := ledger.OpenStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	client := ledger.NewAPIClient(ledger.SyncConfig{
		BaseURL:   cfg.ServerURL,
		AuthToken: cfg.AuthToken,
		DeviceID:  cfg.DeviceID,
	})
	return &App{
		cfg:    cfg,
		store:  store,
		client: client,
		orch:   ledger.NewOrchestrator(store, client, ledger.DefaultOrchestratorConfig()),
	}, nil
}

// Close releases resources.
func (a *App) Close() error {
	if a.store == nil {
		return nil
	}
	return a.store.Close()
}

// Unlock obtains the keyring: from the recovery phrase when given, otherwise
// by prompting for the password and unwrapping the server-held key.
func (a *App) Unlock(ctx context.Context) error {
	if a.keyring != nil {
		return nil
	}
	if a.cfg.Phrase != "" {
		kr, err := ledger.RecoverKeyring(a.cfg.Phrase)
		if err != nil {
			return err
		}
		a.keyring = kr
		return nil
	}
	password, err := promptPassword("Password: ")
	if err != nil {
		return err
	}
	kr, err := ledger.UnlockKeyring(ctx, a.client, password, ledger.DefaultKDFParams())
	if err != nil {
		return err
	}
	a.keyring = kr
	return nil
}

// AddTransaction encrypts the free-text fields, runs automation rules
// against the plaintext, and queues the record for sync.
func (a *App) AddTransaction(ctx context.Context, amount int64, date, accountID, desc, notes string) (ledger.Record, error) {
	c := a.keyring.Cipher()
	attrs := ledger.TransactionAttrs{
		AccountID: accountID,
		Amount:    amount,
		Date:      date,
	}
	var err error
	if attrs.Description, err = ledger.EncryptString(c, desc); err != nil {
		return ledger.Record{}, err
	}
	if attrs.Notes, err = ledger.EncryptString(c, notes); err != nil {
		return ledger.Record{}, err
	}

	if action := a.matchRules(ctx, desc, &attrs); action != nil {
		if err := ledger.ApplyAction(&attrs, *action, c); err != nil {
			return ledger.Record{}, err
		}
	}

	mgr := a.orch.Manager(ledger.StoreTransactions)
	return mgr.CreateLocal(ctx, attrs)
}

// matchRules evaluates local automation rules against a transaction.
// Rule failures never block the write; a broken rule is skipped.
func (a *App) matchRules(ctx context.Context, desc string, attrs *ledger.TransactionAttrs) *ledger.RuleAction {
	recs, err := a.store.GetAll(ctx, ledger.StoreRules)
	if err != nil {
		return nil
	}
	rules, _ := ledger.DecodeRules(recs)
	if len(rules) == 0 {
		return nil
	}
	return ledger.Evaluate(ledger.RuleInput{
		Amount:      attrs.Amount,
		Description: desc,
		AccountID:   attrs.AccountID,
		BankID:      a.bankFor(ctx, attrs.AccountID),
		CategoryID:  attrs.CategoryID,
	}, rules)
}

func (a *App) bankFor(ctx context.Context, accountID string) string {
	if accountID == "" {
		return ""
	}
	rec, err := a.store.Get(ctx, ledger.StoreAccounts, accountID)
	if err != nil || rec == nil {
		return ""
	}
	var attrs ledger.AccountAttrs
	if err := rec.DecodeAttrs(&attrs); err != nil {
		return ""
	}
	return attrs.BankID
}

// txView is a decrypted transaction row for display.
type txView struct {
	ID          string
	Date        string
	Amount      int64
	Description string
	CategoryID  string
}

// Transactions returns decrypted rows for every live transaction.
func (a *App) Transactions(ctx context.Context) ([]txView, error) {
	recs, err := a.store.GetAll(ctx, ledger.StoreTransactions)
	if err != nil {
		return nil, err
	}
	c := a.keyring.Cipher()
	out := make([]txView, 0, len(recs))
	for _, rec := range recs {
		var attrs ledger.TransactionAttrs
		if err := rec.DecodeAttrs(&attrs); err != nil {
			return nil, fmt.Errorf("transaction %s: %w", rec.ID, err)
		}
		desc, err := ledger.DecryptString(c, attrs.Description)
		if err != nil {
			return nil, err
		}
		out = append(out, txView{
			ID:          rec.ID,
			Date:        attrs.Date,
			Amount:      attrs.Amount,
			Description: desc,
			CategoryID:  attrs.CategoryID,
		})
	}
	return out, nil
}

// Categorize re-runs automation rules over uncategorized transactions and
// queues updates for the ones a rule matched. Returns how many changed.
func (a *App) Categorize(ctx context.Context) (int, error) {
	recs, err := a.store.GetAll(ctx, ledger.StoreTransactions)
	if err != nil {
		return 0, err
	}
	ruleRecs, err := a.store.GetAll(ctx, ledger.StoreRules)
	if err != nil {
		return 0, err
	}
	rules, _ := ledger.DecodeRules(ruleRecs)
	if len(rules) == 0 {
		return 0, nil
	}

	c := a.keyring.Cipher()
	mgr := a.orch.Manager(ledger.StoreTransactions)
	changed := 0
	for _, rec := range recs {
		var attrs ledger.TransactionAttrs
		if err := rec.DecodeAttrs(&attrs); err != nil {
			continue
		}
		if attrs.CategoryID != "" {
			continue
		}
		desc, err := ledger.DecryptString(c, attrs.Description)
		if err != nil {
			return changed, err
		}
		action := ledger.Evaluate(ledger.RuleInput{
			Amount:      attrs.Amount,
			Description: desc,
			AccountID:   attrs.AccountID,
			BankID:      a.bankFor(ctx, attrs.AccountID),
		}, rules)
		if action == nil {
			continue
		}
		if err := ledger.ApplyAction(&attrs, *action, c); err != nil {
			return changed, err
		}
		if err := rec.SetAttrs(attrs); err != nil {
			return changed, err
		}
		if _, err := mgr.UpdateLocal(ctx, rec); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// Sync authenticates the orchestrator and runs one full pass.
func (a *App) Sync(ctx context.Context) ([]string, error) {
	if a.cfg.ServerURL == "" || a.cfg.AuthToken == "" {
		return nil, errors.New("server url and auth token required for sync")
	}
	if a.cfg.UserID == "" {
		return nil, errors.New("user id required for sync")
	}
	if err := a.orch.SetAuthenticated(ctx, a.cfg.UserID); err != nil {
		return nil, err
	}
	return a.orch.SyncAll(ctx), nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o750)
}
