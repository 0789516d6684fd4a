package ledger

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Store names, one per entity type. Each is both a local table and the
// server-side endpoint segment under /api/sync/.
const (
	StoreAccounts        = "accounts"
	StoreCategories      = "categories"
	StoreLabels          = "labels"
	StoreTransactions    = "transactions"
	StoreAccountBalances = "account_balances"
	StoreRules           = "rules"
	StoreBanks           = "banks"
)

// Stores lists every entity store in a stable order.
var Stores = []string{
	StoreAccounts,
	StoreCategories,
	StoreLabels,
	StoreTransactions,
	StoreAccountBalances,
	StoreRules,
	StoreBanks,
}

// creatableStores are entities the client may create offline and POST later.
var creatableStores = map[string]bool{
	StoreTransactions:    true,
	StoreAccountBalances: true,
}

// CanCreate reports whether an entity type supports client-side creation.
// The other entity types are server-managed and only ever pulled.
func CanCreate(store string) bool {
	return creatableStores[store]
}

// ValidStore reports whether name is a known entity store.
func ValidStore(name string) bool {
	return validStore(name)
}

func validStore(name string) bool {
	for _, s := range Stores {
		if s == name {
			return true
		}
	}
	return false
}

// EncryptedValue is an end-to-end encrypted field as persisted and synced:
// opaque ciphertext plus its fixed-length IV. The server never sees plaintext.
type EncryptedValue struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
}

// IsZero reports whether no value has been encrypted yet.
func (v EncryptedValue) IsZero() bool {
	return v.Ciphertext == "" && v.IV == ""
}

// Record is the generic synced entity: stable client-generated identity,
// timestamp pair, optional soft-delete marker, and entity-specific attributes.
type Record struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"`
	Attrs     json.RawMessage `json:"attributes,omitempty"`
}

// NewID returns a time-sortable UUIDv7, generated client-side so records
// created offline have stable identity before first sync.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// NewRecord builds a record around the given attributes with a fresh ID and
// timestamps.
func NewRecord(attrs any) (Record, error) {
	var raw json.RawMessage
	if attrs != nil {
		b, err := json.Marshal(attrs)
		if err != nil {
			return Record{}, err
		}
		raw = b
	}
	now := time.Now().UTC()
	return Record{
		ID:        NewID(),
		CreatedAt: now,
		UpdatedAt: now,
		Attrs:     raw,
	}, nil
}

// DecodeAttrs unmarshals the entity-specific attributes into dst.
func (r Record) DecodeAttrs(dst any) error {
	if len(r.Attrs) == 0 {
		return nil
	}
	return json.Unmarshal(r.Attrs, dst)
}

// SetAttrs replaces the attributes and bumps the update timestamp.
func (r *Record) SetAttrs(attrs any) error {
	b, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	r.Attrs = b
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// TransactionAttrs are the entity-specific fields of a transaction.
// Description and notes are end-to-end encrypted.
type TransactionAttrs struct {
	AccountID   string         `json:"account_id,omitempty"`
	CategoryID  string         `json:"category_id,omitempty"`
	LabelIDs    []string       `json:"label_ids,omitempty"`
	Amount      int64          `json:"amount"` // minor units, negative for outflows
	Date        string         `json:"date,omitempty"`
	Description EncryptedValue `json:"description"`
	Notes       EncryptedValue `json:"notes"`
}

// AccountAttrs are the entity-specific fields of an account. The display
// name is end-to-end encrypted.
type AccountAttrs struct {
	BankID   string         `json:"bank_id,omitempty"`
	Kind     string         `json:"kind,omitempty"` // checking, savings, credit, ...
	Currency string         `json:"currency,omitempty"`
	Name     EncryptedValue `json:"name"`
}

// BalanceAttrs are the entity-specific fields of an account balance sample.
type BalanceAttrs struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	Date      string `json:"date,omitempty"`
}

// CategoryAttrs are the entity-specific fields of a category.
type CategoryAttrs struct {
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
	Color    string `json:"color,omitempty"`
}

// LabelAttrs are the entity-specific fields of a label.
type LabelAttrs struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// BankAttrs are the entity-specific fields of a bank.
type BankAttrs struct {
	Name    string `json:"name"`
	Country string `json:"country,omitempty"`
}
