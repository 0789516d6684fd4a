// ABOUTME: Pure rule engine for transaction auto-categorization.
// ABOUTME: First matching rule by ascending priority wins; no I/O, no side effects.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// RuleAction is what a matching rule does to a transaction. At least one of
// CategoryID or Note must be set; labels alone are not a valid action.
type RuleAction struct {
	CategoryID string   `json:"category_id,omitempty"`
	Note       string   `json:"note,omitempty"`
	LabelIDs   []string `json:"label_ids,omitempty"`
}

// Valid reports whether the action satisfies the at-least-one-of invariant.
func (a RuleAction) Valid() bool {
	return a.CategoryID != "" || a.Note != ""
}

// Condition is one node of a rule's boolean expression tree.
//
// Group nodes: {"type":"and"|"or","children":[...]}
// Leaf nodes:  {"type":"gt"|"gte"|"lt"|"lte"|"eq","field":"amount","value":N}
//
//	{"type":"eq","field":"account_id"|"bank_id"|"category_id","value":"..."}
//	{"type":"contains","field":"description","value":"..."}
type Condition struct {
	Type     string      `json:"type"`
	Field    string      `json:"field,omitempty"`
	Value    any         `json:"value,omitempty"`
	Children []Condition `json:"children,omitempty"`
}

// Rule is a decoded automation rule ready for evaluation.
type Rule struct {
	ID        string
	Priority  int // lower evaluates first
	Condition Condition
	Action    RuleAction
}

// RuleAttrs is the synced representation of an automation rule.
type RuleAttrs struct {
	Priority   int             `json:"priority"`
	Conditions json.RawMessage `json:"conditions"`
	Action     RuleAction      `json:"action"`
}

// DecodeRule converts a synced rule record into an evaluable Rule. Rules
// whose action sets neither category nor note are rejected, mirroring the
// server-side at-least-one-action validation.
func DecodeRule(rec Record) (Rule, error) {
	var attrs RuleAttrs
	if err := rec.DecodeAttrs(&attrs); err != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", rec.ID, err)
	}
	if !attrs.Action.Valid() {
		return Rule{}, fmt.Errorf("rule %s: action must set category or note", rec.ID)
	}
	var cond Condition
	if len(attrs.Conditions) > 0 {
		if err := json.Unmarshal(attrs.Conditions, &cond); err != nil {
			return Rule{}, fmt.Errorf("rule %s: %w", rec.ID, err)
		}
	}
	return Rule{
		ID:        rec.ID,
		Priority:  attrs.Priority,
		Condition: cond,
		Action:    attrs.Action,
	}, nil
}

// DecodeRules converts rule records, skipping invalid ones and reporting
// them in errs so one malformed rule cannot disable the rest.
func DecodeRules(recs []Record) (rules []Rule, errs []error) {
	for _, rec := range recs {
		r, err := DecodeRule(rec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rules = append(rules, r)
	}
	return rules, errs
}

// RuleInput is the decrypted transaction view the engine evaluates against.
type RuleInput struct {
	Amount      int64
	Description string // decrypted
	AccountID   string
	BankID      string
	CategoryID  string
}

// Evaluate runs rules in ascending priority order and returns the first
// matching rule's action, or nil if nothing matches. Pure and synchronous;
// the caller applies and persists the action.
func Evaluate(in RuleInput, rules []Rule) *RuleAction {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	for _, r := range sorted {
		if !r.Action.Valid() {
			continue
		}
		if evalCondition(r.Condition, in) {
			a := r.Action
			return &a
		}
	}
	return nil
}

// evalCondition evaluates one node. Undefined or missing operands make the
// containing comparison false rather than erroring.
func evalCondition(c Condition, in RuleInput) bool {
	switch c.Type {
	case "and":
		if len(c.Children) == 0 {
			return false
		}
		for _, child := range c.Children {
			if !evalCondition(child, in) {
				return false
			}
		}
		return true
	case "or":
		for _, child := range c.Children {
			if evalCondition(child, in) {
				return true
			}
		}
		return false
	case "gt", "gte", "lt", "lte":
		if c.Field != "amount" {
			return false
		}
		want, ok := toFloat(c.Value)
		if !ok {
			return false
		}
		got := float64(in.Amount)
		switch c.Type {
		case "gt":
			return got > want
		case "gte":
			return got >= want
		case "lt":
			return got < want
		default:
			return got <= want
		}
	case "eq":
		switch c.Field {
		case "amount":
			want, ok := toFloat(c.Value)
			return ok && float64(in.Amount) == want
		case "account_id":
			return stringEq(c.Value, in.AccountID)
		case "bank_id":
			return stringEq(c.Value, in.BankID)
		case "category_id":
			return stringEq(c.Value, in.CategoryID)
		default:
			return false
		}
	case "contains":
		if c.Field != "description" || in.Description == "" {
			return false
		}
		want, ok := c.Value.(string)
		if !ok || want == "" {
			return false
		}
		return strings.Contains(strings.ToLower(in.Description), strings.ToLower(want))
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func stringEq(v any, got string) bool {
	want, ok := v.(string)
	return ok && want != "" && got != "" && want == got
}

// ApplyAction mutates transaction attributes per the matched action:
// category assignment overwrites, the note appends newline-joined to the
// existing decrypted note and is re-encrypted under a fresh IV, labels
// union with existing ones.
func ApplyAction(txn *TransactionAttrs, a RuleAction, c Cipher) error {
	if !a.Valid() {
		return errors.New("action must set category or note")
	}
	if a.CategoryID != "" {
		txn.CategoryID = a.CategoryID
	}
	if a.Note != "" {
		existing, err := DecryptString(c, txn.Notes)
		if err != nil {
			return err
		}
		joined := a.Note
		if existing != "" {
			joined = existing + "\n" + a.Note
		}
		env, err := EncryptString(c, joined)
		if err != nil {
			return err
		}
		txn.Notes = env
	}
	for _, id := range a.LabelIDs {
		if !containsString(txn.LabelIDs, id) {
			txn.LabelIDs = append(txn.LabelIDs, id)
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
