package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// APIClient talks to the per-entity sync endpoints and the encryption
// endpoints. All failures are mapped onto the error taxonomy so callers can
// decide retryability with errors.Is.
type APIClient struct {
	cfg SyncConfig
	hc  *http.Client
}

// NewAPIClient builds a client with optional timeout override.
func NewAPIClient(cfg SyncConfig) *APIClient {
	to := cfg.Timeout
	if to == 0 {
		to = 15 * time.Second
	}
	return &APIClient{
		cfg: cfg,
		hc:  &http.Client{Timeout: to},
	}
}

type listResponse struct {
	Data []Record `json:"data"`
}

type itemResponse struct {
	Data Record `json:"data"`
}

// List fetches the authenticated user's records for entity, filtered to
// updated_at > since. A zero since fetches the full set.
func (c *APIClient) List(ctx context.Context, entity string, since time.Time) ([]Record, error) {
	u := c.cfg.BaseURL + "/api/sync/" + entity
	if !since.IsZero() {
		u += "?since=" + url.QueryEscape(since.UTC().Format(timeFormat))
	}
	resp, err := c.do(ctx, "list", http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("list", resp)
	}
	var out listResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Create POSTs a record carrying its client-generated id. The idempotent
// create contract: 201 on first creation, 200 with the existing record if
// the id already exists server-side (a prior push whose ack was lost).
// existed reports which case occurred.
func (c *APIClient) Create(ctx context.Context, entity string, rec Record) (out Record, existed bool, err error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return Record{}, false, err
	}
	resp, err := c.do(ctx, "create", http.MethodPost, c.cfg.BaseURL+"/api/sync/"+entity, body)
	if err != nil {
		return Record{}, false, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		var item itemResponse
		if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
			return Record{}, false, err
		}
		return item.Data, resp.StatusCode == http.StatusOK, nil
	default:
		return Record{}, false, statusError("create", resp)
	}
}

// Update PATCHes a record by id.
func (c *APIClient) Update(ctx context.Context, entity string, rec Record) (Record, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return Record{}, err
	}
	u := c.cfg.BaseURL + "/api/sync/" + entity + "/" + url.PathEscape(rec.ID)
	resp, err := c.do(ctx, "update", http.MethodPatch, u, body)
	if err != nil {
		return Record{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return Record{}, statusError("update", resp)
	}
	var item itemResponse
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return Record{}, err
	}
	return item.Data, nil
}

// Delete removes a record server-side. A 404 is treated as success: the
// record is already gone, which is the state the client wanted.
func (c *APIClient) Delete(ctx context.Context, entity, id string) error {
	u := c.cfg.BaseURL + "/api/sync/" + entity + "/" + url.PathEscape(id)
	resp, err := c.do(ctx, "delete", http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return statusError("delete", resp)
}

// EncryptionMessage is the server-held key material: the KDF salt and the
// wrapped data-encryption key. None of it is useful without the password.
type EncryptionMessage struct {
	Salt             string `json:"salt"`
	EncryptedContent string `json:"encrypted_content"`
	IV               string `json:"iv"`
}

// SetupEncryption uploads the user's salt and wrapped key. Idempotent
// (upserts server-side).
func (c *APIClient) SetupEncryption(ctx context.Context, msg EncryptionMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, "encryption", http.MethodPost, c.cfg.BaseURL+"/api/encryption/setup", body)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return statusError("encryption", resp)
	}
	return nil
}

// GetEncryptionMessage fetches the salt and wrapped key, or ErrNotSetUp if
// the user never completed encryption setup.
func (c *APIClient) GetEncryptionMessage(ctx context.Context) (EncryptionMessage, error) {
	resp, err := c.do(ctx, "encryption", http.MethodGet, c.cfg.BaseURL+"/api/encryption/message", nil)
	if err != nil {
		return EncryptionMessage{}, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode == http.StatusNotFound {
		return EncryptionMessage{}, ErrNotSetUp
	}
	if resp.StatusCode != http.StatusOK {
		return EncryptionMessage{}, statusError("encryption", resp)
	}
	var out EncryptionMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return EncryptionMessage{}, err
	}
	return out, nil
}

func (c *APIClient) do(ctx context.Context, op, method, u string, body []byte) (*http.Response, error) {
	var rd *bytes.Reader
	var req *http.Request
	var err error
	if body != nil {
		rd = bytes.NewReader(body)
		req, err = http.NewRequestWithContext(ctx, method, u, rd)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, u, nil)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.DeviceID != "" {
		req.Header.Set("X-Device-ID", c.cfg.DeviceID)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		// Offline, DNS failure, timeout: all retryable network errors.
		return nil, &APIError{Op: op, Kind: ErrNetwork, Detail: err.Error()}
	}
	return resp, nil
}

// statusError maps a non-success HTTP status onto the error taxonomy.
func statusError(op string, resp *http.Response) error {
	detail := decodeErrorBody(resp)
	kind := ErrClient
	switch {
	case resp.StatusCode >= 500:
		kind = ErrServer
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = ErrAuth
	case resp.StatusCode == http.StatusConflict:
		kind = ErrConflict
	}
	return &APIError{Op: op, Status: resp.StatusCode, Detail: detail, Kind: kind}
}

func decodeErrorBody(resp *http.Response) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Sprintf("status %s", resp.Status)
	}
	if body.Error != "" {
		return body.Error
	}
	if body.Message != "" {
		return body.Message
	}
	return fmt.Sprintf("status %s", resp.Status)
}
