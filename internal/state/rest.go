package state

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"trader/internal/ledger"
)

// RESTStore talks to a hosted row store exposing PostgREST-style endpoints:
// GET/PATCH/POST on /rest/v1/agent_state filtered by query parameters. The
// conditional update filters on the expected revision, so a stale writer
// matches zero rows and loses.
type RESTStore struct {
	base   string
	key    string
	client *http.Client
}

func NewRESTStore(baseURL, key string) *RESTStore {
	return &RESTStore{
		base:   strings.TrimRight(baseURL, "/"),
		key:    key,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *RESTStore) Close() error { return nil }

type stateRow struct {
	AccountID string          `json:"account_id"`
	Revision  int64           `json:"revision"`
	Doc       json.RawMessage `json:"doc"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (s *RESTStore) Load(ctx context.Context, accountID string) (Record, error) {
	endpoint := fmt.Sprintf("%s/rest/v1/agent_state?account_id=eq.%s&select=account_id,revision,doc,updated_at&limit=1",
		s.base, url.QueryEscape(accountID))

	var rows []stateRow
	if err := s.do(ctx, http.MethodGet, endpoint, nil, &rows); err != nil {
		return Record{}, err
	}
	if len(rows) == 0 {
		return Record{AccountID: accountID, Ledger: ledger.New(accountID)}, nil
	}

	rec := Record{
		AccountID: accountID,
		Revision:  rows[0].Revision,
		UpdatedAt: rows[0].UpdatedAt,
		Ledger:    &ledger.Ledger{},
	}
	if err := json.Unmarshal(rows[0].Doc, rec.Ledger); err != nil {
		return Record{}, fmt.Errorf("decode state doc: %w", err)
	}
	rec.Ledger.Normalize()
	return rec, nil
}

func (s *RESTStore) Save(ctx context.Context, rec Record, expectedRevision int64) error {
	doc, err := json.Marshal(rec.Ledger)
	if err != nil {
		return fmt.Errorf("encode state doc: %w", err)
	}
	row := stateRow{
		AccountID: rec.AccountID,
		Revision:  expectedRevision + 1,
		Doc:       doc,
		UpdatedAt: time.Now().UTC(),
	}

	if expectedRevision == 0 {
		// First write for this account. A 409 from the insert means
		// another runner created the row first; do maps that already.
		return s.do(ctx, http.MethodPost, s.base+"/rest/v1/agent_state", row, nil)
	}

	endpoint := fmt.Sprintf("%s/rest/v1/agent_state?account_id=eq.%s&revision=eq.%d",
		s.base, url.QueryEscape(rec.AccountID), expectedRevision)
	var updated []stateRow
	if err := s.do(ctx, http.MethodPatch, endpoint, row, &updated); err != nil {
		return err
	}
	if len(updated) == 0 {
		return fmt.Errorf("%w: revision %d is stale", ErrConcurrentWrite, expectedRevision)
	}
	return nil
}

func (s *RESTStore) AppendEvent(ctx context.Context, event TradeEvent) error {
	return s.do(ctx, http.MethodPost, s.base+"/rest/v1/trade_events", event, nil)
}

func (s *RESTStore) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", s.key)
	req.Header.Set("Authorization", "Bearer "+s.key)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("state store request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("%w: insert conflict", ErrConcurrentWrite)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("state store %s %s: status %d: %s", method, endpoint, resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode state store response: %w", err)
		}
	}
	return nil
}
