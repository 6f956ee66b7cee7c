package es

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/elastic/go-elasticsearch/v9"

	"github.com/Skotchmaster/deed_portal/internal/audit"
)

// AuditIndexer stores audit events as documents and searches them back.
type AuditIndexer struct {
	Client *elasticsearch.Client
	Index  string
	Logger *slog.Logger
}

func NewAuditIndexer(client *elasticsearch.Client, index string, logger *slog.Logger) *AuditIndexer {
	return &AuditIndexer{Client: client, Index: index, Logger: logger}
}

func (a *AuditIndexer) Record(ctx context.Context, e audit.Event) {
	if err := a.index(ctx, e); err != nil && a.Logger != nil {
		a.Logger.Warn("audit_index_failed", "action", e.Action, "err", err)
	}
}

func (a *AuditIndexer) index(ctx context.Context, e audit.Event) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(e); err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := a.Client.Index(a.Index, &buf, a.Client.Index.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("index audit event: %s: %s", res.Status(), body)
	}
	return nil
}

type AuditQuery struct {
	PrincipalID string
	Action      string
	Since       time.Time
	From        int
	Size        int
}

// Search returns matching events, newest first.
func (a *AuditIndexer) Search(ctx context.Context, q AuditQuery) (int64, []audit.Event, error) {
	if q.Size <= 0 || q.Size > 100 {
		q.Size = 20
	}
	if q.From < 0 {
		q.From = 0
	}

	filters := []map[string]any{}
	if q.PrincipalID != "" {
		filters = append(filters, map[string]any{"term": map[string]any{"principal_id.keyword": q.PrincipalID}})
	}
	if q.Action != "" {
		filters = append(filters, map[string]any{"term": map[string]any{"action.keyword": q.Action}})
	}
	if !q.Since.IsZero() {
		filters = append(filters, map[string]any{"range": map[string]any{"timestamp": map[string]any{"gte": q.Since.UTC().Format(time.RFC3339)}}})
	}

	body := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{"filter": filters},
		},
		"sort": []map[string]any{{"timestamp": map[string]any{"order": "desc"}}},
		"from": q.From,
		"size": q.Size,
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return 0, nil, fmt.Errorf("encode audit query: %w", err)
	}

	res, err := a.Client.Search(
		a.Client.Search.WithContext(ctx),
		a.Client.Search.WithIndex(a.Index),
		a.Client.Search.WithBody(&buf),
	)
	if err != nil {
		return 0, nil, fmt.Errorf("search audit events: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return 0, nil, fmt.Errorf("search audit events: %s", res.Status())
	}

	var r struct {
		Hits struct {
			Total struct{ Value int64 } `json:"total"`
			Hits  []struct {
				Source audit.Event `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&r); err != nil {
		return 0, nil, fmt.Errorf("decode audit search: %w", err)
	}

	events := make([]audit.Event, len(r.Hits.Hits))
	for i, hit := range r.Hits.Hits {
		events[i] = hit.Source
	}
	return r.Hits.Total.Value, events, nil
}
