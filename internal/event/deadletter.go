package event

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nucleus/unified-core/internal/core"
	"github.com/nucleus/unified-core/internal/endpoint"
	"github.com/nucleus/unified-core/internal/objectstore"
)

// =============================================================================
// DEAD LETTER ARCHIVE
// Dropped deliveries are written as one JSON line per object under
// <prefix>/<connector>/<yyyy>/<mm>/<dd>/<unixnano>-<uuid>.jsonl.
// =============================================================================

// redactedHeaders are never archived.
var redactedHeaders = []string{"Authorization", "Cookie", "Proxy-Authorization"}

// Entry is one archived delivery.
type Entry struct {
	ConnectorID string      `json:"connectorId"`
	OwnerID     string      `json:"ownerId,omitempty"`
	Code        string      `json:"code"`
	Message     string      `json:"message"`
	ReceivedAt  time.Time   `json:"receivedAt"`
	Method      string      `json:"method"`
	URL         string      `json:"url"`
	Headers     http.Header `json:"headers,omitempty"`
	Body        string      `json:"body"`
}

// NewEntry captures a delivery and the error that dropped it.
func NewEntry(connectorID, ownerID string, req *endpoint.WebhookRequest, cause error) Entry {
	e := Entry{
		ConnectorID: connectorID,
		OwnerID:     ownerID,
		Code:        core.CodeOf(cause),
		ReceivedAt:  time.Now().UTC(),
	}
	if cause != nil {
		e.Message = cause.Error()
	}
	if req != nil {
		e.Method = req.Method
		e.URL = req.URL
		e.Body = string(req.Body)
		if req.Headers != nil {
			e.Headers = req.Headers.Clone()
			for _, h := range redactedHeaders {
				e.Headers.Del(h)
			}
		}
	}
	return e
}

// DeadLetter archives dropped deliveries to an object store.
type DeadLetter struct {
	store  objectstore.Store
	bucket string
	prefix string
}

// NewDeadLetter creates an archive in bucket under prefix.
func NewDeadLetter(store objectstore.Store, bucket, prefix string) *DeadLetter {
	if bucket == "" {
		bucket = "unified-deadletter"
	}
	if prefix == "" {
		prefix = "webhooks"
	}
	return &DeadLetter{store: store, bucket: bucket, prefix: prefix}
}

// Archive writes e and returns its object URI.
func (d *DeadLetter) Archive(ctx context.Context, e Entry) (string, error) {
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(e); err != nil {
		return "", err
	}
	key := objectstore.Join(
		d.prefix,
		e.ConnectorID,
		e.ReceivedAt.Format("2006/01/02"),
		fmt.Sprintf("%d-%s.jsonl", e.ReceivedAt.UnixNano(), uuid.NewString()),
	)
	if err := d.store.PutObject(ctx, d.bucket, key, buf.Bytes(), "application/x-ndjson"); err != nil {
		return "", err
	}
	return fmt.Sprintf("minio://%s/%s", d.bucket, key), nil
}

// List returns the entries archived for a connector on one UTC day.
func (d *DeadLetter) List(ctx context.Context, connectorID string, day time.Time) ([]Entry, error) {
	prefix := objectstore.Join(d.prefix, connectorID, day.UTC().Format("2006/01/02"))
	keys, err := d.store.ListPrefix(ctx, d.bucket, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		data, err := d.store.GetObject(ctx, d.bucket, k)
		if err != nil {
			return nil, err
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", k, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Prune deletes entries received before now minus retention and returns how
// many were removed. The receive time is read from the object name.
func (d *DeadLetter) Prune(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention)
	keys, err := d.store.ListPrefix(ctx, d.bucket, d.prefix)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, k := range keys {
		ts, ok := receivedAt(k)
		if !ok || !ts.Before(cutoff) {
			continue
		}
		if err := d.store.DeleteObject(ctx, d.bucket, k); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func receivedAt(key string) (time.Time, bool) {
	base := strings.TrimSuffix(path.Base(key), ".jsonl")
	ns, _, ok := strings.Cut(base, "-")
	if !ok {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(ns, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}
