package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/njoerd114/bookingsync/internal/model"
)

// Table is the remote collection for one entity type.
type Table[T model.Entity] struct {
	c      *Client
	typ    model.EntityType
	encode func(T) any
	decode func(json.RawMessage) (T, error)
}

// Type returns the entity type held by the table.
func (t *Table[T]) Type() model.EntityType { return t.typ }

func (t *Table[T]) path() string { return "rest/v1/" + t.typ.Table() }

// SyncUp upserts entities keyed by id. The request is idempotent: sending the
// same batch twice leaves the table unchanged.
func (t *Table[T]) SyncUp(ctx context.Context, entities []T) error {
	if len(entities) == 0 {
		return nil
	}
	rows := make([]any, 0, len(entities))
	for _, e := range entities {
		rows = append(rows, t.encode(e))
	}

	_, err := t.c.retry(ctx, func() ([]byte, error) {
		return t.c.do(ctx, request{
			method: http.MethodPost,
			path:   t.path(),
			query:  url.Values{"on_conflict": {"id"}},
			body:   rows,
			prefer: "resolution=merge-duplicates,return=minimal",
		})
	})
	if err != nil {
		return fmt.Errorf("sync up %d %s rows: %w", len(entities), t.typ, err)
	}
	t.c.logger.Debug("pushed rows", "type", t.typ, "count", len(entities))
	return nil
}

// FetchAll returns every entity in the table. Rows that fail to convert are
// skipped with a warning.
func (t *Table[T]) FetchAll(ctx context.Context) ([]T, error) {
	data, err := t.c.retry(ctx, func() ([]byte, error) {
		return t.c.do(ctx, request{
			method: http.MethodGet,
			path:   t.path(),
			query:  url.Values{"select": {"*"}},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", t.typ.Table(), err)
	}
	return t.parseRows(data)
}

// FetchByID returns the entity with the given id, or (nil, nil) when the
// table holds no such row.
func (t *Table[T]) FetchByID(ctx context.Context, id string) (*T, error) {
	data, err := t.c.retry(ctx, func() ([]byte, error) {
		return t.c.do(ctx, request{
			method: http.MethodGet,
			path:   t.path(),
			query:  url.Values{"select": {"*"}, "id": {"eq." + id}},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s %q: %w", t.typ, id, err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decoding %s %q: %w", ErrRemoteRejected, t.typ, id, err)
	}
	if len(raw) == 0 {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	v, err := t.decode(raw[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q: %w", ErrRemoteRejected, t.typ, id, err)
	}
	return &v, nil
}

// Delete removes the entity with the given id. Deleting a missing row is
// not an error.
func (t *Table[T]) Delete(ctx context.Context, id string) error {
	_, err := t.c.retry(ctx, func() ([]byte, error) {
		return t.c.do(ctx, request{
			method: http.MethodDelete,
			path:   t.path(),
			query:  url.Values{"id": {"eq." + id}},
			prefer: "return=minimal",
		})
	})
	if err != nil {
		return fmt.Errorf("delete %s %q: %w", t.typ, id, err)
	}
	return nil
}

// Subscribe opens a realtime subscription to changes in the table. Each
// change event yields one [model.Notification]; the channel is closed when
// ctx is cancelled. Dropped connections are re-established with backoff.
func (t *Table[T]) Subscribe(ctx context.Context) (<-chan model.Notification, error) {
	return t.c.subscribe(ctx, t.typ)
}

func (t *Table[T]) parseRows(data []byte) ([]T, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %w", ErrRemoteRejected, t.typ.Table(), err)
	}
	out := make([]T, 0, len(raw))
	for i, r := range raw {
		v, err := t.decode(r)
		if err != nil {
			t.c.logger.Warn("skipping unreadable remote row",
				"type", t.typ,
				"index", i,
				"error", err,
			)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// decodeRow adapts a row converter to raw JSON input.
func decodeRow[R any, T model.Entity](conv func(R) (T, error)) func(json.RawMessage) (T, error) {
	return func(raw json.RawMessage) (T, error) {
		var row R
		if err := json.Unmarshal(raw, &row); err != nil {
			var zero T
			return zero, err
		}
		return conv(row)
	}
}
