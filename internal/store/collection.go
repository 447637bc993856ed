package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/njoerd114/bookingsync/internal/model"
	"github.com/njoerd114/bookingsync/internal/publish"
)

// codec binds an entity type to its table: column list, ordering, upsert
// statement, and row mapping.
type codec[T model.Entity] struct {
	typ     model.EntityType
	columns string
	orderBy string

	// upsert replaces the row keyed by id. It must report zero affected rows
	// when the row is rejected (orphaned appointment).
	upsert string
	args   func(T) []any
	scan   func(scanner) (T, error)
}

// Collection is the live, typed view of one entity table. Writes replace
// whole rows keyed by identifier; field-level merging happens before the
// store, in the merge engine.
type Collection[T model.Entity] struct {
	st    *Store
	codec codec[T]

	// refreshMu serialises snapshot reloads so the feed never goes back to
	// an older snapshot than one already published.
	refreshMu sync.Mutex
	feed      *publish.Feed[[]T]
}

func newCollection[T model.Entity](st *Store, c codec[T]) *Collection[T] {
	return &Collection[T]{st: st, codec: c, feed: publish.NewFeed[[]T]()}
}

// Type returns the entity type held by the collection.
func (c *Collection[T]) Type() model.EntityType { return c.codec.typ }

// All returns the current contents of the collection.
func (c *Collection[T]) All(ctx context.Context) ([]T, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s ORDER BY %s`, c.codec.columns, c.codec.typ.Table(), c.codec.orderBy)
	rows, err := c.st.db.QueryContext(ctx, q)
	if err != nil {
		return nil, localErr("querying "+c.codec.typ.Table(), err)
	}
	defer func() { _ = rows.Close() }()

	out := []T{}
	for rows.Next() {
		v, err := c.codec.scan(rows)
		if err != nil {
			return nil, localErr("scanning "+c.codec.typ.String()+" row", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, localErr("iterating "+c.codec.typ.Table(), err)
	}
	return out, nil
}

// Get returns the entity with the given id, or (nil, nil) if no such entity
// exists.
func (c *Collection[T]) Get(ctx context.Context, id string) (*T, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, c.codec.columns, c.codec.typ.Table())
	v, err := c.codec.scan(c.st.db.QueryRowContext(ctx, q, id))
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, localErr(fmt.Sprintf("getting %s %q", c.codec.typ, id), err)
	}
	return &v, nil
}

// Upsert inserts v or fully replaces the stored entity with the same id.
// An appointment whose patient is not stored fails with [ErrUnknownPatient].
func (c *Collection[T]) Upsert(ctx context.Context, v T) error {
	skipped, err := c.write(ctx, []T{v})
	if err != nil {
		return err
	}
	if len(skipped) > 0 {
		return fmt.Errorf("upserting %s %q: %w", c.codec.typ, v.EntityID(), ErrUnknownPatient)
	}
	return nil
}

// UpsertBatch writes vs in a single transaction and returns the ids it
// skipped. Appointments referencing a patient that is not stored yet are
// skipped (orphan-reject) and logged; a later sync pass writes them once the
// patient has arrived.
func (c *Collection[T]) UpsertBatch(ctx context.Context, vs []T) ([]string, error) {
	if len(vs) == 0 {
		return nil, nil
	}
	skipped, err := c.write(ctx, vs)
	if err != nil {
		return nil, err
	}
	if len(skipped) > 0 {
		c.st.log.Warn("skipped orphaned rows",
			"type", c.codec.typ,
			"count", len(skipped),
			"ids", skipped,
		)
	}
	return skipped, nil
}

// write upserts vs in one transaction, clears their tombstones, and returns
// the ids the table rejected.
func (c *Collection[T]) write(ctx context.Context, vs []T) ([]string, error) {
	tx, err := c.st.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, localErr("beginning transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	upsert, err := tx.PrepareContext(ctx, c.codec.upsert)
	if err != nil {
		return nil, localErr("preparing upsert", err)
	}
	defer func() { _ = upsert.Close() }()

	clearTomb, err := tx.PrepareContext(ctx, `DELETE FROM tombstones WHERE entity_type = ? AND entity_id = ?`)
	if err != nil {
		return nil, localErr("preparing tombstone clear", err)
	}
	defer func() { _ = clearTomb.Close() }()

	var skipped []string
	for _, v := range vs {
		res, err := upsert.ExecContext(ctx, c.codec.args(v)...)
		if err != nil {
			return nil, localErr(fmt.Sprintf("upserting %s %q", c.codec.typ, v.EntityID()), err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			skipped = append(skipped, v.EntityID())
			continue
		}
		if _, err := clearTomb.ExecContext(ctx, string(c.codec.typ), v.EntityID()); err != nil {
			return nil, localErr("clearing tombstone", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, localErr("committing upsert", err)
	}
	if len(skipped) < len(vs) {
		c.refresh(ctx)
	}
	return skipped, nil
}

// Delete removes the entity with the given id and records a tombstone for it.
// Deleting a patient cascades to its appointments, which are tombstoned too.
// It reports whether the entity existed.
//
// Each tombstone is stamped after the row's own updated_at, so a row whose
// timestamp runs ahead of the local clock is still covered by it.
func (c *Collection[T]) Delete(ctx context.Context, id string) (bool, error) {
	tx, err := c.st.db.BeginTx(ctx, nil)
	if err != nil {
		return false, localErr("beginning transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var updatedAt int64
	q := fmt.Sprintf(`SELECT updated_at FROM %s WHERE id = ?`, c.codec.typ.Table())
	err = tx.QueryRowContext(ctx, q, id).Scan(&updatedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, localErr(fmt.Sprintf("reading %s %q", c.codec.typ, id), err)
	}

	var cascaded []rowVersion
	if c.codec.typ == model.TypePatient {
		cascaded, err = appointmentsForPatient(ctx, tx, id)
		if err != nil {
			return false, err
		}
	}

	q = fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, c.codec.typ.Table())
	if _, err := tx.ExecContext(ctx, q, id); err != nil {
		return false, localErr(fmt.Sprintf("deleting %s %q", c.codec.typ, id), err)
	}

	now := c.st.now().UTC()
	const tomb = `INSERT INTO tombstones (entity_type, entity_id, deleted_at) VALUES (?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET deleted_at = excluded.deleted_at`
	deletedAt := toMillis(model.NextModified(fromMillis(updatedAt), now))
	if _, err := tx.ExecContext(ctx, tomb, string(c.codec.typ), id, deletedAt); err != nil {
		return false, localErr("recording tombstone", err)
	}
	for _, a := range cascaded {
		at := toMillis(model.NextModified(fromMillis(a.updatedAt), now))
		if _, err := tx.ExecContext(ctx, tomb, string(model.TypeAppointment), a.id, at); err != nil {
			return false, localErr("recording cascaded tombstone", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, localErr("committing delete", err)
	}

	c.refresh(ctx)
	if len(cascaded) > 0 {
		c.st.appointments.refresh(ctx)
	}
	return true, nil
}

// Tombstones returns the deletion markers recorded for this collection.
func (c *Collection[T]) Tombstones(ctx context.Context) ([]model.Tombstone, error) {
	return c.st.Tombstones(ctx, c.codec.typ)
}

// Watch returns a live query over the whole collection. The current snapshot
// is delivered immediately and the full collection is re-emitted after every
// committed mutation.
func (c *Collection[T]) Watch(ctx context.Context) (*publish.Subscription[[]T], error) {
	if _, ok := c.feed.Latest(); !ok {
		if err := c.load(ctx); err != nil {
			return nil, err
		}
	}
	return c.feed.Subscribe(ctx), nil
}

// Search returns a live query that emits the subset of the collection
// matching pred, in collection order, after every committed mutation. The
// channel is closed when ctx is cancelled or the store is closed.
func (c *Collection[T]) Search(ctx context.Context, pred func(T) bool) (<-chan []T, error) {
	sub, err := c.Watch(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan []T, 1)
	go func() {
		defer close(out)
		for snap := range sub.C() {
			matched := make([]T, 0, len(snap))
			for _, v := range snap {
				if pred(v) {
					matched = append(matched, v)
				}
			}
			select {
			case out <- matched:
			case <-ctx.Done():
				sub.Close()
				return
			}
		}
	}()
	return out, nil
}

// load publishes the current snapshot.
func (c *Collection[T]) load(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	all, err := c.All(ctx)
	if err != nil {
		return err
	}
	c.feed.Publish(all)
	return nil
}

// refresh republishes the collection after a committed mutation. The commit
// already succeeded, so a failed reload is only logged.
func (c *Collection[T]) refresh(ctx context.Context) {
	if err := c.load(context.WithoutCancel(ctx)); err != nil {
		c.st.log.Error("refreshing live query", "type", c.codec.typ, "error", err)
	}
}

// rowVersion is an id with its stored updated_at in epoch milliseconds.
type rowVersion struct {
	id        string
	updatedAt int64
}

func appointmentsForPatient(ctx context.Context, tx *sql.Tx, patientID string) ([]rowVersion, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, updated_at FROM appointments WHERE patient_id = ?`, patientID)
	if err != nil {
		return nil, localErr("querying appointments for patient", err)
	}
	defer func() { _ = rows.Close() }()

	var out []rowVersion
	for rows.Next() {
		var v rowVersion
		if err := rows.Scan(&v.id, &v.updatedAt); err != nil {
			return nil, localErr("scanning appointment id", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, localErr("iterating appointment ids", err)
	}
	return out, nil
}
