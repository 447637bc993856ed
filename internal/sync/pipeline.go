package sync

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/bookingsync/internal/merge"
	"github.com/njoerd114/bookingsync/internal/model"
	"github.com/njoerd114/bookingsync/internal/publish"
)

// Pipeline synchronises one entity type. Passes are serialised: a pass for
// the same type never starts while another is running.
type Pipeline[T model.Entity] struct {
	typ    model.EntityType
	local  LocalCollection[T]
	remote RemoteTable[T]
	batch  int
	log    *slog.Logger
	inst   *instruments
	hook   func(model.EntityType, Stage)
	now    func() time.Time

	passMu sync.Mutex

	statusMu sync.Mutex
	status   Status

	feed *publish.Feed[[]T]
}

func newPipeline[T model.Entity](typ model.EntityType, local LocalCollection[T], remote RemoteTable[T], o *options, inst *instruments, logger *slog.Logger) *Pipeline[T] {
	return &Pipeline[T]{
		typ:    typ,
		local:  local,
		remote: remote,
		batch:  o.batchSize,
		log:    logger.With("type", typ),
		inst:   inst,
		hook:   o.stageHook,
		now:    o.now,
		feed:   publish.NewFeed[[]T](),
	}
}

// Type returns the entity type the pipeline synchronises.
func (p *Pipeline[T]) Type() model.EntityType { return p.typ }

// Status returns the pipeline's current stage and the outcome of its last
// pass.
func (p *Pipeline[T]) Status() Status {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()
	return p.status
}

// Watch subscribes to the merged collection. The most recent merge result,
// if any, is replayed immediately.
func (p *Pipeline[T]) Watch(ctx context.Context) *publish.Subscription[[]T] {
	return p.feed.Subscribe(ctx)
}

// SyncOne runs a full pass: fetch both sides concurrently, merge, apply
// tombstones, persist locally, delete tombstoned entities remotely, then push
// the merged result to the remote. Local persistence always completes
// before anything is sent to the remote.
func (p *Pipeline[T]) SyncOne(ctx context.Context) (Result, error) {
	p.passMu.Lock()
	defer p.passMu.Unlock()

	ctx, span := p.inst.tracer.Start(ctx, spanPass)
	defer span.End()
	span.SetAttributes(attribute.String("sync.type", p.typ.String()))

	res, _, err := p.pass(ctx, true)
	p.inst.record(ctx, p.typ, res, err)

	span.SetAttributes(
		attribute.Int("sync.merged", res.Merge.Total()),
		attribute.Int("sync.conflicts", res.Merge.Conflicts),
		attribute.Int("sync.written_local", res.WrittenLocal),
		attribute.Int("sync.pushed_remote", res.PushedRemote),
		attribute.Int("sync.deleted_remote", res.DeletedRemote),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

// refresh runs the fetch, merge, and local persist steps only. It is the
// unit of work of a subscription stream.
func (p *Pipeline[T]) refresh(ctx context.Context) ([]T, error) {
	p.passMu.Lock()
	defer p.passMu.Unlock()

	ctx, span := p.inst.tracer.Start(ctx, spanRefresh)
	defer span.End()
	span.SetAttributes(attribute.String("sync.type", p.typ.String()))

	res, merged, err := p.pass(ctx, false)
	p.inst.record(ctx, p.typ, res, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return merged, err
}

// pass is one walk through the state machine. Callers hold passMu.
func (p *Pipeline[T]) pass(ctx context.Context, push bool) (Result, []T, error) {
	res := Result{Type: p.typ}
	started := p.now()

	fail := func(err error) (Result, []T, error) {
		p.setStage(StageFailed)
		p.finish(started, res, err)
		p.log.Error("sync pass failed", "error", err)
		return res, nil, err
	}

	// Fetching.
	p.setStage(StageFetching)
	var (
		local      []T
		tombstones []model.Tombstone
		remote     []T
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if local, err = p.local.All(gctx); err != nil {
			return fmt.Errorf("reading local %s: %w", p.typ.Table(), err)
		}
		if tombstones, err = p.local.Tombstones(gctx); err != nil {
			return fmt.Errorf("reading %s tombstones: %w", p.typ, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if remote, err = p.remote.FetchAll(gctx); err != nil {
			return fmt.Errorf("fetching remote %s: %w", p.typ.Table(), err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return fail(err)
	}

	// Merging.
	p.setStage(StageMerging)
	merged, stats, err := merge.Merge(local, remote)
	if err != nil {
		return fail(fmt.Errorf("merging %s: %w", p.typ.Table(), err))
	}
	res.Merge = stats
	merged, suppressed := merge.ApplyTombstones(merged, tombstones)
	res.Suppressed = len(suppressed)

	// PersistingLocal.
	p.setStage(StagePersistingLocal)
	toLocal := merge.Changed(merged, local)
	var skipped []string
	for chunk := range slices.Chunk(toLocal, p.batch) {
		rejected, err := p.local.UpsertBatch(ctx, chunk)
		if err != nil {
			return fail(fmt.Errorf("persisting %s locally: %w", p.typ.Table(), err))
		}
		res.WrittenLocal += len(chunk) - len(rejected)
		skipped = append(skipped, rejected...)
	}
	res.SkippedLocal = len(skipped)
	merged = withoutIDs(merged, skipped)
	p.feed.Publish(merged)

	if push {
		// PersistingRemote.
		p.setStage(StagePersistingRemote)
		n, err := p.deleteRemote(ctx, suppressed, remote)
		res.DeletedRemote = n
		if err != nil {
			return fail(err)
		}
		for chunk := range slices.Chunk(merge.Changed(merged, remote), p.batch) {
			if err := p.remote.SyncUp(ctx, chunk); err != nil {
				return fail(fmt.Errorf("pushing %s: %w", p.typ.Table(), err))
			}
			res.PushedRemote += len(chunk)
		}
	}

	p.setStage(StageIdle)
	p.finish(started, res, nil)
	p.log.Info("sync pass complete",
		"merged", stats.Total(),
		"conflicts", stats.Conflicts,
		"written_local", res.WrittenLocal,
		"skipped_local", res.SkippedLocal,
		"pushed_remote", res.PushedRemote,
		"deleted_remote", res.DeletedRemote,
		"push", push,
	)
	return res, merged, nil
}

// deleteRemote removes suppressed ids that the remote still holds.
func (p *Pipeline[T]) deleteRemote(ctx context.Context, suppressed []string, remote []T) (int, error) {
	if len(suppressed) == 0 {
		return 0, nil
	}
	held := make(map[string]struct{}, len(remote))
	for _, r := range remote {
		held[r.EntityID()] = struct{}{}
	}

	deleted := 0
	for _, id := range suppressed {
		if _, ok := held[id]; !ok {
			continue
		}
		if err := p.remote.Delete(ctx, id); err != nil {
			return deleted, fmt.Errorf("deleting remote %s %q: %w", p.typ, id, err)
		}
		deleted++
	}
	return deleted, nil
}

func (p *Pipeline[T]) setStage(s Stage) {
	p.statusMu.Lock()
	p.status.Stage = s
	p.statusMu.Unlock()
	if p.hook != nil {
		p.hook(p.typ, s)
	}
}

// finish records the outcome of a pass and returns the pipeline to Idle.
func (p *Pipeline[T]) finish(started time.Time, res Result, err error) {
	p.statusMu.Lock()
	p.status.LastRun = started
	p.status.LastErr = err
	p.status.LastPass = res
	p.statusMu.Unlock()
	if err != nil {
		p.setStage(StageIdle)
	}
}

// withoutIDs drops the entities whose id is in ids.
func withoutIDs[T model.Entity](vs []T, ids []string) []T {
	if len(ids) == 0 {
		return vs
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	return slices.DeleteFunc(slices.Clone(vs), func(v T) bool {
		_, ok := drop[v.EntityID()]
		return ok
	})
}
