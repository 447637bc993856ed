package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/bookingsync/internal/model"
)

const (
	otelScope     = "bookingsync/sync"
	spanPass      = "sync.pass"
	spanRefresh   = "sync.refresh"
	spanSyncAll   = "sync.all"
	metricPasses  = "bookingsync.sync.passes"
	metricMerged  = "bookingsync.sync.entities.merged"
	metricConflct = "bookingsync.sync.conflicts"
	metricErrors  = "bookingsync.sync.errors"

	// DefaultBatchSize is the number of entities written per batch.
	DefaultBatchSize = 50
)

// instruments holds the OTel tracer and counters shared by both pipelines.
// Always non-nil (no-op when telemetry is disabled).
type instruments struct {
	tracer       trace.Tracer
	cntPasses    metric.Int64Counter
	cntMerged    metric.Int64Counter
	cntConflicts metric.Int64Counter
	cntErrors    metric.Int64Counter
}

func newInstruments(logger *slog.Logger) *instruments {
	meter := otel.Meter(otelScope)
	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}
	return &instruments{
		tracer:       otel.Tracer(otelScope),
		cntPasses:    mustCounter(metricPasses, "Number of sync passes run"),
		cntMerged:    mustCounter(metricMerged, "Number of entities in merged collections"),
		cntConflicts: mustCounter(metricConflct, "Number of conflict resolutions during sync"),
		cntErrors:    mustCounter(metricErrors, "Number of failed sync passes"),
	}
}

func (in *instruments) record(ctx context.Context, typ model.EntityType, res Result, err error) {
	attrs := metric.WithAttributes(attribute.String("sync.type", typ.String()))
	in.cntPasses.Add(ctx, 1, attrs)
	if n := res.Merge.Total(); n > 0 {
		in.cntMerged.Add(ctx, int64(n), attrs)
	}
	if res.Merge.Conflicts > 0 {
		in.cntConflicts.Add(ctx, int64(res.Merge.Conflicts), attrs)
	}
	if err != nil {
		in.cntErrors.Add(ctx, 1, attrs)
	}
}

// Option configures an [Orchestrator].
type Option func(*options)

type options struct {
	batchSize int
	interval  time.Duration
	stageHook func(model.EntityType, Stage)
	now       func() time.Time
}

// WithBatchSize sets how many entities are written per local or remote
// batch. Values below 1 are ignored.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithInterval makes [Orchestrator.Run] repeat a full sync every d. Zero
// disables periodic syncs.
func WithInterval(d time.Duration) Option {
	return func(o *options) { o.interval = d }
}

// WithStageHook registers fn to observe every stage transition.
func WithStageHook(fn func(model.EntityType, Stage)) Option {
	return func(o *options) { o.stageHook = fn }
}

// Sources are the local and remote collections the orchestrator reconciles.
type Sources struct {
	LocalPatients      LocalCollection[model.Patient]
	RemotePatients     RemoteTable[model.Patient]
	LocalAppointments  LocalCollection[model.Appointment]
	RemoteAppointments RemoteTable[model.Appointment]
}

// Report is the outcome of [Orchestrator.SyncAll]. One entry per entity
// type; a failure in one type never affects the other.
type Report struct {
	Results map[model.EntityType]Result
	Errors  map[model.EntityType]error
}

// Err joins the per-type errors, or returns nil if every pipeline succeeded.
func (r Report) Err() error {
	var errs []error
	for _, typ := range model.EntityTypes {
		if err := r.Errors[typ]; err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", typ, err))
		}
	}
	return errors.Join(errs...)
}

// Orchestrator drives the patient and appointment pipelines. Create one with
// [NewOrchestrator] and start it with [Orchestrator.Run].
type Orchestrator struct {
	patients     *Pipeline[model.Patient]
	appointments *Pipeline[model.Appointment]
	interval     time.Duration
	log          *slog.Logger
	inst         *instruments
}

// NewOrchestrator creates an Orchestrator over src.
func NewOrchestrator(src Sources, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &options{batchSize: DefaultBatchSize, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	inst := newInstruments(logger)
	return &Orchestrator{
		patients:     newPipeline(model.TypePatient, src.LocalPatients, src.RemotePatients, o, inst, logger),
		appointments: newPipeline(model.TypeAppointment, src.LocalAppointments, src.RemoteAppointments, o, inst, logger),
		interval:     o.interval,
		log:          logger,
		inst:         inst,
	}
}

// Patients returns the patient pipeline.
func (o *Orchestrator) Patients() *Pipeline[model.Patient] { return o.patients }

// Appointments returns the appointment pipeline.
func (o *Orchestrator) Appointments() *Pipeline[model.Appointment] { return o.appointments }

// Status returns the status of the pipeline for typ.
func (o *Orchestrator) Status(typ model.EntityType) Status {
	switch typ {
	case model.TypePatient:
		return o.patients.Status()
	case model.TypeAppointment:
		return o.appointments.Status()
	default:
		return Status{}
	}
}

// Stage returns the current stage of the pipeline for typ.
func (o *Orchestrator) Stage(typ model.EntityType) Stage {
	return o.Status(typ).Stage
}

// SyncOne runs a single pass for typ.
func (o *Orchestrator) SyncOne(ctx context.Context, typ model.EntityType) (Result, error) {
	switch typ {
	case model.TypePatient:
		return o.patients.SyncOne(ctx)
	case model.TypeAppointment:
		return o.appointments.SyncOne(ctx)
	default:
		return Result{}, fmt.Errorf("unknown entity type %q", typ)
	}
}

// SyncAll runs both pipelines concurrently and waits for both. A failing
// pipeline does not cancel the other.
func (o *Orchestrator) SyncAll(ctx context.Context) Report {
	ctx, span := o.inst.tracer.Start(ctx, spanSyncAll)
	defer span.End()

	rep := Report{
		Results: make(map[model.EntityType]Result, len(model.EntityTypes)),
		Errors:  make(map[model.EntityType]error),
	}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, typ := range model.EntityTypes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.SyncOne(ctx, typ)
			mu.Lock()
			defer mu.Unlock()
			rep.Results[typ] = res
			if err != nil {
				rep.Errors[typ] = err
			}
		}()
	}
	wg.Wait()

	if err := rep.Err(); err != nil {
		span.RecordError(err)
	}
	return rep
}

// Run performs a full sync, then keeps both entity types fresh through the
// remote change subscriptions and, if configured, periodic full syncs. It
// blocks until ctx is cancelled or a subscription fails with an error that
// cannot be retried.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.SyncAll(ctx).Err(); err != nil {
		o.log.Error("initial sync failed", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return follow(gctx, o.patients, o.log) })
	g.Go(func() error { return follow(gctx, o.appointments, o.log) })
	if o.interval > 0 {
		g.Go(func() error { return o.poll(gctx) })
	}

	err := g.Wait()
	if ctx.Err() != nil {
		o.log.Info("sync orchestrator shutting down")
		return ctx.Err()
	}
	return err
}

func (o *Orchestrator) poll(ctx context.Context) error {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := o.SyncAll(ctx).Err(); err != nil {
				o.log.Error("periodic sync failed", "error", err)
			}
		}
	}
}

// follow keeps a subscription stream open for p, resubscribing with backoff
// while the remote is unreachable.
func follow[T model.Entity](ctx context.Context, p *Pipeline[T], logger *slog.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = time.Minute

	for {
		s, err := p.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !transient(err) {
				return err
			}
			wait := b.NextBackOff()
			logger.Warn("subscription unavailable, retrying", "type", p.Type(), "in", wait, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		b.Reset()

		for merged := range s.C() {
			logger.Debug("merged collection updated", "type", p.Type(), "count", len(merged))
		}
		if err := s.Err(); err != nil {
			return fmt.Errorf("%s subscription: %w", p.Type(), err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
