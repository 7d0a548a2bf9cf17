package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/blockberries/graphberry/frame"
	"github.com/blockberries/graphberry/graph"
	"github.com/blockberries/graphberry/snapshot"
	"github.com/blockberries/graphberry/types"
	"github.com/blockberries/graphberry/wal"
)

// Option configures an Engine
type Option func(*options)

type options struct {
	logger     *slog.Logger
	registry   *graph.Registry
	registerer prometheus.Registerer
	tracer     trace.Tracer
	store      snapshot.Store
	now        func() time.Time
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry sets the kind registry used for implicit object creation
func WithRegistry(r *graph.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithMetricsRegisterer registers the engine's collectors with reg
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithTracer sets the tracer. Default: the global tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithSnapshotStore overrides the store selected by the config
func WithSnapshotStore(s snapshot.Store) Option {
	return func(o *options) { o.store = s }
}

// WithClock sets the clock used for record and snapshot timestamps
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Recovery describes what Open did to restore the graph
type Recovery struct {
	// Snapshot is the snapshot the graph was seeded from, nil if none
	Snapshot *snapshot.Meta
	// Replay is the result of replaying the log after the snapshot
	Replay *Result
	// Quarantined lists segments moved aside after a truncated replay
	Quarantined []int
	// Duration of the whole recovery
	Duration time.Duration
}

// Stats is a point-in-time summary of the engine
type Stats struct {
	Objects        int          `json:"objects"`
	GraphVersion   uint64       `json:"graph_version"`
	LastSeq        uint64       `json:"last_seq"`
	Position       wal.Position `json:"position"`
	Segments       int          `json:"segments"`
	PendingRecords uint64       `json:"pending_records"`
	OpenFrames     []string     `json:"open_frames"`
	Kinds          []string     `json:"kinds"`
}

// Engine owns one log, the live graph rebuilt from it and the snapshots
// that bound it. All mutation goes through transactions.
type Engine struct {
	cfg     *Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *Metrics

	wal       *wal.FileWAL
	graph     *graph.Graph
	tracker   *frame.Tracker
	snapshots *snapshot.Manager

	// txMu serializes transactions and snapshot capture
	txMu     sync.Mutex
	closed   atomic.Bool
	pending  atomic.Uint64
	recovery *Recovery

	// quarantineFrom is the first corrupt segment while recovery waits for
	// its snapshot, -1 otherwise
	quarantineFrom int
	quarantined    []int
}

// Open loads the latest snapshot, replays the log written after it and
// starts the writer. If replay stopped at a corrupt record, Open takes a
// snapshot right away and quarantines the damaged segments, so new records
// are never appended behind unreadable ones.
func Open(ctx context.Context, cfg *Config, opts ...Option) (*Engine, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, err
	}

	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = graph.NewRegistry()
	}
	o.registry.SetStrict(cfg.Graph.StrictKinds)
	if o.tracer == nil {
		o.tracer = otel.Tracer("graphberry/engine")
	}

	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "engine.Open",
		trace.WithAttributes(attribute.String("wal.dir", cfg.WAL.Dir)))
	defer span.End()

	e := &Engine{
		cfg:     cfg,
		logger:  o.logger.With(slog.String("component", "engine")),
		tracer:  o.tracer,
		metrics: NewMetrics(o.registerer),
		tracker: frame.NewTracker(),

		quarantineFrom: -1,
	}

	store := o.store
	if store == nil {
		var err error
		store, err = snapshot.OpenStore(cfg.Snapshot.Store, cfg.Snapshot.Dir, o.logger)
		if err != nil {
			return nil, err
		}
	}
	e.snapshots = snapshot.NewManager(store, e, snapshot.Options{
		Retain:       cfg.Snapshot.Retain,
		Interval:     cfg.Snapshot.Interval,
		EveryRecords: cfg.Snapshot.EveryRecords,
		Logger:       o.logger,
		Tracer:       o.tracer,
		OnSnapshot:   e.observeSnapshot,
		Now:          o.now,
	})

	recovery, err := e.recover(ctx, o)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recovery failed")
		if e.wal != nil {
			e.wal.Stop()
		}
		store.Close()
		return nil, err
	}
	recovery.Duration = time.Since(start)
	e.recovery = recovery
	e.metrics.objects.Set(float64(e.graph.Len()))

	e.logger.Info("engine opened",
		slog.String("wal_dir", cfg.WAL.Dir),
		slog.Int("objects", e.graph.Len()),
		slog.Uint64("last_seq", e.wal.LastSeq()),
		slog.String("position", e.wal.Position().String()),
		slog.Duration("recovery", recovery.Duration))
	return e, nil
}

func (e *Engine) recover(ctx context.Context, o options) (*Recovery, error) {
	g, snap, err := e.snapshots.LoadLatest(ctx,
		graph.WithRegistry(o.registry),
		graph.WithKindSlot(e.cfg.Graph.KindSlot))
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	e.graph = g

	rec := &Recovery{}
	var snapSeq uint64
	if snap != nil {
		meta := snap.Meta
		rec.Snapshot = &meta
		snapSeq = snap.LastSeq
	}
	from, err := ReplayFrom(e.cfg.WAL.Dir, snap)
	if err != nil {
		return nil, err
	}

	replayCtx, span := e.tracer.Start(ctx, "engine.Replay",
		trace.WithAttributes(attribute.String("from", from.String())))
	res, err := Replay(replayCtx, e.cfg.WAL.Dir, from, g, e.logger)
	if err != nil {
		span.RecordError(err)
		span.End()
		if errors.Is(err, wal.ErrSegmentGap) {
			return nil, fmt.Errorf("%w: %v", ErrLogGap, err)
		}
		return nil, fmt.Errorf("replay: %w", err)
	}
	span.SetAttributes(
		attribute.Int("records", res.Records),
		attribute.Int("sets_applied", res.SetsApplied),
		attribute.Bool("truncated", res.Truncated()))
	span.End()
	rec.Replay = res
	e.observeReplay(res)

	w, err := wal.NewFileWALWithOptions(e.cfg.WAL.Dir, wal.Options{
		MaxSegmentBytes: e.cfg.WAL.MaxSegmentBytes,
		Logger:          o.logger,
		OnAppend:        e.observeAppend,
		Now:             o.now,
	})
	if err != nil {
		return nil, err
	}
	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("start WAL: %w", err)
	}
	e.wal = w
	w.EnsureSeq(max(snapSeq, res.LastSeq))

	if res.Truncated() {
		quarantined, err := e.isolateCorruption(ctx, *res.TruncatedAt)
		if err != nil {
			return nil, err
		}
		rec.Quarantined = quarantined
	}
	return rec, nil
}

// isolateCorruption snapshots the recovered graph so replay never has to
// read past the corrupt record again. The damaged segments are quarantined
// by Compact, once the snapshot is durable.
func (e *Engine) isolateCorruption(ctx context.Context, at wal.Position) ([]int, error) {
	e.quarantineFrom = at.Segment
	h, err := e.snapshots.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot after truncated replay: %w", err)
	}
	e.logger.Warn("corrupt log isolated",
		slog.String("truncated_at", at.String()),
		slog.String("snapshot", h.Position.String()),
		slog.Any("quarantined", e.quarantined))
	return e.quarantined, nil
}

// quarantineCorrupt moves every closed segment from the first corrupt one
// aside
func (e *Engine) quarantineCorrupt() error {
	active := e.wal.Position().Segment
	for seg := e.quarantineFrom; seg < active; seg++ {
		if err := e.wal.Quarantine(seg); err != nil {
			return err
		}
		e.quarantined = append(e.quarantined, seg)
	}
	e.quarantineFrom = -1
	return nil
}

// append writes rec durably and counts it toward the next snapshot
func (e *Engine) append(rec *wal.Record) (wal.Position, error) {
	pos, err := e.wal.Append(rec)
	if err != nil {
		e.metrics.appendErrors.Inc()
		return pos, err
	}
	e.metrics.appendsTotal.WithLabelValues(rec.Kind.String()).Inc()
	e.metrics.pendingRecords.Set(float64(e.pending.Add(1)))
	return pos, nil
}

func (e *Engine) observeAppend(n int, sync time.Duration) {
	e.metrics.appendBytes.Add(float64(n))
	e.metrics.syncDuration.Observe(sync.Seconds())
}

func (e *Engine) observeReplay(res *Result) {
	e.metrics.replayRecords.WithLabelValues("applied").Add(float64(res.SetsApplied))
	e.metrics.replayRecords.WithLabelValues("unchanged").Add(float64(res.SetsUnchanged))
	e.metrics.replayRecords.WithLabelValues("skipped").Add(float64(res.SetsSkipped))
	if res.Truncated() {
		e.metrics.replayTruncations.Inc()
	}
}

func (e *Engine) observeSnapshot(h *snapshot.Handle, err error) {
	if err != nil {
		e.metrics.snapshotsTotal.WithLabelValues("error").Inc()
		return
	}
	e.metrics.snapshotsTotal.WithLabelValues("ok").Inc()
	e.metrics.snapshotDuration.Observe(h.Duration.Seconds())
	e.metrics.snapshotBytes.Set(float64(h.Bytes))
}

// Mark appends an audit annotation outside of any frame
func (e *Engine) Mark(ctx context.Context, tag string, metadata map[string]types.Value) error {
	if e.closed.Load() {
		return ErrClosed
	}
	_, span := e.tracer.Start(ctx, "engine.Mark", trace.WithAttributes(attribute.String("mark.tag", tag)))
	defer span.End()

	if _, err := e.append(wal.NewMarkRecord(tag, metadata)); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// SetSlot sets one slot in its own transaction
func (e *Engine) SetSlot(ctx context.Context, id types.ObjectID, path types.SlotPath, value types.Value) error {
	return e.WithTransaction(ctx, "", nil, func(tx *Tx) error {
		return tx.Set(id, path, value)
	})
}

// Graph returns the live graph for reading. Mutating it directly bypasses
// the log; use transactions.
func (e *Engine) Graph() *graph.Graph { return e.graph }

// View runs fn with a consistent read-only view of the live graph
func (e *Engine) View(fn func(v *graph.View) error) error {
	return e.graph.View(fn)
}

// Get returns an object of the live graph
func (e *Engine) Get(id types.ObjectID) (*graph.Object, bool) {
	return e.graph.Get(id)
}

// ReplayFrom returns where replay starts on top of snap, or on an empty
// graph when snap is nil. Without a snapshot the log must still begin at
// its first segment; otherwise ErrLogGap is returned.
func ReplayFrom(dir string, snap *snapshot.Snapshot) (wal.Position, error) {
	if snap != nil {
		return snap.Position, nil
	}
	first, err := wal.FirstPosition(dir)
	if err == nil && first.Segment > 0 {
		return wal.Position{}, fmt.Errorf("%w: no snapshot and the log starts at segment %d", ErrLogGap, first.Segment)
	}
	return wal.Position{}, nil
}

// Snapshot writes a snapshot now and compacts the log behind it. It cannot
// run inside a transaction of the same engine.
func (e *Engine) Snapshot(ctx context.Context) (*snapshot.Handle, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if owner, _ := ctx.Value(txKey{}).(*Engine); owner == e {
		return nil, ErrNestedTransaction
	}
	return e.snapshots.Snapshot(ctx)
}

// RunSnapshots takes background snapshots per the config until ctx is done
func (e *Engine) RunSnapshots(ctx context.Context) error {
	return e.snapshots.Run(ctx)
}

// Snapshots returns the snapshot manager
func (e *Engine) Snapshots() *snapshot.Manager { return e.snapshots }

// Capture implements snapshot.Source. It pauses commits while the log is
// rotated and the graph is copied.
func (e *Engine) Capture(ctx context.Context) (*snapshot.Capture, error) {
	_, span := e.tracer.Start(ctx, "engine.Capture")
	defer span.End()

	e.txMu.Lock()
	defer e.txMu.Unlock()

	pos, err := e.wal.Rotate()
	if err != nil {
		return nil, err
	}
	e.pending.Store(0)
	e.metrics.pendingRecords.Set(0)
	return &snapshot.Capture{
		Graph:    e.graph.Clone(),
		Position: pos,
		LastSeq:  e.wal.LastSeq(),
	}, nil
}

// Compact implements snapshot.Source. It runs only after a snapshot is
// durable.
func (e *Engine) Compact(_ context.Context, pos wal.Position) error {
	if e.quarantineFrom >= 0 {
		if err := e.quarantineCorrupt(); err != nil {
			return err
		}
	}
	return e.wal.Checkpoint(pos)
}

// Pending implements snapshot.Source
func (e *Engine) Pending() uint64 { return e.pending.Load() }

// Recovery describes how Open restored the graph
func (e *Engine) Recovery() *Recovery { return e.recovery }

// Config returns the engine configuration
func (e *Engine) Config() *Config { return e.cfg }

// Stats returns a point-in-time summary
func (e *Engine) Stats() Stats {
	return Stats{
		Objects:        e.graph.Len(),
		GraphVersion:   e.graph.Version(),
		LastSeq:        e.wal.LastSeq(),
		Position:       e.wal.Position(),
		Segments:       e.wal.SegmentCount(),
		PendingRecords: e.pending.Load(),
		OpenFrames:     e.tracker.OpenTags(),
		Kinds:          e.graph.Registry().Kinds(),
	}
}

// Close waits for the running transaction, then stops the writer and the
// snapshot store. Later calls return ErrClosed.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return ErrClosed
	}
	e.txMu.Lock()
	defer e.txMu.Unlock()

	err := e.wal.Stop()
	if cerr := e.snapshots.Store().Close(); err == nil {
		err = cerr
	}
	e.logger.Info("engine closed", slog.Uint64("last_seq", e.wal.LastSeq()))
	return err
}

var _ snapshot.Source = (*Engine)(nil)
