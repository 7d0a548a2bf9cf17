package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/blockberries/graphberry/graph"
	"github.com/blockberries/graphberry/wal"
)

// Capture is a consistent copy of the graph and the log position it covers
type Capture struct {
	Graph    *graph.Graph
	Position wal.Position
	LastSeq  uint64
}

// Source is the persistence engine seen from the snapshot manager
type Source interface {
	// Capture pauses commits, rotates the log and copies the graph
	Capture(ctx context.Context) (*Capture, error)

	// Compact deletes log segments entirely before pos
	Compact(ctx context.Context, pos wal.Position) error

	// Pending returns the number of records appended since the last capture
	Pending() uint64
}

// Handle describes a written snapshot
type Handle struct {
	Meta
	Objects  int
	Bytes    int
	Duration time.Duration
}

// Options configures a Manager
type Options struct {
	// Retain is the number of snapshots kept. Default: 2.
	Retain int

	// Interval between periodic snapshots in Run. Zero disables them.
	Interval time.Duration

	// EveryRecords triggers a snapshot in Run once this many records were
	// appended since the last one. Zero disables it.
	EveryRecords uint64

	// Logger. Default: slog.Default().
	Logger *slog.Logger

	// Tracer. Default: the global tracer provider.
	Tracer trace.Tracer

	// OnSnapshot is called after every snapshot attempt
	OnSnapshot func(h *Handle, err error)

	// Now supplies snapshot timestamps. Default: time.Now.
	Now func() time.Time
}

// Manager writes snapshots, loads the latest valid one and compacts the
// log behind them
type Manager struct {
	store  Store
	src    Source
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer
	group  singleflight.Group
}

// NewManager creates a manager. src may be nil for read-only use
// (LoadLatest, List).
func NewManager(store Store, src Source, opts Options) *Manager {
	if opts.Retain <= 0 {
		opts.Retain = 2
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("graphberry/snapshot")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:  store,
		src:    src,
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "snapshot")),
		tracer: opts.Tracer,
	}
}

// Store returns the underlying store
func (m *Manager) Store() Store { return m.store }

// Snapshot captures the graph, writes it durably and only then compacts
// the log. Concurrent calls share one snapshot.
func (m *Manager) Snapshot(ctx context.Context) (*Handle, error) {
	if m.src == nil {
		return nil, errors.New("snapshot manager has no source")
	}
	v, err, shared := m.group.Do("snapshot", func() (interface{}, error) {
		return m.snapshot(ctx)
	})
	if shared {
		m.logger.Debug("snapshot request coalesced")
	}
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (m *Manager) snapshot(ctx context.Context) (h *Handle, err error) {
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "snapshot.Manager.Snapshot")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "snapshot failed")
		}
		span.End()
		if m.opts.OnSnapshot != nil {
			m.opts.OnSnapshot(h, err)
		}
	}()

	capture, err := m.src.Capture(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture graph: %w", err)
	}

	meta := Meta{Position: capture.Position, LastSeq: capture.LastSeq}
	data, err := Encode(&Snapshot{
		Meta:      meta,
		CreatedAt: m.opts.Now(),
		KindSlot:  capture.Graph.KindSlot(),
		Objects:   capture.Graph.Export(),
	})
	if err != nil {
		return nil, err
	}
	if err := m.store.Save(ctx, meta, data); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}

	h = &Handle{
		Meta:     meta,
		Objects:  capture.Graph.Len(),
		Bytes:    len(data),
		Duration: time.Since(start),
	}
	span.SetAttributes(
		attribute.String("position", meta.Position.String()),
		attribute.Int("objects", h.Objects),
		attribute.Int("bytes", h.Bytes),
	)
	m.logger.Info("snapshot written",
		slog.String("position", meta.Position.String()),
		slog.Uint64("last_seq", meta.LastSeq),
		slog.Int("objects", h.Objects),
		slog.Int("bytes", h.Bytes),
		slog.Duration("duration", h.Duration))

	// The new snapshot is durable; older data may go now
	oldest, err := m.prune(ctx)
	if err != nil {
		return h, fmt.Errorf("prune snapshots: %w", err)
	}
	if err := m.src.Compact(ctx, oldest); err != nil {
		return h, fmt.Errorf("compact log: %w", err)
	}
	return h, nil
}

// prune deletes snapshots beyond Retain and returns the position of the
// oldest one kept. The log is compacted only up to that position so every
// retained snapshot stays replayable.
func (m *Manager) prune(ctx context.Context) (wal.Position, error) {
	metas, err := m.store.List(ctx)
	if err != nil {
		return wal.Position{}, err
	}
	if len(metas) == 0 {
		return wal.Position{}, ErrNoSnapshot
	}

	keep := min(m.opts.Retain, len(metas))
	for _, meta := range metas[keep:] {
		if err := m.store.Delete(ctx, meta); err != nil {
			return wal.Position{}, err
		}
		m.logger.Debug("snapshot pruned", slog.String("snapshot", meta.String()))
	}
	return metas[keep-1].Position, nil
}

// List returns stored snapshots, newest first
func (m *Manager) List(ctx context.Context) ([]Meta, error) {
	return m.store.List(ctx)
}

// Latest returns the newest snapshot that decodes and verifies. Older
// snapshots are tried when newer ones fail. ErrNoSnapshot is returned when
// none is usable.
func (m *Manager) Latest(ctx context.Context) (*Snapshot, error) {
	metas, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	for _, meta := range metas {
		data, err := m.store.Load(ctx, meta)
		if err == nil {
			var snap *Snapshot
			snap, err = Decode(data)
			if err == nil && snap.Meta != meta {
				err = fmt.Errorf("%w: stored as %s, contains %s", ErrCorruptSnapshot, meta, snap.Meta)
			}
			if err == nil {
				return snap, nil
			}
		}
		m.logger.Warn("snapshot unusable, trying an older one",
			slog.String("snapshot", meta.String()),
			slog.String("error", err.Error()))
	}
	return nil, ErrNoSnapshot
}

// LoadLatest restores the newest usable snapshot into a new graph built
// with opts. Without a snapshot it returns an empty graph and a nil
// snapshot; replay then starts at the beginning of the log.
func (m *Manager) LoadLatest(ctx context.Context, opts ...graph.Option) (*graph.Graph, *Snapshot, error) {
	_, span := m.tracer.Start(ctx, "snapshot.Manager.LoadLatest")
	defer span.End()

	g := graph.New(opts...)
	snap, err := m.Latest(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		return g, nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	if snap.KindSlot != "" && snap.KindSlot != g.KindSlot() {
		m.logger.Warn("snapshot was written with a different kind slot",
			slog.String("snapshot", snap.KindSlot),
			slog.String("configured", g.KindSlot()))
	}
	if err := g.Restore(snap.Objects); err != nil {
		span.RecordError(err)
		return nil, nil, fmt.Errorf("restore snapshot %s: %w", snap.Meta, err)
	}
	span.SetAttributes(attribute.String("position", snap.Position.String()), attribute.Int("objects", len(snap.Objects)))
	m.logger.Info("snapshot loaded",
		slog.String("position", snap.Position.String()),
		slog.Uint64("last_seq", snap.LastSeq),
		slog.Int("objects", len(snap.Objects)))
	return g, snap, nil
}

// Run takes snapshots periodically and whenever EveryRecords records were
// appended, until ctx is done. Errors are logged, not returned.
func (m *Manager) Run(ctx context.Context) error {
	if m.opts.Interval <= 0 && m.opts.EveryRecords == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	var intervalC <-chan time.Time
	if m.opts.Interval > 0 {
		t := time.NewTicker(m.opts.Interval)
		defer t.Stop()
		intervalC = t.C
	}
	var checkC <-chan time.Time
	if m.opts.EveryRecords > 0 {
		t := time.NewTicker(thresholdCheckInterval)
		defer t.Stop()
		checkC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-intervalC:
			if m.src.Pending() == 0 {
				continue
			}
		case <-checkC:
			if m.src.Pending() < m.opts.EveryRecords {
				continue
			}
		}
		if _, err := m.Snapshot(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("background snapshot failed", slog.String("error", err.Error()))
		}
	}
}

// thresholdCheckInterval is how often Run polls the pending record count
const thresholdCheckInterval = 100 * time.Millisecond
