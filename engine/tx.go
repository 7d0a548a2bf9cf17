package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/blockberries/graphberry/frame"
	"github.com/blockberries/graphberry/graph"
	"github.com/blockberries/graphberry/types"
	"github.com/blockberries/graphberry/wal"
)

// txKey marks a context as belonging to a running transaction of one engine
type txKey struct{}

// Tx is the handle passed to a transaction function. It is only valid
// until the function returns.
type Tx struct {
	e       *Engine
	ctx     context.Context
	tag     string
	staging *graph.Staging
	done    bool
}

// Tag returns the frame tag of the transaction
func (tx *Tx) Tag() string { return tx.tag }

// Context returns the transaction context. Code running inside the
// transaction must pass it on so nested transactions are detected.
func (tx *Tx) Context() context.Context { return tx.ctx }

// Set logs a SET record durably, then stages the change. Staged changes are
// visible through Get and Slot of this Tx and are published to the graph
// when the transaction commits.
func (tx *Tx) Set(id types.ObjectID, path types.SlotPath, value types.Value) error {
	if tx.done {
		return ErrTransactionDone
	}
	m := graph.Mutation{Object: id, Slot: path, Value: value}
	if err := tx.staging.Check(m); err != nil {
		return err
	}
	if _, err := tx.e.append(wal.NewSetRecord(tx.tag, id, path, value)); err != nil {
		return err
	}
	if err := tx.e.tracker.CountSet(tx.tag); err != nil {
		return err
	}
	tx.staging.Set(m)
	return nil
}

// Mark logs an audit annotation while the transaction is running
func (tx *Tx) Mark(tag string, metadata map[string]types.Value) error {
	if tx.done {
		return ErrTransactionDone
	}
	_, err := tx.e.append(wal.NewMarkRecord(tag, metadata))
	return err
}

// Get returns an object as seen by the transaction
func (tx *Tx) Get(id types.ObjectID) (*graph.Object, bool) {
	return tx.staging.Get(id)
}

// Slot returns a slot value as seen by the transaction
func (tx *Tx) Slot(id types.ObjectID, path types.SlotPath) (types.Value, bool) {
	return tx.staging.Slot(id, path)
}

// Len returns the number of SETs logged so far
func (tx *Tx) Len() int { return tx.staging.Len() }

// WithTransaction runs fn inside a frame tagged tag. An empty tag is
// replaced with a unique one.
//
// BEGIN is logged before fn runs and every Tx.Set is durable before it
// returns. When fn returns nil, END is logged and all staged changes are
// published in one critical section. When fn returns an error or panics,
// the frame is abandoned without END and the live graph is left unchanged,
// matching what replay will rebuild. A panic is re-raised after cleanup.
//
// Transactions are serialized. A tag that is already open is rejected with
// frame.ErrFrameAlreadyOpen without waiting. Calling WithTransaction,
// SetSlot or Snapshot from inside fn must pass Tx.Context, which makes them
// fail with ErrNestedTransaction; with an unrelated context and a fresh tag
// they wait for the outer transaction and never return.
func (e *Engine) WithTransaction(ctx context.Context, tag string, metadata map[string]types.Value, fn func(tx *Tx) error) (err error) {
	if e.closed.Load() {
		return ErrClosed
	}
	if owner, _ := ctx.Value(txKey{}).(*Engine); owner == e {
		return ErrNestedTransaction
	}
	if tag == "" {
		tag = "tx-" + uuid.NewString()
	}
	if e.tracker.IsOpen(tag) {
		return fmt.Errorf("open frame %q: %w", tag, frame.ErrFrameAlreadyOpen)
	}

	ctx, span := e.tracer.Start(ctx, "engine.WithTransaction",
		trace.WithAttributes(attribute.String("frame.tag", tag)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "transaction aborted")
		}
		span.End()
	}()

	e.txMu.Lock()
	defer e.txMu.Unlock()
	if e.closed.Load() {
		return ErrClosed
	}

	if err := e.tracker.Open(tag, metadata); err != nil {
		return fmt.Errorf("open frame %q: %w", tag, err)
	}

	start := time.Now()
	tx := &Tx{
		e:       e,
		ctx:     context.WithValue(ctx, txKey{}, e),
		tag:     tag,
		staging: e.graph.NewStaging(),
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		tx.done = true
		e.tracker.Abandon(tag)
		e.metrics.txTotal.WithLabelValues("aborted").Inc()
		if r := recover(); r != nil {
			e.logger.Error("transaction panicked, frame abandoned",
				slog.String("tag", tag),
				slog.Int("sets", tx.staging.Len()),
				slog.Any("panic", r))
			panic(r)
		}
		e.logger.Debug("transaction aborted",
			slog.String("tag", tag),
			slog.Int("sets", tx.staging.Len()),
			slog.Any("error", err))
	}()

	if _, err := e.append(wal.NewBeginRecord(tag, metadata)); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	if _, err := e.append(wal.NewEndRecord(tag)); err != nil {
		return err
	}

	// END is durable: the frame is complete from here on
	committed = true
	tx.done = true
	if _, err := e.tracker.Close(tag); err != nil {
		return err
	}
	if _, err := tx.staging.Publish(); err != nil {
		return fmt.Errorf("publish frame %q: %w", tag, err)
	}

	sets := tx.staging.Len()
	e.metrics.txTotal.WithLabelValues("committed").Inc()
	e.metrics.txDuration.Observe(time.Since(start).Seconds())
	e.metrics.txSets.Observe(float64(sets))
	e.metrics.objects.Set(float64(e.graph.Len()))
	span.SetAttributes(attribute.Int("frame.sets", sets))
	return nil
}
