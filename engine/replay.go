package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/blockberries/graphberry/frame"
	"github.com/blockberries/graphberry/graph"
	"github.com/blockberries/graphberry/types"
	"github.com/blockberries/graphberry/wal"
)

// ctxCheckInterval is how many records replay reads between context checks
const ctxCheckInterval = 1024

// Result contains the result of a replay
type Result struct {
	// From is where reading started
	From wal.Position
	// End is where pass 1 stopped; pass 2 never reads past it
	End wal.Position

	// Records read in pass 1
	Records int
	// Frame instances found complete and incomplete
	FramesComplete   int
	FramesIncomplete int

	// SET records applied (changed the graph), applied without effect,
	// and skipped (incomplete frame or orphan)
	SetsApplied   int
	SetsUnchanged int
	SetsSkipped   int
	Orphans       int

	// Torn tails crossed (each one is a session break)
	TornTails int

	// Marks holds every audit annotation read, in log order
	Marks []frame.Mark

	// LastSeq is the highest sequence number read
	LastSeq uint64

	// TruncatedAt is set when a corrupt record stopped the replay; records
	// from that position on were not read
	TruncatedAt *wal.Position
	// TruncateReason describes the corruption
	TruncateReason string
}

// Truncated reports whether replay stopped at a corrupt record
func (r *Result) Truncated() bool { return r.TruncatedAt != nil }

// FrameSummary describes one complete frame for tooling
type FrameSummary struct {
	Tag         string                 `json:"tag"`
	Metadata    map[string]types.Value `json:"metadata,omitempty"`
	RecordCount int                    `json:"record_count"`
	Begin       wal.Position           `json:"begin"`
	End         wal.Position           `json:"end"`
}

// Discover runs replay pass 1: it reads the log from `from` and finds frame
// instances, marks and the end of the readable log. A log directory without
// segments is an empty log.
func Discover(ctx context.Context, dir string, from wal.Position, opts ...frame.ScanOption) (*frame.Scan, *Result, error) {
	scan := frame.NewScan(opts...)
	res := &Result{From: from, End: from}

	reader, err := wal.OpenReader(dir, from)
	if errors.Is(err, wal.ErrWALNotFound) {
		return scan, res, nil
	}
	if err != nil {
		return nil, nil, err
	}
	defer reader.Close()

	// A torn record immediately followed by the end of the log may still be
	// in flight; it is excluded from End so pass 2 cannot see it completed.
	var lastTorn *wal.Position
	for i := 0; ; i++ {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
		}

		rec, pos, err := reader.Read()
		if err == nil {
			lastTorn = nil
			scan.Observe(rec, pos)
			res.LastSeq = max(res.LastSeq, rec.Seq)
			continue
		}

		var cerr *wal.CorruptRecordError
		switch {
		case errors.Is(err, wal.ErrIncompleteRecord):
			scan.Break()
			res.TornTails++
			p := pos
			lastTorn = &p
			continue
		case errors.Is(err, io.EOF):
			res.End = pos
			if lastTorn != nil {
				res.End = *lastTorn
			}
		case errors.As(err, &cerr):
			p := cerr.Position()
			res.End = p
			res.TruncatedAt = &p
			res.TruncateReason = cerr.Reason
		default:
			return nil, nil, fmt.Errorf("read log: %w", err)
		}
		break
	}

	res.Records = scan.Records()
	res.FramesComplete, res.FramesIncomplete = scan.Counts()
	res.Orphans = scan.Orphans()
	res.Marks = scan.Marks()
	return scan, res, nil
}

// Replay rebuilds graph state from the log with the two-pass algorithm.
//
// Pass 1 discovers which frame instances are complete. Pass 2 reads the
// same records again and applies, in log order, exactly the SETs that
// belong to complete instances. A corrupt record ends both passes; it is
// reported in Result.TruncatedAt and is not an error.
func Replay(ctx context.Context, dir string, from wal.Position, g *graph.Graph, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "replay"))

	scan, res, err := Discover(ctx, dir, from)
	if err != nil {
		return nil, err
	}
	if res.Records == 0 && res.TornTails == 0 {
		logger.Debug("log empty", slog.String("from", from.String()))
		return res, nil
	}

	if err := apply(ctx, dir, from, scan.Cursor(), g, res); err != nil {
		return nil, err
	}

	attrs := []any{
		slog.String("from", from.String()),
		slog.String("end", res.End.String()),
		slog.Int("records", res.Records),
		slog.Int("frames_complete", res.FramesComplete),
		slog.Int("frames_incomplete", res.FramesIncomplete),
		slog.Int("sets_applied", res.SetsApplied),
		slog.Int("sets_skipped", res.SetsSkipped),
		slog.Int("marks", len(res.Marks)),
	}
	if res.Truncated() {
		logger.Warn("replay truncated at corrupt record",
			append(attrs, slog.String("truncated_at", res.TruncatedAt.String()), slog.String("reason", res.TruncateReason))...)
	} else {
		logger.Info("replay complete", attrs...)
	}
	return res, nil
}

// apply is replay pass 2
func apply(ctx context.Context, dir string, from wal.Position, cursor *frame.Cursor, g *graph.Graph, res *Result) error {
	reader, err := wal.OpenReader(dir, from)
	if err != nil {
		return err
	}
	defer reader.Close()

	for i := 0; ; i++ {
		if i%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		rec, pos, err := reader.Read()
		if !pos.Less(res.End) {
			return nil
		}
		if errors.Is(err, wal.ErrIncompleteRecord) {
			cursor.Break()
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read log at %s: %w", pos, err)
		}

		if !cursor.Observe(rec, pos) {
			if rec.Kind == wal.KindSet {
				res.SetsSkipped++
			}
			continue
		}

		outcome, err := g.Apply(graph.Mutation{Object: rec.Object, Slot: rec.Slot, Value: rec.Value})
		if err != nil {
			return fmt.Errorf("apply record at %s: %w", pos, err)
		}
		if outcome == graph.Unchanged {
			res.SetsUnchanged++
		} else {
			res.SetsApplied++
		}
	}
}

// ListCompleteFrames runs pass 1 only and summarizes every complete frame
// instance in log order
func ListCompleteFrames(ctx context.Context, dir string, from wal.Position) ([]FrameSummary, *Result, error) {
	scan, res, err := Discover(ctx, dir, from)
	if err != nil {
		return nil, nil, err
	}
	frames := scan.CompleteFrames()
	out := make([]FrameSummary, 0, len(frames))
	for _, f := range frames {
		out = append(out, FrameSummary{
			Tag:         f.Tag,
			Metadata:    f.Metadata,
			RecordCount: f.RecordCount(),
			Begin:       f.Begin,
			End:         f.End,
		})
	}
	return out, res, nil
}
