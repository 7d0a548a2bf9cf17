package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/blockberries/graphberry/engine"
	"github.com/blockberries/graphberry/graph"
	"github.com/blockberries/graphberry/inspect"
	"github.com/blockberries/graphberry/snapshot"
	"github.com/blockberries/graphberry/types"
	"github.com/blockberries/graphberry/wal"
)

// cli holds the state shared by all commands
type cli struct {
	configPath  string
	walDir      string
	snapshotDir string
	logLevel    string
	jsonLogs    bool
	jsonOutput  bool

	cfg    *engine.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "graphberry",
		Short:        "Inspect and operate a graphberry log",
		Long:         `graphberry works on the write-ahead log and snapshots that persist a live object graph.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&c.configPath, "config", "c", "graphberry.yaml", "config file (YAML)")
	flags.StringVar(&c.walDir, "wal-dir", "", "WAL directory (overrides config)")
	flags.StringVar(&c.snapshotDir, "snapshot-dir", "", "snapshot directory (overrides config)")
	flags.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVar(&c.jsonLogs, "json-logs", false, "log as JSON")
	flags.BoolVar(&c.jsonOutput, "json", false, "print results as JSON")

	root.AddCommand(
		c.framesCmd(),
		c.replayCmd(),
		c.dumpCmd(),
		c.setCmd(),
		c.markCmd(),
		c.snapshotCmd(),
		c.tailCmd(),
		c.serveCmd(),
	)
	return root
}

// load reads the config, applies flag overrides and builds the logger
func (c *cli) load(cmd *cobra.Command) error {
	cfg, err := engine.LoadConfig(c.configPath)
	if err != nil {
		return err
	}
	if c.walDir != "" {
		cfg.WAL.Dir = c.walDir
	}
	if c.snapshotDir != "" {
		cfg.Snapshot.Dir = c.snapshotDir
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if c.jsonLogs {
		cfg.Log.JSON = true
	}
	if err := cfg.ValidateBasic(); err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = newLogger(cmd.ErrOrStderr(), cfg.Log)
	return nil
}

func newLogger(w io.Writer, cfg engine.LogConfig) *slog.Logger {
	var level slog.Level
	_ = level.UnmarshalText([]byte(cfg.Level))
	opts := &slog.HandlerOptions{Level: level}
	if cfg.JSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (c *cli) openEngine(ctx context.Context, opts ...engine.Option) (*engine.Engine, error) {
	return engine.Open(ctx, c.cfg, append([]engine.Option{engine.WithLogger(c.logger)}, opts...)...)
}

// rebuild restores the graph read-only: latest snapshot plus replay
func (c *cli) rebuild(ctx context.Context) (*graph.Graph, *engine.Result, error) {
	store, err := snapshot.OpenStore(c.cfg.Snapshot.Store, c.cfg.Snapshot.Dir, c.logger)
	if err != nil {
		return nil, nil, err
	}
	defer store.Close()

	mgr := snapshot.NewManager(store, nil, snapshot.Options{Logger: c.logger})
	g, snap, err := mgr.LoadLatest(ctx, graph.WithKindSlot(c.cfg.Graph.KindSlot))
	if err != nil {
		return nil, nil, err
	}
	from, err := engine.ReplayFrom(c.cfg.WAL.Dir, snap)
	if err != nil {
		return nil, nil, err
	}
	res, err := engine.Replay(ctx, c.cfg.WAL.Dir, from, g, c.logger)
	if errors.Is(err, wal.ErrSegmentGap) {
		return nil, nil, fmt.Errorf("%w: %v", engine.ErrLogGap, err)
	}
	if err != nil {
		return nil, nil, err
	}
	return g, res, nil
}

func (c *cli) printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parsePosition parses "segment:offset" or "segment"
func parsePosition(s string) (wal.Position, error) {
	seg, off, found := strings.Cut(s, ":")
	segment, err := strconv.Atoi(seg)
	if err != nil || segment < 0 {
		return wal.Position{}, fmt.Errorf("invalid position %q", s)
	}
	pos := wal.Position{Segment: segment}
	if found {
		pos.Offset, err = strconv.ParseInt(off, 10, 64)
		if err != nil || pos.Offset < 0 {
			return wal.Position{}, fmt.Errorf("invalid position %q", s)
		}
	}
	return pos, nil
}

// startPosition resolves --from, defaulting to the oldest segment
func (c *cli) startPosition(from string) (wal.Position, error) {
	if from != "" {
		return parsePosition(from)
	}
	pos, err := wal.FirstPosition(c.cfg.WAL.Dir)
	if errors.Is(err, wal.ErrWALNotFound) || os.IsNotExist(err) {
		return wal.Position{}, nil
	}
	return pos, err
}

func (c *cli) framesCmd() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "frames",
		Short: "List complete frames without applying them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pos, err := c.startPosition(from)
			if err != nil {
				return err
			}
			frames, res, err := engine.ListCompleteFrames(cmd.Context(), c.cfg.WAL.Dir, pos)
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.printJSON(cmd, frames)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TAG\tRECORDS\tBEGIN\tEND\tMETADATA")
			for _, f := range frames {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", f.Tag, f.RecordCount, f.Begin, f.End, formatMetadata(f.Metadata))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d complete, %d incomplete, %d orphan SETs, %d marks\n",
				res.FramesComplete, res.FramesIncomplete, res.Orphans, len(res.Marks))
			if res.Truncated() {
				fmt.Fprintf(cmd.OutOrStdout(), "log corrupt at %s: %s\n", res.TruncatedAt, res.TruncateReason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "start position segment[:offset]")
	return cmd
}

func formatMetadata(md map[string]types.Value) string {
	if len(md) == 0 {
		return "-"
	}
	return types.Map(md).String()
}

func (c *cli) replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Rebuild the graph read-only and report the replay result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			start := time.Now()
			g, res, err := c.rebuild(cmd.Context())
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.printJSON(cmd, res)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "replayed %s..%s in %s\n", res.From, res.End, time.Since(start).Round(time.Millisecond))
			fmt.Fprintf(out, "records:  %d (last seq %d)\n", res.Records, res.LastSeq)
			fmt.Fprintf(out, "frames:   %d complete, %d incomplete\n", res.FramesComplete, res.FramesIncomplete)
			fmt.Fprintf(out, "sets:     %d applied, %d unchanged, %d skipped, %d orphans\n",
				res.SetsApplied, res.SetsUnchanged, res.SetsSkipped, res.Orphans)
			fmt.Fprintf(out, "crashes:  %d torn tails\n", res.TornTails)
			fmt.Fprintf(out, "objects:  %d\n", g.Len())
			if res.Truncated() {
				fmt.Fprintf(out, "TRUNCATED at %s: %s\n", res.TruncatedAt, res.TruncateReason)
			}
			return nil
		},
	}
}

func (c *cli) dumpCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "dump [object-id...]",
		Short: "Rebuild the graph read-only and print objects as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, _, err := c.rebuild(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			if len(args) > 0 {
				for _, id := range args {
					obj, ok := g.Get(types.ObjectID(id))
					if !ok {
						return fmt.Errorf("%w: %s", graph.ErrObjectNotFound, id)
					}
					if err := enc.Encode(obj.State()); err != nil {
						return err
					}
				}
				return nil
			}
			for _, obj := range g.Objects() {
				if kind != "" && obj.Kind() != kind {
					continue
				}
				if err := enc.Encode(obj.State()); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "only objects of this kind")
	return cmd
}

func (c *cli) setCmd() *cobra.Command {
	var tag string
	cmd := &cobra.Command{
		Use:   "set <object-id> <slot-path> <value>",
		Short: "Set one slot in its own transaction",
		Long: `Set one slot in its own transaction. The value is a JSON literal
("text", 42, 1.5, true, null, [..], {..}); anything else is taken as a string.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := types.ParseValue(args[2])
			if err != nil {
				value = types.String(args[2])
			}
			e, err := c.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			return e.WithTransaction(cmd.Context(), tag, nil, func(tx *engine.Tx) error {
				return tx.Set(types.ObjectID(args[0]), types.SlotPath(args[1]), value)
			})
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "frame tag (default: generated)")
	return cmd
}

func (c *cli) markCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mark <tag> [key=value...]",
		Short: "Append an audit mark",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			md, err := parseMetadata(args[1:])
			if err != nil {
				return err
			}
			e, err := c.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			return e.Mark(cmd.Context(), args[0], md)
		},
	}
}

func parseMetadata(pairs []string) (map[string]types.Value, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	md := make(map[string]types.Value, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid metadata %q, want key=value", pair)
		}
		md[k] = types.String(v)
	}
	return md, nil
}

func (c *cli) snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Take a snapshot and compact the log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := c.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			h, err := e.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			if c.jsonOutput {
				return c.printJSON(cmd, h)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "snapshot %s: %d objects, %d bytes\n", h.Meta, h.Objects, h.Bytes)
			return nil
		},
	}
}

func (c *cli) tailCmd() *cobra.Command {
	var from string
	var poll time.Duration
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow records as they are appended",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pos, err := c.startPosition(from)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			f := &wal.Follower{Dir: c.cfg.WAL.Dir, PollInterval: poll, Logger: c.logger}
			err = f.Run(cmd.Context(), pos, func(rec *wal.Record, pos wal.Position) error {
				_, err := fmt.Fprintln(out, formatRecord(rec, pos))
				return err
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "start position segment[:offset]")
	cmd.Flags().DurationVar(&poll, "poll", wal.DefaultFollowPollInterval, "poll interval")
	return cmd
}

func formatRecord(rec *wal.Record, pos wal.Position) string {
	ts := time.Unix(0, rec.Time).UTC().Format(time.RFC3339Nano)
	switch rec.Kind {
	case wal.KindSet:
		return fmt.Sprintf("%s #%d %s SET   %s %s.%s = %s", pos, rec.Seq, ts, rec.Tag, rec.Object, rec.Slot, rec.Value)
	case wal.KindBegin, wal.KindMark:
		return fmt.Sprintf("%s #%d %s %-5s %s %s", pos, rec.Seq, ts, rec.Kind, rec.Tag, formatMetadata(rec.Metadata))
	default:
		return fmt.Sprintf("%s #%d %s %-5s %s", pos, rec.Seq, ts, rec.Kind, rec.Tag)
	}
}

func (c *cli) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open the engine, take background snapshots and serve the inspection endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				c.cfg.Inspect.Addr = addr
			}
			if c.cfg.Inspect.Addr == "" {
				c.cfg.Inspect.Addr = "127.0.0.1:7070"
			}

			reg := prometheus.NewRegistry()
			e, err := c.openEngine(cmd.Context(), engine.WithMetricsRegisterer(reg))
			if err != nil {
				return err
			}
			defer e.Close()

			srv := inspect.NewServer(e, c.cfg.Inspect.Addr, reg, c.logger)
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return e.RunSnapshots(ctx) })
			g.Go(func() error { return srv.Run(ctx) })

			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}
