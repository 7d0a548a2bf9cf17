// Package engine implements the crash-safe persistence engine for a live
// object graph.
//
// One Engine owns one log directory. Mutations are grouped into frames
// (transactions) and logged before they become visible:
//
//	BEGIN(tag) → SET … SET → END(tag) → publish to the live graph
//
// # Core Components
//
// Engine: Owns the WAL writer, the frame tracker, the live graph and the
// snapshot manager. Open restores the graph, then resumes writing.
//
// Tx: Handle passed to WithTransaction. Every Tx.Set is durable before it
// returns; staged changes are published in one critical section after END.
//
// Replay: Two-pass recovery. Pass 1 (Discover) finds complete frame
// instances; pass 2 applies only their SETs, in log order.
//
// Config: YAML configuration with GRAPHBERRY_* environment overrides.
//
// # Usage Example
//
//	cfg, _ := engine.LoadConfig("graphberry.yaml")
//	eng, err := engine.Open(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer eng.Close()
//
//	err = eng.WithTransaction(ctx, "resize", nil, func(tx *engine.Tx) error {
//	    if err := tx.Set("obj1", "kind", types.String("Rectangle")); err != nil {
//	        return err
//	    }
//	    return tx.Set("obj1", "width", types.Int(40))
//	})
//
// # Recovery
//
// Open loads the newest usable snapshot and replays the log written after
// it. A torn record at a segment tail marks a crash: frames left open
// before it are discarded and writing continues in a fresh segment. A
// corrupt record ends replay; Open then snapshots the recovered graph and
// quarantines the damaged segments. MARK records read before the corrupt
// record are always kept.
//
// # Thread Safety
//
// Transactions are serialized. Readers (View, Get, Graph) run concurrently
// with transactions and only ever see whole transactions. A background
// snapshot pauses commits for the rotate and clone only.
package engine
