package progress

import "context"

// Sink consumes batches of snapshots. Implementations must be safe for
// repeated calls and honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Snapshot) error
	Close(ctx context.Context) error
}

// Publisher accepts individual snapshots; Hub satisfies it so the run loop
// stays agnostic about how snapshots are delivered.
type Publisher interface {
	Publish(snap Snapshot)
}
