package model

import (
	"context"
	"time"
)

// Checkpoint is a durable snapshot of the run after one node transition.
// One record exists per (thread_id, run_id, step_index) and is sufficient to
// resume the run without replaying earlier nodes.
type Checkpoint struct {
	ThreadID string `json:"thread_id"`
	RunID    string `json:"run_id"`
	Step     int    `json:"step_index"`
	// Node is the node that produced this snapshot; NextPhase is where the
	// orchestrator will continue when resuming from it.
	Node      string    `json:"node"`
	NextPhase Phase     `json:"next_phase"`
	State     *RunState `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// CheckpointStore persists run snapshots keyed by thread/run identifiers.
// Implementations must give per-key atomicity; the orchestrator relies on it
// for cross-run safety instead of taking locks.
type CheckpointStore interface {
	// Save writes the checkpoint and advances the run's latest pointer.
	Save(ctx context.Context, cp Checkpoint) error

	// Latest returns the newest checkpoint of the run.
	Latest(ctx context.Context, threadID, runID string) (*Checkpoint, error)

	// List returns the run's checkpoints in step order.
	List(ctx context.Context, threadID, runID string) ([]Checkpoint, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// ThreadRepository manages thread identity and the chat history shared by a
// thread's runs.
type ThreadRepository interface {
	CreateThread(ctx context.Context, threadID string) error
	ThreadExists(ctx context.Context, threadID string) (bool, error)

	AppendHistory(ctx context.Context, threadID string, turns []ChatTurn) error
	LoadHistory(ctx context.Context, threadID string) ([]ChatTurn, error)
}
