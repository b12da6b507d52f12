// Package engine drives one end-to-end synchronization pass: load the
// feed checkpoint, fetch new records, transform them, and commit them
// in bounded chunks, each chunk advancing the checkpoint in the same
// transaction.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/distributedci/dci-analytics/internal/dci"
	"github.com/distributedci/dci-analytics/internal/store"
	"github.com/distributedci/dci-analytics/internal/transform"
)

// Orchestrator executes a single sync run for one feed.
type Orchestrator struct {
	cfg     Config
	source  Source
	storage Storage
	logger  *slog.Logger

	// State management
	state State

	// Per-run working set
	runID      string
	pos        dci.Position
	cursor     Cursor
	batch      []*dci.Record
	entries    []store.Entry
	sourceDone bool

	// Counters
	records int
	chunks  int

	result *RunResult

	// Optional state recorder for testing
	recorder *StateRecorder
}

// NewOrchestrator creates an orchestrator for one run. Orchestrators
// are single-use: create a fresh one per scheduled invocation.
func NewOrchestrator(cfg Config, source Source, storage Storage, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		source:  source,
		storage: storage,
		logger:  logger,
		state:   &IdleState{},
		runID:   uuid.NewString(),
	}
}

// SetRecorder attaches a state recorder (for testing).
func (o *Orchestrator) SetRecorder(r *StateRecorder) {
	o.recorder = r
}

// StateName returns the current state name (for testing).
func (o *Orchestrator) StateName() string {
	return o.state.Name()
}

// transitionTo performs a state transition and logs it.
func (o *Orchestrator) transitionTo(newState State) {
	oldStateName := o.state.Name()
	o.state = newState

	if o.recorder != nil {
		o.recorder.Record(newState)
	}

	o.logger.Debug("state transition",
		"from", oldStateName,
		"to", newState.Name(),
		"run_id", o.runID)
}

// Run drives the state machine to a terminal state and returns the
// run result. The caller maps the result to a process exit code.
func (o *Orchestrator) Run(ctx context.Context) *RunResult {
	o.result = &RunResult{RunID: o.runID}

	lock, err := AcquireRunLock(o.cfg.LockDir, o.cfg.Feed)
	if errors.Is(err, ErrAlreadyRunning) {
		// Benign: the previous invocation is still working. Leave the
		// store untouched and let the scheduler try again next period.
		o.logger.Info("sync already running for feed, skipping",
			"feed", o.cfg.Feed,
			"run_id", o.runID)
		o.transitionTo(o.state.(*IdleState).ToSkipped())
		o.result.Outcome = OutcomeSkipped
		return o.result
	}
	if err != nil {
		o.failWith(FailureOther, err)
		o.runFailed()
		return o.result
	}
	defer func() {
		if err := lock.Release(); err != nil {
			o.logger.Warn("failed to release run lock", "error", err)
		}
	}()

	run := &store.SyncRun{ID: o.runID, Feed: o.cfg.Feed, StartedAt: time.Now().UTC()}
	if err := o.storage.CreateSyncRun(run); err != nil {
		o.failWith(FailureStore, fmt.Errorf("recording sync run: %w", err))
		o.runFailed()
		return o.result
	}

	o.logger.Info("sync run starting",
		"run_id", o.runID,
		"feed", o.cfg.Feed,
		"batch_size", o.cfg.BatchSize)

	for {
		if err := ctx.Err(); err != nil && !o.terminal() {
			// Cancellation between steps. Committed chunks stay
			// committed; the next run resumes from the checkpoint.
			o.failWith(FailureOther, err)
		}

		switch o.state.(type) {
		case *IdleState:
			o.transitionTo(o.state.(*IdleState).ToLoadingCheckpoint())
		case *LoadingCheckpointState:
			o.runLoadingCheckpoint()
		case *FetchingState:
			o.runFetching(ctx)
		case *TransformingState:
			o.runTransforming()
		case *WritingState:
			o.runWriting()
		case *CheckpointingState:
			o.runCheckpointing()
		case *DoneState:
			o.runDone()
			return o.result
		case *FailedState:
			o.runFailed()
			return o.result
		default:
			o.failWith(FailureOther, fmt.Errorf("unknown state %T", o.state))
		}
	}
}

func (o *Orchestrator) terminal() bool {
	switch o.state.(type) {
	case *DoneState, *FailedState, *SkippedState:
		return true
	}
	return false
}

// failWith records the failure and moves to the failed state.
func (o *Orchestrator) failWith(class string, err error) {
	o.result.Outcome = OutcomeFailed
	o.result.FailureClass = class
	o.result.Err = err

	switch s := o.state.(type) {
	case *IdleState:
		o.transitionTo(s.ToFailed())
	case *LoadingCheckpointState:
		o.transitionTo(s.ToFailed())
	case *FetchingState:
		o.transitionTo(s.ToFailed())
	case *TransformingState:
		o.transitionTo(s.ToFailed())
	case *WritingState:
		o.transitionTo(s.ToFailed())
	case *CheckpointingState:
		o.transitionTo(s.ToFailed())
	case *FailedState:
		// already failed
	default:
		o.state = &FailedState{}
	}
}

// runLoadingCheckpoint reads the feed's high-water mark. A feed that
// has never synced starts from the zero position.
func (o *Orchestrator) runLoadingCheckpoint() {
	state := o.state.(*LoadingCheckpointState)

	cp, err := o.storage.LoadCheckpoint(o.cfg.Feed)
	switch {
	case store.IsNotFound(err):
		o.pos = dci.Position{}
		o.logger.Info("no checkpoint for feed, starting from the beginning", "feed", o.cfg.Feed)
	case err != nil:
		o.failWith(FailureStore, fmt.Errorf("loading checkpoint: %w", err))
		return
	default:
		o.pos = dci.Position{Since: cp.Timestamp, AfterID: cp.LastID}
		o.logger.Info("loaded checkpoint",
			"feed", o.cfg.Feed,
			"timestamp", cp.Timestamp,
			"last_id", cp.LastID)
	}

	o.cursor = o.source.Jobs(o.pos)
	o.transitionTo(state.ToFetching())
}

// runFetching gathers up to one batch of records from the cursor.
func (o *Orchestrator) runFetching(ctx context.Context) {
	state := o.state.(*FetchingState)

	o.batch = o.batch[:0]
	for len(o.batch) < o.cfg.BatchSize {
		rec, err := o.cursor.Next(ctx)
		if errors.Is(err, dci.ErrDone) {
			o.sourceDone = true
			break
		}
		if err != nil {
			o.failWith(classifyFetchError(err), fmt.Errorf("fetching records: %w", err))
			return
		}
		o.batch = append(o.batch, rec)
	}

	if len(o.batch) == 0 {
		o.transitionTo(state.ToDone())
		return
	}

	o.transitionTo(state.ToTransforming())
}

// classifyFetchError distinguishes authentication rejections from
// other fetch failures for exit-code purposes.
func classifyFetchError(err error) string {
	var authErr *dci.AuthError
	if errors.As(err, &authErr) {
		return FailureAuth
	}
	return FailureFetch
}

// runTransforming maps the fetched batch into entries. A schema
// violation aborts the run before the write transaction opens, so a
// bad record never leaves a partial chunk behind.
func (o *Orchestrator) runTransforming() {
	state := o.state.(*TransformingState)

	o.entries = o.entries[:0]
	for _, rec := range o.batch {
		entry, err := transform.Transform(o.cfg.Feed, rec)
		if err != nil {
			o.failWith(FailureSchema, err)
			return
		}
		o.entries = append(o.entries, *entry)
	}

	o.transitionTo(state.ToWriting())
}

// runWriting commits the chunk and its checkpoint as one transaction.
func (o *Orchestrator) runWriting() {
	state := o.state.(*WritingState)

	last := o.entries[len(o.entries)-1]
	cp := store.Checkpoint{
		Feed:      o.cfg.Feed,
		Timestamp: last.UpdatedAt,
		LastID:    last.ID,
		BatchID:   uuid.NewString(),
	}

	if err := o.storage.WriteChunk(o.entries, cp); err != nil {
		o.failWith(FailureStore, fmt.Errorf("writing chunk: %w", err))
		return
	}

	o.pos = dci.Position{Since: cp.Timestamp, AfterID: cp.LastID}
	o.transitionTo(state.ToCheckpointing())
}

// runCheckpointing finalizes the committed chunk and decides whether
// another chunk remains.
func (o *Orchestrator) runCheckpointing() {
	state := o.state.(*CheckpointingState)

	o.chunks++
	o.records += len(o.entries)

	o.logger.Info("chunk committed",
		"run_id", o.runID,
		"feed", o.cfg.Feed,
		"chunk", o.chunks,
		"records", len(o.entries),
		"checkpoint_timestamp", o.pos.Since,
		"checkpoint_id", o.pos.AfterID)

	if o.sourceDone {
		o.transitionTo(state.ToDone())
		return
	}
	o.transitionTo(state.ToFetching())
}

// runDone handles successful completion.
func (o *Orchestrator) runDone() {
	o.result.Outcome = OutcomeDone
	o.result.Records = o.records
	o.result.Chunks = o.chunks

	if err := o.storage.FinishSyncRun(o.runID, store.RunOutcomeDone, o.records, o.chunks, nil); err != nil {
		o.logger.Warn("failed to finalize sync run record", "run_id", o.runID, "error", err)
	}

	o.logger.Info("sync run done",
		"run_id", o.runID,
		"feed", o.cfg.Feed,
		"records", o.records,
		"chunks", o.chunks)
}

// runFailed handles failure. The checkpoint already reflects the last
// committed chunk and nothing beyond it.
func (o *Orchestrator) runFailed() {
	o.result.Records = o.records
	o.result.Chunks = o.chunks

	msg := o.result.Err.Error()
	if err := o.storage.FinishSyncRun(o.runID, store.RunOutcomeFailed, o.records, o.chunks, &msg); err != nil {
		o.logger.Warn("failed to finalize sync run record", "run_id", o.runID, "error", err)
	}

	o.logger.Error("sync run failed",
		"run_id", o.runID,
		"feed", o.cfg.Feed,
		"class", o.result.FailureClass,
		"records", o.records,
		"chunks", o.chunks,
		"error", o.result.Err)
}
