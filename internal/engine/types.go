package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/distributedci/dci-analytics/internal/dci"
	"github.com/distributedci/dci-analytics/internal/store"
)

// Config holds the sync engine settings.
type Config struct {
	Feed      string        `toml:"feed"`
	BatchSize int           `toml:"batch_size"`
	LockDir   string        `toml:"lock_dir"`
	Period    time.Duration `toml:"period"`
}

// DefaultConfig returns the engine defaults. Period is the interval
// the external scheduler is expected to fire at; the engine itself
// never sleeps on it, but the serving role uses it to judge
// checkpoint staleness.
func DefaultConfig() Config {
	return Config{
		Feed:      "jobs",
		BatchSize: 100,
		Period:    10 * time.Minute,
	}
}

// Validate checks the engine configuration.
func (c Config) Validate() error {
	if c.Feed == "" {
		return fmt.Errorf("sync feed must be specified")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("sync batch_size must be positive")
	}
	if c.Period <= 0 {
		return fmt.Errorf("sync period must be positive")
	}
	return nil
}

// Cursor yields records in source order, ending with dci.ErrDone.
type Cursor interface {
	Next(ctx context.Context) (*dci.Record, error)
}

// Source produces a record cursor from a resumption position.
type Source interface {
	Jobs(pos dci.Position) Cursor
}

// Storage is the slice of the analytics store the engine writes
// through. *store.DB implements it.
type Storage interface {
	LoadCheckpoint(feed string) (*store.Checkpoint, error)
	WriteChunk(entries []store.Entry, cp store.Checkpoint) error
	CreateSyncRun(run *store.SyncRun) error
	FinishSyncRun(id string, outcome string, records, chunks int, errMsg *string) error
}

// clientSource adapts *dci.Client to the Source interface.
type clientSource struct {
	client *dci.Client
}

func (s clientSource) Jobs(pos dci.Position) Cursor {
	return s.client.Jobs(pos)
}

// NewClientSource wraps a DCI client as an engine source.
func NewClientSource(client *dci.Client) Source {
	return clientSource{client: client}
}

// Run outcomes.
type Outcome int

const (
	OutcomeDone Outcome = iota
	OutcomeSkipped
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "failed"
	}
}

// Failure classes. The orchestrator is the only layer that assigns
// them; lower layers just return typed errors.
const (
	FailureAuth   = "auth"
	FailureFetch  = "fetch"
	FailureStore  = "store"
	FailureSchema = "schema"
	FailureOther  = "other"
)

// Process exit codes, one per failure class so the scheduler can
// alert on the class alone.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitConfig  = 2
	ExitAuth    = 3
	ExitFetch   = 4
	ExitStore   = 5
	ExitSchema  = 6
)

// RunResult is the outcome of one sync run.
type RunResult struct {
	RunID        string
	Outcome      Outcome
	FailureClass string
	Records      int
	Chunks       int
	Err          error
}

// ExitCode maps the result to the sync role's process exit code.
// A skipped run exits zero: it is not an error.
func (r *RunResult) ExitCode() int {
	if r.Outcome != OutcomeFailed {
		return ExitOK
	}
	switch r.FailureClass {
	case FailureAuth:
		return ExitAuth
	case FailureFetch:
		return ExitFetch
	case FailureStore:
		return ExitStore
	case FailureSchema:
		return ExitSchema
	default:
		return ExitFailure
	}
}
