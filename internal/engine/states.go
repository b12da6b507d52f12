package engine

// State is the interface all sync run states implement. Transitions
// are methods on the concrete state types, so an illegal transition
// does not compile.
type State interface {
	Name() string
}

// IdleState - run created, lock not yet acquired
type IdleState struct{}

func (s *IdleState) Name() string { return "idle" }
func (s *IdleState) ToLoadingCheckpoint() *LoadingCheckpointState {
	return &LoadingCheckpointState{}
}
func (s *IdleState) ToSkipped() *SkippedState {
	return &SkippedState{}
}
func (s *IdleState) ToFailed() *FailedState {
	return &FailedState{}
}

// LoadingCheckpointState - reading the feed's high-water mark
type LoadingCheckpointState struct{}

func (s *LoadingCheckpointState) Name() string { return "loading_checkpoint" }
func (s *LoadingCheckpointState) ToFetching() *FetchingState {
	return &FetchingState{}
}
func (s *LoadingCheckpointState) ToFailed() *FailedState {
	return &FailedState{}
}

// FetchingState - gathering the next chunk from the remote source
type FetchingState struct{}

func (s *FetchingState) Name() string { return "fetching" }
func (s *FetchingState) ToTransforming() *TransformingState {
	return &TransformingState{}
}
func (s *FetchingState) ToDone() *DoneState {
	return &DoneState{}
}
func (s *FetchingState) ToFailed() *FailedState {
	return &FailedState{}
}

// TransformingState - mapping records into entries
type TransformingState struct{}

func (s *TransformingState) Name() string { return "transforming" }
func (s *TransformingState) ToWriting() *WritingState {
	return &WritingState{}
}
func (s *TransformingState) ToFailed() *FailedState {
	return &FailedState{}
}

// WritingState - committing the chunk and its checkpoint in one transaction
type WritingState struct{}

func (s *WritingState) Name() string { return "writing" }
func (s *WritingState) ToCheckpointing() *CheckpointingState {
	return &CheckpointingState{}
}
func (s *WritingState) ToFailed() *FailedState {
	return &FailedState{}
}

// CheckpointingState - chunk committed, advancing the in-memory position
type CheckpointingState struct{}

func (s *CheckpointingState) Name() string { return "checkpointing" }
func (s *CheckpointingState) ToFetching() *FetchingState {
	return &FetchingState{}
}
func (s *CheckpointingState) ToDone() *DoneState {
	return &DoneState{}
}
func (s *CheckpointingState) ToFailed() *FailedState {
	return &FailedState{}
}

// Terminal states

// DoneState - run completed, checkpoint reflects the whole feed
type DoneState struct{}

func (s *DoneState) Name() string { return "done" }

// FailedState - run aborted after the last committed chunk
type FailedState struct{}

func (s *FailedState) Name() string { return "failed" }

// SkippedState - another run holds the feed lock, nothing touched
type SkippedState struct{}

func (s *SkippedState) Name() string { return "skipped" }

// StateRecorder tracks state transitions for testing.
type StateRecorder struct {
	path []string
}

func NewStateRecorder() *StateRecorder {
	return &StateRecorder{path: make([]string, 0)}
}

func (r *StateRecorder) Record(state State) {
	r.path = append(r.path, state.Name())
}

func (r *StateRecorder) Path() []string {
	return r.path
}
