package domain

import "time"

// SessionStatus is the lifecycle state of a Session. Transitions are
// monotonic except Running <-> Paused; terminal states never transition.
type SessionStatus string

const (
	SessionPlanning   SessionStatus = "Planning"
	SessionRunning    SessionStatus = "Running"
	SessionPaused     SessionStatus = "Paused"
	SessionCancelling SessionStatus = "Cancelling"
	SessionCompleted  SessionStatus = "Completed"
	SessionFailed     SessionStatus = "Failed"
)

// Terminal reports whether the status accepts no further transitions except
// HealthCheck.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// SessionMetrics accumulates per-stage counters across a session's batches.
type SessionMetrics struct {
	SuccessCount   int
	FailureCount   int
	PartialFailures []TaskError
	TotalPages     int
}

// Session is exclusively owned by a Session Actor.
type Session struct {
	SessionID   string
	Status      SessionStatus
	ProfileKind ProfileKind
	Plan        CrawlPlan
	Metrics     SessionMetrics
	StartedAt   time.Time
	FinishedAt  *time.Time
	FailReason  string
}

// TaskKind identifies which atomic operation a Task performs.
type TaskKind string

const (
	TaskFetchList  TaskKind = "FetchList"
	TaskParseList  TaskKind = "ParseList"
	TaskFetchDetail TaskKind = "FetchDetail"
	TaskParseDetail TaskKind = "ParseDetail"
	TaskPersist    TaskKind = "Persist"
)

// StageKind identifies one phase of the five-stage pipeline. Distinct from
// TaskKind because a Stage Actor runs many Tasks of the same Kind.
type StageKind string

const (
	StageFetchListPages   StageKind = "FetchListPages"
	StageParseListPages   StageKind = "ParseListPages"
	StageFetchDetailPages StageKind = "FetchDetailPages"
	StageParseDetailPages StageKind = "ParseDetailPages"
	StagePersist          StageKind = "Persist"
)

// DefaultStageSequence is the fixed five-stage pipeline every BatchSlice runs.
func DefaultStageSequence() []StageKind {
	return []StageKind{
		StageFetchListPages,
		StageParseListPages,
		StageFetchDetailPages,
		StageParseDetailPages,
		StagePersist,
	}
}

// Task is one atomic unit of work executed by a Task Worker.
type Task struct {
	TaskID    string
	Kind      TaskKind
	Input     any
	Attempts  int
	LastError *TaskError
}

// ErrorKind is the classification taxonomy of spec section 7.
type ErrorKind string

const (
	ErrNetworkTransient   ErrorKind = "NetworkTransient"
	ErrNetworkPermanent   ErrorKind = "NetworkPermanent"
	ErrParseMalformed     ErrorKind = "ParseMalformed"
	ErrPersistenceConflict ErrorKind = "PersistenceConflict"
	ErrPersistenceFatal   ErrorKind = "PersistenceFatal"
	ErrConfigInvalid      ErrorKind = "ConfigInvalid"
	ErrStateConflict      ErrorKind = "StateConflict"
	ErrCancelled          ErrorKind = "Cancelled"
	ErrTimeout            ErrorKind = "Timeout"
)

// TaskError is the structured record of a single task failure, as surfaced
// in BatchResult.PartialFailures and the event-crawling-error stream.
type TaskError struct {
	Kind         ErrorKind
	Where        string // "session" | "batch" | "stage" | "task"
	When         time.Time
	InputSummary string
	Attempts     int
	Message      string
}
