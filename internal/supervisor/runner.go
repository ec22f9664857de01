package supervisor

// Stage is a quiescent pipeline state in the ordered shutdown sequence.
// Teardown always walks StagePaused, StageReady, StageNull in that order.
type Stage int

const (
	StagePaused Stage = iota
	StageReady
	StageNull
)

func (s Stage) String() string {
	switch s {
	case StagePaused:
		return "paused"
	case StageReady:
		return "ready"
	case StageNull:
		return "null"
	}
	return "unknown"
}

// EventKind classifies terminal conditions reported by a running pipeline.
type EventKind int

const (
	// EventError is a fatal error reported on the pipeline bus.
	EventError EventKind = iota
	// EventEndOfStream is a normal end-of-stream.
	EventEndOfStream
)

func (k EventKind) String() string {
	if k == EventEndOfStream {
		return "end-of-stream"
	}
	return "error"
}

// Event is a terminal condition delivered on Handle.Events. After an Event
// the pipeline produces no further output; the Supervisor does not restart
// it automatically.
type Event struct {
	Kind    EventKind
	Message string
}

// Handle is exclusive ownership of one spawned pipeline instance.
//
// Once the pipeline has been moved to StageNull or killed, implementations
// stop delivering on both channels; they may close them but do not have to,
// the Supervisor never blocks solely on a released handle.
type Handle interface {
	// Liveness delivers a signal each time the pipeline produces a buffer.
	// Deliveries may be coalesced; the channel is never blocked on.
	Liveness() <-chan struct{}

	// Events delivers terminal bus events (error, end of stream).
	Events() <-chan Event

	// SetStage moves the pipeline to the given quiescent stage. Stages are
	// applied by the Supervisor strictly in order and never skipped.
	SetStage(Stage) error

	// Kill forcefully releases all pipeline resources. Used only when an
	// ordered shutdown fails or overruns its deadline.
	Kill()
}

// Runner spawns pipeline processes from resolved commands. The production
// implementation lives in internal/gst; tests substitute fakes.
type Runner interface {
	Spawn(command string) (Handle, error)
}
