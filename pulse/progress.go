package pulse

// ProgressEmitter receives progress updates from a running engine invocation.
// It is domain-agnostic: stages and metadata are plain strings and maps, so
// live feeds (the /ws/runs hub) can relay them without importing drip.
type ProgressEmitter interface {
	// EmitStage announces the start of a processing stage
	EmitStage(stage string, message string)

	// EmitProgress announces batch progress with count and optional metadata
	EmitProgress(count int, metadata map[string]interface{})

	// EmitComplete announces successful completion with summary
	EmitComplete(summary map[string]interface{})

	// EmitError announces an error during processing
	EmitError(stage string, err error)
}

// Standard stage names emitted by the engine.
const (
	StageGate     = "gate"
	StageFetch    = "fetch"
	StageDispatch = "dispatch"
	StageReport   = "report"
)

// NopEmitter discards every update.
type NopEmitter struct{}

func (NopEmitter) EmitStage(string, string) {}
func (NopEmitter) EmitProgress(int, map[string]interface{}) {}
func (NopEmitter) EmitComplete(map[string]interface{}) {}
func (NopEmitter) EmitError(string, error) {}

// Fanout forwards every update to each emitter in order.
type Fanout []ProgressEmitter

func (f Fanout) EmitStage(stage, message string) {
	for _, e := range f {
		e.EmitStage(stage, message)
	}
}

func (f Fanout) EmitProgress(count int, metadata map[string]interface{}) {
	for _, e := range f {
		e.EmitProgress(count, metadata)
	}
}

func (f Fanout) EmitComplete(summary map[string]interface{}) {
	for _, e := range f {
		e.EmitComplete(summary)
	}
}

func (f Fanout) EmitError(stage string, err error) {
	for _, e := range f {
		e.EmitError(stage, err)
	}
}
