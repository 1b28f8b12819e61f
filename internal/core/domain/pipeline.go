package domain

type PipelineState int32

const (
	PipelineIdle PipelineState = iota
	PipelineAwaitingPrompt
	PipelineSending
	PipelineWaitingForResult
)

func (s PipelineState) String() string {
	switch s {
	case PipelineIdle:
		return "idle"
	case PipelineAwaitingPrompt:
		return "awaiting_prompt"
	case PipelineSending:
		return "sending"
	case PipelineWaitingForResult:
		return "waiting_for_result"
	default:
		return "unknown"
	}
}

// InFlight reports whether a request occupies the pipeline in this state.
func (s PipelineState) InFlight() bool {
	return s == PipelineSending || s == PipelineWaitingForResult
}
