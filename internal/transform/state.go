package transform

// StreamState accumulates per-stream context across TransformStream calls
// for one upstream response, keyed by content-block index. Grounded on
// providers.StreamState / ContentBlockState (registry.go) in the teacher
// codebase.
type StreamState struct {
	MessageStartSent bool
	MessageID        string
	Model            string
	InitialUsage     map[string]any

	ContentBlocks map[int]*ContentBlockState
	CurrentIndex  int
}

// ContentBlockState tracks one emitted Anthropic content block (text or
// tool_use) while it is still open.
type ContentBlockState struct {
	Type          string
	StartSent     bool
	StopSent      bool
	ToolCallID    string
	ToolCallIndex int
	ToolName      string
	Arguments     string
}

// NewStreamState returns a zero-valued StreamState ready for use.
func NewStreamState() *StreamState {
	return &StreamState{ContentBlocks: make(map[int]*ContentBlockState)}
}
