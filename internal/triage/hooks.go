package triage

// InvestigationEvent summarizes one LLM-driven behavioral investigation.
type InvestigationEvent struct {
	TransactionID string
	Outcome       string
	Model         string
	Duration      float64
	LLMTime       float64
	ToolTime      float64
	TokensIn      int
	TokensOut     int
	ToolCalls     int
	Findings      int
}

// InvestigationHooks are callbacks the behavioral investigator fires for
// instrumentation. Nil fields are skipped.
type InvestigationHooks struct {
	OnLLMCall  func(inputTokens, outputTokens int, duration float64)
	OnToolCall func(name string, duration float64, inputBytes, outputBytes int, isError bool)
	OnComplete func(e *InvestigationEvent)
}
