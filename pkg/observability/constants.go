package observability

const (
	AttrServiceName     = "service.name"
	AttrRunID           = "run.id"
	AttrAgentID         = "agent.id"
	AttrToolName        = "tool.name"
	AttrLLMModel        = "llm.model"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
	AttrErrorType       = "error.type"
	AttrStatusCode      = "http.status_code"

	SpanRunExecution  = "run.execution"
	SpanLLMRequest    = "run.llm_request"
	SpanToolExecution = "run.tool_execution"
	SpanMemoryLookup  = "run.memory_lookup"

	DefaultServiceName = "strand"
)
