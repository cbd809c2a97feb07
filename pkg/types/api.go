package types

// GenerateRequest is the body of POST /generate.
type GenerateRequest struct {
	// Task kind used for routing: chat, reasoning or coding.
	// example: coding
	Task string `json:"task" example:"coding"`
	// Optional explicit model; bypasses tag routing.
	// example: coder-9b
	Model string `json:"model,omitempty" example:"coder-9b"`
	// Prompt text.
	// example: Write a function that reverses a string.
	Prompt string `json:"prompt" example:"Write a function that reverses a string."`
	// Estimated context size in tokens; candidates with a smaller window are skipped.
	// example: 2048
	ContextTokens int `json:"context_tokens,omitempty" example:"2048"`
	// Optional latency budget in milliseconds; prefers faster models.
	// example: 5000
	LatencyBudgetMS int `json:"latency_budget_ms,omitempty" example:"5000"`
	// Maximum number of new tokens to generate.
	// example: 256
	MaxTokens int `json:"max_tokens,omitempty" example:"256"`
	// example: 0.7
	Temperature float32 `json:"temperature,omitempty" example:"0.7"`
	// example: 0.9
	TopP float32 `json:"top_p,omitempty" example:"0.9"`
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// Optional stop sequences.
	Stop []string `json:"stop,omitempty"`
	// example: 42
	Seed int `json:"seed,omitempty" example:"42"`
	// example: 1.1
	RepeatPenalty float32 `json:"repeat_penalty,omitempty" example:"1.1"`
}

// EmbedRequest is the body of POST /embed.
type EmbedRequest struct {
	// Optional explicit embedding model.
	// example: embed
	Model string `json:"model,omitempty" example:"embed"`
	// Texts to embed.
	// example: ["hello world"]
	Input []string `json:"input" example:"hello world"`
}

// EmbedResponse carries one vector per input text, in input order.
type EmbedResponse struct {
	// example: embed
	ModelID string      `json:"model_id" example:"embed"`
	Vectors [][]float32 `json:"vectors"`
}

// ModelActionResponse is returned by load and unload.
type ModelActionResponse struct {
	// example: coder-9b
	ModelID string `json:"model_id" example:"coder-9b"`
	// Status after the action.
	// example: loaded
	Status string `json:"status" example:"loaded"`
	// Models evicted to make room.
	Evicted []string `json:"evicted,omitempty"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: model not found
	Error string `json:"error" example:"model not found"`
	// HTTP status code.
	// example: 404
	Code int `json:"code" example:"404"`
	// Error taxonomy kind, when known.
	// example: NotFound
	Kind string `json:"kind,omitempty" example:"NotFound"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Models []ModelStatus  `json:"models"`
	Memory MemoryResponse `json:"memory"`
	Mode   ModeResponse   `json:"mode"`
	// Total successful loads since start.
	// example: 12
	LoadsTotal int64 `json:"loads_total" example:"12"`
	// Total evictions since start.
	// example: 5
	EvictionsTotal int64 `json:"evictions_total" example:"5"`
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
