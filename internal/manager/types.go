package manager

import (
	"time"

	"modelhub/internal/backend"
)

// Request describes one generation or embedding request for routing.
type Request struct {
	// Task is the capability tag to route on (chat, reasoning, coding, embedding).
	Task string
	// Model, when set, forces a specific model and bypasses tag filtering.
	Model string
	// ContextTokens is the estimated prompt size; 0 means unknown.
	ContextTokens int
	// LatencyBudget, when positive, orders equal-priority candidates by
	// observed throughput.
	LatencyBudget time.Duration
	Prompt        string
	Params        backend.Params
}

// Decision records how a request was routed.
type Decision struct {
	ModelID    string
	Evicted    bool
	EvictedIDs []string
}

// EmbedResult carries one vector per input text.
type EmbedResult struct {
	ModelID string
	Vectors [][]float32
}

// ModeStatus is the lifecycle of the active preset.
type ModeStatus string

const (
	ModeNone      ModeStatus = "none"
	ModeSwitching ModeStatus = "switching"
	ModeReady     ModeStatus = "ready"
	ModeFailed    ModeStatus = "failed"
)

// modeState is guarded by Manager.modeMu.
type modeState struct {
	name       string
	status     ModeStatus
	models     []string
	opID       string
	err        string
	switchedAt time.Time
	evicted    []string
}
