package types

// ModelStatus is the per-model view returned by GET /models/status.
type ModelStatus struct {
	// Stable identifier of the model.
	// example: coder-9b
	ID string `json:"id" example:"coder-9b"`
	// Backend kind: container or server.
	// example: server
	Kind string `json:"kind" example:"server"`
	// Lifecycle status: unloaded, loading, loaded, unloading or failed.
	// example: loaded
	Status string `json:"status" example:"loaded"`
	// Capability tags.
	// example: ["coding"]
	Tags []string `json:"tags" example:"coding"`
	// Estimated memory footprint in bytes.
	// example: 9663676416
	FootprintBytes int64 `json:"footprint_bytes" example:"9663676416"`
	// Routing priority; higher wins.
	// example: 10
	Priority int `json:"priority" example:"10"`
	// Time the model became loaded (unix seconds, 0 when never loaded).
	// example: 1700000000
	LoadedAt int64 `json:"loaded_at_unix" example:"1700000000"`
	// Last dispatch time (unix seconds).
	// example: 1700000100
	LastUsed int64 `json:"last_used_unix" example:"1700000100"`
	// In-flight requests.
	// example: 1
	Active int `json:"active_requests" example:"1"`
	// Observed generation throughput (EWMA).
	// example: 42.5
	TokensPerSec float64 `json:"tokens_per_sec" example:"42.5"`
	// Result of the last health probe: healthy, unhealthy or unknown.
	// example: healthy
	Health string `json:"health" example:"healthy"`
	// Last load or health error, if any.
	LastError string `json:"last_error,omitempty"`
}

// MemoryResponse is returned by GET /memory.
type MemoryResponse struct {
	// example: 25769803776
	CapacityBytes int64 `json:"capacity_bytes" example:"25769803776"`
	// Bytes never handed to models.
	// example: 1073741824
	HeadroomBytes int64 `json:"headroom_bytes" example:"1073741824"`
	// Bytes committed to loading, loaded, unloading and container models.
	// example: 11811160064
	UsedBytes int64 `json:"used_bytes" example:"11811160064"`
	// capacity - used.
	// example: 13958643712
	FreeBytes int64 `json:"free_bytes" example:"13958643712"`
	// capacity - headroom - used; what a new load may claim.
	// example: 12884901888
	AvailableBytes int64 `json:"available_bytes" example:"12884901888"`
	// Human-readable rendering of the figures above.
	Human map[string]string `json:"human,omitempty"`
}

// ModeResponse describes the active mode preset.
type ModeResponse struct {
	// Name of the active preset; empty when none was applied.
	// example: coding
	Name string `json:"name" example:"coding"`
	// none, switching, ready or failed.
	// example: ready
	Status string `json:"status" example:"ready"`
	// Models the preset keeps loaded.
	// example: ["coder-9b","embed"]
	Models []string `json:"models" example:"coder-9b,embed"`
	// Operation id of the last switch.
	// example: 3f1f0c8e-8d1e-4c53-9a57-2b7b5d9c1a10
	OpID string `json:"op_id,omitempty" example:"3f1f0c8e-8d1e-4c53-9a57-2b7b5d9c1a10"`
	// Set when status is failed.
	Error string `json:"error,omitempty"`
	// Time the last switch finished (unix seconds).
	// example: 1700000000
	SwitchedAt int64 `json:"switched_at_unix,omitempty" example:"1700000000"`
	// Models evicted by the last switch.
	Evicted []string `json:"evicted,omitempty"`
}
