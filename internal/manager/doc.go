// Package manager is the orchestration layer. It routes requests to models,
// admits loads against the shared memory ledger, evicts idle models to make
// room, switches mode presets and reports status. It is structured into
// small files by concern:
//
//   - manager.go: Manager type, constructor, simple getters.
//   - config.go: ManagerConfig and package defaults.
//   - types.go: request and decision types.
//   - errors.go: helpers building apperr errors for this package.
//   - route.go: candidate ordering, Route and RouteAndDispatch.
//   - ensure.go: singleflight load path through the admission gate.
//   - evict.go: sequential unload of victims chosen by the ledger.
//   - unload.go: explicit Load and Unload.
//   - mode.go: SwitchMode and the active preset.
//   - embed.go: non-streaming embedding dispatch.
//   - health.go: periodic health probes.
//   - status_report.go: status, memory and mode views for the API.
//   - events.go, eventpub_memory.go: lifecycle event publishing.
//   - metrics.go: prometheus collectors.
//
// The ledger is the single source of truth for memory and model status. The
// Manager never keeps a second copy of that state.
package manager
