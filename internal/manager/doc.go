// Package manager is the inference orchestrator. It owns the model table,
// loads and offloads models through the registered backends, and runs turns:
//
//   - errors.go: error types and helpers (IsModelNotFound, IsFilterBlocked).
//   - config.go: ManagerConfig and NewWithConfig.
//   - manager.go: core Manager type, model lookup, Ready.
//   - ensure.go / unload.go: LoadModels and OffloadModels across services.
//   - sampling.go: per-turn sampling resolution (caller > model > service).
//   - infer.go: Infer entry point, admission, input billing, filters, cleanup.
//   - inference.go: streaming generation, output billing and the tool loop.
//   - status_report.go: queue data, model info and /status reporting.
//   - events.go / eventpub_memory.go: lifecycle event publishing.
//
// A turn holds one admission ticket from creation to cleanup. Tool
// continuations run inside the same ticket, so a recursive call never waits
// on its own queue.
package manager
