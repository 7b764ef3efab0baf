package ipc

// This file is intentionally minimal: command handlers are registered by
// internal/service, which owns every component a handler needs to call
// (manifest store, watcher, integrity checker, heal supervisor, safe-mode
// manager). Keeping the dispatch table out of this package avoids an import
// cycle (service depends on ipc for its Server type) while still letting
// ipc define the HandlerFunc contract every command must satisfy.
