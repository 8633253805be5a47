// Package plugins loads task definitions implemented as WebAssembly modules.
//
// Each plugin lives in its own directory with a manifest.yaml:
//
//	name: dns
//	version: 1.0.0
//	entrypoint: dns.wasm
//	checksum: <sha256 hex, optional>
//	capabilities: [log, env:read]
//	tasks:
//	  - id: dns.record
//
// The module must export memory, malloc, free, task_start and task_check, and
// may export task_validate. Task functions take a JSON request
//
//	{"task_definition", "task_id", "process_id", "process_context", "task_context"}
//
// and return a JSON response {"status", "stdout", "stderr", "context_patch",
// "error"} packed as (ptr << 32) | len. Host functions are imported from the
// "keel" module and gated by the manifest capabilities.
package plugins
