package grain

// Test-only exports for grain_test (external test package) callers that need
// access to unexported internals without widening the public API surface —
// this file is never compiled into non-test builds.
var (
	EncodeEvent      = encodeEvent
	EncodeProjection = encodeProjection
	ChunkActions     = chunkActions
)
