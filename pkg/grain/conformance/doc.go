// Package conformance runs one BDD suite over every RowStore backend: the
// in-memory store always, and the PostgreSQL store when Docker is available
// to start a throwaway container. A backend that passes this suite satisfies
// the engine's end-to-end contract — ordering, CAS, retention, reactor
// delivery — identically to the reference in-memory implementation.
package conformance
