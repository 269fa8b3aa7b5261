// Package adapter defines the unified contract implemented by every storage
// adapter. Entities are not hardcoded: operations are keyed by entity name and
// carry opaque JSON payloads, with the entity shape described by schemas
// loaded at adapter construction.
//
// Adapters are constructed through the factory in pkg/dbal and owned by the
// caller. A single adapter instance may be used from multiple goroutines,
// except for transactions: at most one transaction is active per adapter.
package adapter
