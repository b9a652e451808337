// Package store provides the durable persistence layer for the bridge:
// agent identities, capability server records, the synced capability catalog,
// per-agent usage counters, and the append-only audit log.
//
// The production implementation is SQLiteStore, backed by modernc.org/sqlite
// with WAL journaling. The gateway core consumes the narrow per-concern
// interfaces (AgentStore, ServerStore, CapabilityStore, UsageStore,
// AuditStore) so tests can substitute fakes for individual concerns.
//
// Permission-sensitive readers must not cache results across calls: grant
// changes made through UpdateAgent must be observed by the very next
// filtering operation.
package store
