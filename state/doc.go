// Shared mutable state for the verification service: per-user challenge status, per-group policy, flood state, message registries, and the lists that are synchronized with the federation.
//
// All access goes through Store.Do, which acquires a fixed set of named lock domains (in a canonical order) for the duration of a callback. Accessors on the Tx passed to that callback panic if the domain guarding their collection is not held, so the locking discipline can't be bypassed by accident.
//
// Each logical collection is persisted as an independent snapshot "category" through a Persister. Writes go to a temporary file (or key) first, the previous primary is kept as a shadow copy, and the primary is replaced atomically; loading falls back to the shadow when the primary can't be decoded.
package state
