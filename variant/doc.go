// Package variant implements the variant store that lets one shared network
// topology carry many independent state snapshots.
//
// A variant is identified by a string id and backed by an integer slot. Every
// variant-aware attribute family owns an AttributeStore indexed by slot; the
// VariantManager keeps those stores in step with the slot registry on create,
// clone and remove, and resolves the working variant for each caller either
// from a single global selection or, in multi-thread mode, from the worker
// identity carried on the caller's context.Context.
//
// Structural operations (create, clone, remove) are serialized by the
// manager. Attribute reads and writes are lock-free; a given variant must
// have at most one writer at a time.
package variant
