// Package executor is the in-process execution backend of the cache. It runs
// validated operations against an executable schema breadth-first: fields the
// schema marks as sync are projected from their parent value immediately, and
// the async fields reached at one depth are handed to Runtime.BatchResolveAsync
// in a single call before the next depth starts.
//
// Value completion follows GraphQL rules. A null in a Non-Null position
// nullifies the enclosing object, and for async fields the enclosing top-level
// field; queued tasks under a nullified path are dropped. Errors are collected
// as located GraphQL errors alongside partial data.
//
// ResolverRuntime is the Runtime used by the CLI and tests: resolvers keyed by
// "Type.field", with map projection for everything else, so a JSON fixture can
// serve as the root value.
package executor
