// Package headers reconciles HTTP response headers coming from two
// uncoordinated layers into one HTTP/1.1-compliant set.
//
// The pieces, leaves first:
//   - [Canonical] and the engine's bounded name cache turn any casing into one
//     canonical Pascal-Case name.
//   - [Resolver] answers per-header policy (combinable, critical, separator,
//     priority) from built-in tables and custom [Rule]s.
//   - [Validator] rejects malformed names and injection-bearing or oversized
//     values.
//   - [Engine] runs [Engine.Deduplicate] (one ordered source, first occurrence
//     wins) and [Engine.Merge] (primary over secondary) through one shared
//     routine.
//   - [Stats] and [Observer] report what happened without affecting output.
//
// Errors come in three kinds, [ErrInvalidHeader], [ErrMergeFailure] and
// [ErrCriticalConflict]. Critical conflicts abort only in strict mode; the
// other two are returned only when ThrowOnMergeFailure is set and otherwise
// fall back to the unprocessed input, so header processing never blocks a
// response.
//
// The engine does not read or write wire-format HTTP. Writing the result to
// a response, including one line per Set-Cookie value, is the adapter's job
// (see internal/httpmw).
package headers
