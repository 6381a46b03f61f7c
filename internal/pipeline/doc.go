// Package pipeline composes and executes ordered filter pipelines.
//
// # Composition
//
// A Builder is the client-held, ordered list of FilterStep values. Steps are validated
// against the catalog schema on Append, may be removed by index, and are serialized in
// exactly the order they were appended (modulo removals). The builder never reorders or
// deduplicates steps.
//
// # Execution
//
// An Executor runs a sequence of steps against an image on the server. Steps run
// sequentially and each step's output is the next step's input:
//
//	original -> step[0] -> step[1] -> ... -> step[n-1] -> tentative result
//
// The first failing step aborts the run with a *StepError naming its index and filter.
package pipeline
