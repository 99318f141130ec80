// Package engine runs one invocation per blob event: it routes the event to
// a deployment, registers the deployment's datastores and environment,
// ensures the compute target, composes the pipeline and supervises its run,
// recording every phase in the invocation ledger and on the event broker.
//
// Handle runs an invocation on the caller's goroutine and is used by the
// synchronous Functions custom handler route. Submit records the invocation
// and runs it in the background under the configured timeout.
package engine
