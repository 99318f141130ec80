// Package pipeline builds processing steps and composes them into a
// validated, immutable pipeline.
//
// A step reads DataReference inputs (existing data on a datastore) and
// PipelineData produced by upstream steps, and writes PipelineData outputs.
// Its command line is an ordered list of literal arguments and binding
// placeholders; the platform substitutes each placeholder with the data
// location at run time. Composition derives the step graph from which step
// produces each PipelineData and rejects graphs that are ambiguous, dangling
// or cyclic before the platform is asked to validate them.
package pipeline
