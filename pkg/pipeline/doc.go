// Package pipeline is a small in-process runtime for linear pipelines of
// fittings.
//
// A pipeline is a chain of stages. Each stage hosts one fitting type and
// creates one worker per partition lazily, the first time an input for that
// partition arrives. Workers read their inputs from bounded pipes, so a slow
// stage pushes back on whoever feeds it.
//
//	Enqueue(partition, input)
//	     │
//	     ▼
//	┌─────────┐     ┌─────────┐
//	│ stage 0 │────►│ stage 1 │────► Sink
//	└─────────┘     └─────────┘
//
// A pipeline ends in one of two ways:
//
//   - EndOfInput drains every worker, finalizes it and then forwards
//     end-of-input to the sink exactly once.
//   - Destroy cancels every worker and never touches the sink.
//
// Whichever is called first wins; later calls to either are no-ops.
//
// The entry stage of a pipeline is itself a [Sink], so one pipeline can feed
// another. Ending the feeder then ends the fed pipeline's input.
package pipeline
