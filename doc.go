// Package stagegrid runs a pipeline of image-processing stages across a
// cluster of equal nodes.
//
// # Layers
//
// Control plane: nodes elect one coordinator per run through a NATS KV
// claim (control). Workers register the stage kind they offer, the
// coordinator binds them to stage descriptors (orchestrator), sends each
// its assignment and starts the run. Management messages carry fileset
// listings and statistics back.
//
// Data plane: each assigned stage reads from at most one queue and writes to
// at most one queue (flowqueue). Queues cross node boundaries over
// websocket data channels (datachannel), one connection per producer and
// consumer pair, framed with a continuation flag.
//
// # Packages
//
//   - descriptor: stage, fileset and queue descriptions, statistics table
//   - fileset: local numbered-file discovery and stride detection
//   - flowqueue: bounded queues with done semantics, fan-in and fan-out
//   - control: election and the role-gated control channel
//   - datachannel: websocket readers and writers for queue items
//   - stage: stage kinds and the built-in registry
//   - pipeline: wires one assignment into queues, channels and a stage
//   - worker: the worker's control handler and run loop
//   - orchestrator: the coordinator's run driver and report
//   - config: layered JSON/YAML run configuration
//
// cmd/stagegrid is the node binary.
package stagegrid
