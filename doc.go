// Package utdataflow is a dataflow runtime for ubiquitous tracking. It
// turns a declarative UTQL description of sensor fusion and spatial
// computations into a running network of typed components connected by
// push/pull ports.
//
// The core consists of three coupled subsystems:
//
//   - the pattern matching and SRG expansion engine (attribute, srg,
//     srg/pattern, srg/manager): a spatial relationship graph models
//     known geometric relations; patterns grow it with derived edges and
//     queries are answered as dataflow descriptions;
//   - the typed port / trigger dataflow runtime (dataflow): instantiated
//     components expose named push/pull ports, and triggered components
//     synchronize heterogeneous inputs by timestamp with time and space
//     expansion;
//   - the prioritized event queue (dataflow/eventqueue): a
//     single-threaded cooperative dispatcher delivering push events in
//     priority order with per-receiver queue caps.
//
// Around the core, utql reads and writes UTQL documents, wire speaks the
// framed TCP protocol, bridge hands measurements between clients, and
// engine runs the announcement server that ties everything together.
package utdataflow
