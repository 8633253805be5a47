// Package audit writes a record of every finished execution graph.
//
// A Record summarizes one graph: who requested it, how it ended, and the
// outcome of each resource's lifecycle process with the errors of its failed
// tasks. Sinks implement engine.AuditSink:
//
//   - FileSink appends records to a newline-delimited JSON file
//   - LogSink writes each record as a structured log event
//   - Multi fans a record out to several sinks, such as the two above and
//     the SQLite store
package audit
