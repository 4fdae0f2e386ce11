// Package history records command execution outcomes to InfluxDB.
//
// Each executed directive produces one point in the command_execution
// measurement, tagged by device, command, and result status, with
// latency and attempt count as fields. Writes are batched and
// non-blocking so the history store never sits on the request path.
// The recorder is optional; when disabled the engine simply runs
// without one.
package history
