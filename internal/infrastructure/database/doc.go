// Package database provides SQLite connection management and the
// single-record key-value store used for durable bridge state.
//
// The token authority and the device identity registry each persist their
// entire state as one JSON record under their own key. SQLite gives the
// atomic single-record write guarantee those components rely on, plus WAL
// mode for concurrent reads during writes.
package database
