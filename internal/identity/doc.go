// Package identity maps volatile controller entity keys to stable
// external device ids and tracks which devices are exposed to the
// voice assistant.
//
// Stable ids are slugs derived from the entity key, allocated lazily
// and kept forever so renames and restarts never break assistant-side
// references. Selection flags and display aliases live alongside the
// mapping in a single persisted record.
package identity
