// Package projection builds the assistant-facing view of the home: the
// SYNC device list and QUERY device states.
//
// Controller entities are classified into assistant device types and
// traits based on their domain and attributes. The sync payload is
// cached with a short TTL and invalidated when the device selection
// changes; query state always reads the controller live.
package projection
