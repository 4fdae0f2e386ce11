// Package mqtt provides the optional local event announcer.
//
// When enabled, the bridge publishes command execution outcomes and
// device-selection changes to a local broker under the voxbridge/
// topic hierarchy, plus a retained system status message with a Last
// Will for crash detection. Publishing is best effort and never blocks
// or fails the assistant-facing request path.
package mqtt
