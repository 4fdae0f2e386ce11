package mqtt

import "fmt"

// Topic prefixes for the local event hierarchy.
//
// All bridge topics use the scheme: voxbridge/{category}/{subject}
const (
	// TopicPrefix is the base for all bridge topics.
	TopicPrefix = "voxbridge"

	// TopicPrefixEvents is the base for event announcements.
	TopicPrefixEvents = "voxbridge/events"

	// TopicPrefixSystem is the base for system status topics.
	TopicPrefixSystem = "voxbridge/system"
)

// Topics provides builders for the bridge's MQTT topics. Using these
// helpers keeps topic naming consistent across the codebase.
type Topics struct{}

// ExecutionResult returns the topic for per-device command outcomes.
//
// Example: voxbridge/events/execution/light_kitchen
func (Topics) ExecutionResult(deviceID string) string {
	return fmt.Sprintf("%s/execution/%s", TopicPrefixEvents, deviceID)
}

// SelectionChanged returns the topic announcing device selection changes.
//
// Example: voxbridge/events/selection
func (Topics) SelectionChanged() string {
	return fmt.Sprintf("%s/selection", TopicPrefixEvents)
}

// SystemStatus returns the topic carrying the bridge's online status.
//
// Example: voxbridge/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}
